// ABOUTME: JSON wire codec for envelopes: {"event": kind, "data": {header..., fields...}}
// ABOUTME: Distinguishes foreign frames from malformed envelopes on decode

package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Header keys inside the data object.
const (
	keyVersion = "version"
	keyID      = "id"
	keyFrom    = "from"
	keyOn      = "on"
	keyKind    = "kind"
)

// wireFrame is the outer JSON object of a text frame.
type wireFrame struct {
	Event string                     `json:"event"`
	Data  map[string]json.RawMessage `json:"data"`
}

// Marshal encodes env into a text frame payload. Header values always win
// over payload fields with the same name, and event is set to the kind.
// The output is deterministic for a given envelope.
func Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}

	data := make(map[string]json.RawMessage, len(env.Fields)+5)
	for k, v := range env.Fields {
		data[k] = v
	}

	header := []struct {
		key   string
		value any
	}{
		{keyVersion, env.Version},
		{keyID, env.ID},
		{keyFrom, env.From},
		{keyOn, env.On},
		{keyKind, env.Kind},
	}
	for _, h := range header {
		raw, err := json.Marshal(h.value)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", h.key, err)
		}
		data[h.key] = raw
	}

	out, err := json.Marshal(wireFrame{Event: env.Kind, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return out, nil
}

// Unmarshal decodes a text frame payload.
//
// Payloads whose first non-space byte is not '{' return ErrForeignFrame.
// Anything else that cannot be decoded into a valid envelope returns an
// error wrapping ErrMalformed.
func Unmarshal(payload []byte) (*Envelope, error) {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrForeignFrame
	}

	var frame wireFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if frame.Data == nil {
		return nil, fmt.Errorf("%w: data object is required", ErrMalformed)
	}

	env := &Envelope{Fields: make(map[string]json.RawMessage, len(frame.Data))}
	for k, v := range frame.Data {
		env.Fields[k] = v
	}

	if err := takeHeader(env.Fields, keyVersion, &env.Version); err != nil {
		return nil, err
	}
	if err := takeHeader(env.Fields, keyID, &env.ID); err != nil {
		return nil, err
	}
	if err := takeHeader(env.Fields, keyFrom, &env.From); err != nil {
		return nil, err
	}
	if err := takeHeader(env.Fields, keyOn, &env.On); err != nil {
		return nil, err
	}
	if _, ok := env.Fields[keyKind]; ok {
		if err := takeHeader(env.Fields, keyKind, &env.Kind); err != nil {
			return nil, err
		}
	} else {
		env.Kind = frame.Event
	}

	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// takeHeader decodes a required header key into dst and removes it from
// the payload fields.
func takeHeader(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s is required", ErrMalformed, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	delete(fields, key)
	return nil
}
