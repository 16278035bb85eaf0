// ABOUTME: Builder stamps outbound messages with a fresh id, sender, version and timestamp
// ABOUTME: Message is the business-facing shape: a kind plus any JSON-object payload

package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message is an outbound payload before it is wrapped into an envelope.
// Fields must encode to a JSON object (a struct or map) or be nil.
// RequestID, when set, marks the message as a reply.
type Message struct {
	Kind      string
	Fields    any
	RequestID string
}

// Reply builds a reply message answering the request with the given id.
func Reply(requestID, kind string, fields any) Message {
	return Message{Kind: kind, Fields: fields, RequestID: requestID}
}

// ErrorReply builds an error-rs message answering the request with the given id.
func ErrorReply(requestID, text string) Message {
	return Message{
		Kind:      KindErrorRS,
		Fields:    map[string]string{FieldError: text},
		RequestID: requestID,
	}
}

// Builder wraps messages into envelopes sent by one identity.
type Builder struct {
	from  string
	now   func() time.Time
	newID func() string
}

// NewBuilder creates a builder stamping envelopes with from.
func NewBuilder(from string) *Builder {
	return &Builder{from: from, now: time.Now, newID: NewID}
}

// From returns the sender identity stamped on built envelopes.
func (b *Builder) From() string {
	return b.from
}

// Build wraps msg into a full envelope. It fails when the fields cannot be
// encoded or do not encode to a JSON object.
func (b *Builder) Build(msg Message) (*Envelope, error) {
	if msg.Kind == "" {
		return nil, fmt.Errorf("%w: kind is required", ErrMalformed)
	}

	fields, err := encodeFields(msg.Fields)
	if err != nil {
		return nil, fmt.Errorf("building %s message: %w", msg.Kind, err)
	}
	if msg.RequestID != "" {
		raw, _ := json.Marshal(msg.RequestID)
		fields[FieldRequestID] = raw
	}

	for _, key := range []string{keyVersion, keyID, keyFrom, keyOn, keyKind} {
		delete(fields, key)
	}

	return &Envelope{
		Version: Version,
		ID:      b.newID(),
		From:    b.from,
		On:      b.now().UnixMilli(),
		Kind:    msg.Kind,
		Fields:  fields,
	}, nil
}

func encodeFields(v any) (map[string]json.RawMessage, error) {
	switch f := v.(type) {
	case nil:
		return make(map[string]json.RawMessage), nil
	case map[string]json.RawMessage:
		out := make(map[string]json.RawMessage, len(f))
		for k, raw := range f {
			out[k] = raw
		}
		return out, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return make(map[string]json.RawMessage), nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
