// ABOUTME: Envelope type, header constants and payload accessors
// ABOUTME: Shared by the codec, the hub and the client

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope protocol version stamped on outbound messages.
const Version = 1

// Kinds the correlation layer itself understands. Every other kind is an
// opaque discriminant owned by the business layer.
const (
	// KindErrorRS reports a failed request. It carries requestId and error.
	KindErrorRS = "error-rs"

	// KindUnregister is injected by the hub when a mapped agent disconnects.
	KindUnregister = "unregister"
)

// Payload field names used for reply correlation.
const (
	FieldRequestID = "requestId"
	FieldError     = "error"
)

var (
	// ErrForeignFrame indicates a frame that is not in the envelope format.
	ErrForeignFrame = errors.New("not an envelope frame")

	// ErrMalformed indicates an envelope frame that failed validation.
	ErrMalformed = errors.New("malformed envelope")

	// ErrNotObject indicates message fields that do not encode to a JSON object.
	ErrNotObject = errors.New("message fields must encode to a JSON object")

	// ErrUndelivered wraps transport failures when writing an encoded envelope.
	ErrUndelivered = errors.New("envelope not delivered")
)

// Envelope is one structured protocol message: the header plus the payload
// fields of its kind. Fields never contains header keys.
type Envelope struct {
	Version int
	ID      string
	From    string
	On      int64
	Kind    string
	Fields  map[string]json.RawMessage
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.New().String()
}

// Time returns the envelope timestamp.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.On)
}

// Field returns the raw value of a payload field.
func (e *Envelope) Field(name string) (json.RawMessage, bool) {
	raw, ok := e.Fields[name]
	return raw, ok
}

// StringField decodes a string payload field, returning "" when it is absent
// or not a string.
func (e *Envelope) StringField(name string) string {
	raw, ok := e.Fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// RequestID returns the id of the request this envelope answers, or "".
func (e *Envelope) RequestID() string {
	return e.StringField(FieldRequestID)
}

// ErrorText returns the remote error text of an error-rs envelope.
func (e *Envelope) ErrorText() string {
	return e.StringField(FieldError)
}

// IsReplyTo reports whether e answers the request with the given id.
func (e *Envelope) IsReplyTo(id string) bool {
	return id != "" && e.RequestID() == id
}

// Decode unmarshals the payload fields into v.
func (e *Envelope) Decode(v any) error {
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Kind, err)
	}
	return nil
}

// validate checks the header rules shared by both codec directions.
func (e *Envelope) validate() error {
	switch {
	case e.Version < 1:
		return fmt.Errorf("%w: version must be a positive integer", ErrMalformed)
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrMalformed)
	case e.From == "":
		return fmt.Errorf("%w: from is required", ErrMalformed)
	case e.Kind == "":
		return fmt.Errorf("%w: kind is required", ErrMalformed)
	}
	return nil
}
