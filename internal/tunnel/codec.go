// ABOUTME: Binary codec for tunnel request and response messages
// ABOUTME: Little-endian, length-prefixed, deterministic; decode names the field that ran out of bytes

package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Message type bytes.
const (
	TypeRequest  byte = 0x01
	TypeResponse byte = 0x02
)

// MaxStringLen is the longest string a uint16 length prefix can describe.
const MaxStringLen = math.MaxUint16

var (
	// ErrTooShort indicates an empty buffer.
	ErrTooShort = errors.New("too short")

	// ErrUnknownType indicates a type byte other than request or response.
	ErrUnknownType = errors.New("unknown message type")

	// ErrTruncated indicates a buffer that ends inside a field. The wrapping
	// error names the field.
	ErrTruncated = errors.New("truncated message")

	// ErrStringTooLong indicates a string that does not fit a uint16 prefix.
	ErrStringTooLong = errors.New("string too long")

	// ErrInvalidFlag indicates an isLast byte other than 0 or 1.
	ErrInvalidFlag = errors.New("invalid isLast flag")
)

// Message is a decoded tunnel message: a Request or a Response.
type Message interface {
	tunnelMessage()
}

// Request asks an agent to fetch Path.
type Request struct {
	From      string
	RequestID uint32
	Path      string
}

// Response is one chunk of the answer to a Request.
type Response struct {
	From        string
	RequestID   uint32
	Status      uint16
	ContentType string
	Body        []byte
	IsLast      bool
}

func (Request) tunnelMessage()  {}
func (Response) tunnelMessage() {}

// EncodeRequest serializes r.
func EncodeRequest(r Request) ([]byte, error) {
	if err := checkString("from", r.From); err != nil {
		return nil, err
	}
	if err := checkString("path", r.Path); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 1+4+2+len(r.From)+2+len(r.Path))
	buf = append(buf, TypeRequest)
	buf = binary.LittleEndian.AppendUint32(buf, r.RequestID)
	buf = appendString(buf, r.From)
	buf = appendString(buf, r.Path)
	return buf, nil
}

// EncodeResponse serializes r.
func EncodeResponse(r Response) ([]byte, error) {
	if err := checkString("from", r.From); err != nil {
		return nil, err
	}
	if err := checkString("contentType", r.ContentType); err != nil {
		return nil, err
	}
	if uint64(len(r.Body)) > math.MaxUint32 {
		return nil, fmt.Errorf("body of %d bytes exceeds the uint32 length prefix", len(r.Body))
	}

	buf := make([]byte, 0, 1+4+2+len(r.From)+2+2+len(r.ContentType)+1+4+len(r.Body))
	buf = append(buf, TypeResponse)
	buf = binary.LittleEndian.AppendUint32(buf, r.RequestID)
	buf = appendString(buf, r.From)
	buf = binary.LittleEndian.AppendUint16(buf, r.Status)
	buf = appendString(buf, r.ContentType)
	if r.IsLast {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Body)))
	buf = append(buf, r.Body...)
	return buf, nil
}

// Decode parses one tunnel message. Trailing bytes after the message are
// ignored. An empty body decodes as nil.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrTooShort
	}

	rd := &reader{buf: data[1:]}
	switch data[0] {
	case TypeRequest:
		var r Request
		r.RequestID = rd.uint32("requestId")
		r.From = rd.string("from")
		r.Path = rd.string("path")
		if rd.err != nil {
			return nil, rd.err
		}
		return r, nil

	case TypeResponse:
		var r Response
		r.RequestID = rd.uint32("requestId")
		r.From = rd.string("from")
		r.Status = rd.uint16("status")
		r.ContentType = rd.string("contentType")
		r.IsLast = rd.flag("isLast")
		r.Body = rd.bytes("body")
		if rd.err != nil {
			return nil, rd.err
		}
		return r, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}
}

func checkString(field, s string) error {
	if len(s) > MaxStringLen {
		return fmt.Errorf("%w: %s is %d bytes", ErrStringTooLong, field, len(s))
	}
	return nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader consumes a buffer field by field. After the first failure every
// read is a no-op and err names the field that could not be read.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: missing %s (need %d bytes, have %d)", ErrTruncated, field, n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uint16(field string) uint16 {
	b := r.take(2, field)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) uint32(field string) uint32 {
	b := r.take(4, field)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) string(field string) string {
	n := r.uint16(field)
	b := r.take(int(n), field)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) flag(field string) bool {
	b := r.take(1, field)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		r.err = fmt.Errorf("%w: 0x%02x", ErrInvalidFlag, b[0])
		return false
	}
}

func (r *reader) bytes(field string) []byte {
	n := r.uint32(field)
	if n == 0 {
		return nil
	}
	b := r.take(int(n), field)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
