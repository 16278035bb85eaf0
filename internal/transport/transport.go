// ABOUTME: Core transport types shared by the reconnecting client and the multi-peer server
// ABOUTME: Defines frames, the ordered event stream, peer identities, and transport interfaces

package transport

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// ErrUnknownPeer indicates a send targeted a peer that is not connected.
var ErrUnknownPeer = errors.New("unknown peer")

// ErrClosed indicates the transport has been closed by its owner.
var ErrClosed = errors.New("transport closed")

// eventBufferSize is the buffer of every transport event channel.
const eventBufferSize = 64

// PeerID is an opaque identity for one physical connection. It is only
// ever compared and used as a lookup key, never interpreted.
type PeerID string

// FrameType distinguishes text and binary payloads.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return fmt.Sprintf("frame(%d)", int(t))
	}
}

// messageType maps a FrameType onto the WebSocket message type.
func (t FrameType) messageType() int {
	if t == FrameBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// frameTypeOf maps a WebSocket message type onto a FrameType.
func frameTypeOf(messageType int) FrameType {
	if messageType == websocket.BinaryMessage {
		return FrameBinary
	}
	return FrameText
}

// Frame is one raw payload on the wire.
type Frame struct {
	Type FrameType
	Data []byte
}

// TextFrame wraps data as a text frame.
func TextFrame(data []byte) Frame {
	return Frame{Type: FrameText, Data: data}
}

// BinaryFrame wraps data as a binary frame.
func BinaryFrame(data []byte) Frame {
	return Frame{Type: FrameBinary, Data: data}
}

// EventKind indicates the type of a transport event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventFrame
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFrame:
		return "frame"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one entry of a transport's ordered event stream. Peer is empty
// for single-peer transports. Err is set for EventError and, when the
// connection ended abnormally, for EventDisconnected.
type Event struct {
	Kind  EventKind
	Peer  PeerID
	Frame Frame
	Err   error
}

// Transport is a single logical link to one remote endpoint.
//
// Events delivers connection changes, frames and error notifications in
// the order they happened. The channel is closed once the transport is
// closed.
type Transport interface {
	Events() <-chan Event
	Send(f Frame)
	Close() error
}

// MultiPeer is the hub-side transport serving many physical connections.
// Every event carries the PeerID it concerns.
type MultiPeer interface {
	Events() <-chan Event
	Send(peer PeerID, f Frame) error
	Close() error
}
