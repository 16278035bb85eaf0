// ABOUTME: In-memory transports for tests of the layers above the wire
// ABOUTME: Tests inject connection changes and frames and inspect what was sent

// Package transporttest provides fake transports driven directly by tests.
package transporttest

import (
	"sync"

	"github.com/2389/coven-hub/internal/transport"
)

const bufferSize = 256

// Fake is an in-memory transport.Transport.
type Fake struct {
	events chan transport.Event
	outbox chan transport.Frame

	mu     sync.Mutex
	sent   []transport.Frame
	closed bool
}

// NewFake creates a Fake with no connection.
func NewFake() *Fake {
	return &Fake{
		events: make(chan transport.Event, bufferSize),
		outbox: make(chan transport.Frame, bufferSize),
	}
}

func (f *Fake) Events() <-chan transport.Event { return f.events }

func (f *Fake) Send(fr transport.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.sent = append(f.sent, fr)
	select {
	case f.outbox <- fr:
	default:
	}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// Outbox delivers every sent frame in send order.
func (f *Fake) Outbox() <-chan transport.Frame { return f.outbox }

// Sent returns a snapshot of every frame sent so far.
func (f *Fake) Sent() []transport.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Frame(nil), f.sent...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Emit injects ev into the event stream. It is dropped after Close.
func (f *Fake) Emit(ev transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

// Connect injects a connected event.
func (f *Fake) Connect() { f.Emit(transport.Event{Kind: transport.EventConnected}) }

// Disconnect injects a disconnected event.
func (f *Fake) Disconnect() { f.Emit(transport.Event{Kind: transport.EventDisconnected}) }

// Deliver injects an inbound frame.
func (f *Fake) Deliver(fr transport.Frame) {
	f.Emit(transport.Event{Kind: transport.EventFrame, Frame: fr})
}

// DeliverText injects an inbound text frame.
func (f *Fake) DeliverText(s string) { f.Deliver(transport.TextFrame([]byte(s))) }

// PeerFrame is a frame sent to one peer.
type PeerFrame struct {
	Peer  transport.PeerID
	Frame transport.Frame
}

// FakeMultiPeer is an in-memory transport.MultiPeer.
type FakeMultiPeer struct {
	events chan transport.Event
	outbox chan PeerFrame

	mu     sync.Mutex
	peers  map[transport.PeerID]bool
	sent   []PeerFrame
	closed bool
}

// NewFakeMultiPeer creates a FakeMultiPeer with no peers.
func NewFakeMultiPeer() *FakeMultiPeer {
	return &FakeMultiPeer{
		events: make(chan transport.Event, bufferSize),
		outbox: make(chan PeerFrame, bufferSize),
		peers:  make(map[transport.PeerID]bool),
	}
}

func (f *FakeMultiPeer) Events() <-chan transport.Event { return f.events }

// Send records the frame. Peers that are not connected get ErrUnknownPeer.
func (f *FakeMultiPeer) Send(peer transport.PeerID, fr transport.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	if !f.peers[peer] {
		return transport.ErrUnknownPeer
	}
	pf := PeerFrame{Peer: peer, Frame: fr}
	f.sent = append(f.sent, pf)
	select {
	case f.outbox <- pf:
	default:
	}
	return nil
}

func (f *FakeMultiPeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// Outbox delivers every successfully sent frame in send order.
func (f *FakeMultiPeer) Outbox() <-chan PeerFrame { return f.outbox }

// Sent returns a snapshot of every successfully sent frame.
func (f *FakeMultiPeer) Sent() []PeerFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PeerFrame(nil), f.sent...)
}

func (f *FakeMultiPeer) emit(ev transport.Event) {
	if f.closed {
		return
	}
	f.events <- ev
}

// Connect marks peer connected and injects its connected event.
func (f *FakeMultiPeer) Connect(peer transport.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[peer] = true
	f.emit(transport.Event{Kind: transport.EventConnected, Peer: peer})
}

// Disconnect marks peer gone and injects its disconnected event.
func (f *FakeMultiPeer) Disconnect(peer transport.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, peer)
	f.emit(transport.Event{Kind: transport.EventDisconnected, Peer: peer})
}

// Drop forgets peer without emitting an event, like a socket that died
// before its disconnect was reported. Later sends to it fail.
func (f *FakeMultiPeer) Drop(peer transport.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, peer)
}

// Deliver injects an inbound frame from peer.
func (f *FakeMultiPeer) Deliver(peer transport.PeerID, fr transport.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(transport.Event{Kind: transport.EventFrame, Peer: peer, Frame: fr})
}

// DeliverText injects an inbound text frame from peer.
func (f *FakeMultiPeer) DeliverText(peer transport.PeerID, s string) {
	f.Deliver(peer, transport.TextFrame([]byte(s)))
}

// Closed reports whether Close was called.
func (f *FakeMultiPeer) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
