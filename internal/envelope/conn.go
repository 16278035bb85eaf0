// ABOUTME: Conn and PeerConn wrap raw transports and exchange parsed envelopes
// ABOUTME: Foreign frames are skipped, malformed ones logged and dropped, binary frames passed through

package envelope

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-hub/internal/metrics"
	"github.com/2389/coven-hub/internal/transport"
)

// Event is one entry of a codec event stream. For EventFrame exactly one of
// Envelope (text frames) or Binary (binary frames) is set.
type Event struct {
	Kind     transport.EventKind
	Peer     transport.PeerID
	Envelope *Envelope
	Binary   []byte
	Err      error
}

// decoder turns raw transport events into codec events.
type decoder struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// translate converts ev. It returns false for frames that are dropped.
func (d decoder) translate(ev transport.Event) (Event, bool) {
	out := Event{Kind: ev.Kind, Peer: ev.Peer, Err: ev.Err}
	if ev.Kind != transport.EventFrame {
		return out, true
	}

	d.metrics.FrameReceived(ev.Frame.Type.String())

	if ev.Frame.Type == transport.FrameBinary {
		out.Binary = ev.Frame.Data
		return out, true
	}

	env, err := Unmarshal(ev.Frame.Data)
	switch {
	case errors.Is(err, ErrForeignFrame):
		d.metrics.FrameDropped("foreign")
		return out, false
	case err != nil:
		d.metrics.FrameDropped("malformed")
		d.logger.Warn("dropping malformed envelope", "peer", ev.Peer, "error", err, "bytes", len(ev.Frame.Data))
		return out, false
	}
	out.Envelope = env
	return out, true
}

// encode marshals env, logging and counting failures.
func (d decoder) encode(env *Envelope) ([]byte, error) {
	data, err := Marshal(env)
	if err != nil {
		d.metrics.SerializeError()
		d.logger.Error("failed to serialize envelope", "error", err)
		return nil, fmt.Errorf("serializing envelope: %w", err)
	}
	if env != nil {
		d.metrics.MessageSent(env.Kind)
	}
	return data, nil
}

// pump forwards translated events from in to out until in closes or done
// fires, then closes out.
func (d decoder) pump(in <-chan transport.Event, out chan<- Event, done <-chan struct{}) {
	defer close(out)
	for ev := range in {
		switch ev.Kind {
		case transport.EventConnected:
			d.metrics.PeerConnected()
		case transport.EventDisconnected:
			d.metrics.PeerDisconnected()
		}

		translated, ok := d.translate(ev)
		if !ok {
			continue
		}
		select {
		case out <- translated:
		case <-done:
			return
		}
	}
}

// Options configures a Conn or PeerConn.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) decoder(component string) decoder {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return decoder{logger: logger.With("component", component), metrics: o.Metrics}
}

// Conn is the envelope codec over a single-peer transport.
type Conn struct {
	tr        transport.Transport
	dec       decoder
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps tr and starts decoding its events.
func NewConn(tr transport.Transport, opts Options) *Conn {
	c := &Conn{
		tr:     tr,
		dec:    opts.decoder("envelope"),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.dec.pump(tr.Events(), c.events, c.done)
	return c
}

// Events returns connection changes, parsed envelopes and binary frames in
// arrival order. It is closed when the transport closes.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Send encodes env and queues it on the transport. An encoding failure is
// logged and returned; the transport is unaffected.
func (c *Conn) Send(env *Envelope) error {
	data, err := c.dec.encode(env)
	if err != nil {
		return err
	}
	c.tr.Send(transport.TextFrame(data))
	return nil
}

// SendBinary queues a binary frame.
func (c *Conn) SendBinary(data []byte) {
	c.tr.Send(transport.BinaryFrame(data))
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.tr.Close()
}

// PeerConn is the envelope codec over a multi-peer transport. Every event
// carries the peer it arrived on.
type PeerConn struct {
	tr        transport.MultiPeer
	dec       decoder
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewPeerConn wraps tr and starts decoding its events.
func NewPeerConn(tr transport.MultiPeer, opts Options) *PeerConn {
	c := &PeerConn{
		tr:     tr,
		dec:    opts.decoder("envelope_peers"),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.dec.pump(tr.Events(), c.events, c.done)
	return c
}

// Events returns peer connections, parsed envelopes and binary frames in
// arrival order, each tagged with its peer.
func (c *PeerConn) Events() <-chan Event {
	return c.events
}

// Send encodes env and writes it to peer.
func (c *PeerConn) Send(peer transport.PeerID, env *Envelope) error {
	data, err := c.dec.encode(env)
	if err != nil {
		return err
	}
	if err := c.tr.Send(peer, transport.TextFrame(data)); err != nil {
		return fmt.Errorf("sending %s to peer %s: %w: %w", env.Kind, peer, ErrUndelivered, err)
	}
	return nil
}

// SendBinary writes a binary frame to peer.
func (c *PeerConn) SendBinary(peer transport.PeerID, data []byte) error {
	if err := c.tr.Send(peer, transport.BinaryFrame(data)); err != nil {
		return fmt.Errorf("sending binary frame to peer %s: %w", peer, err)
	}
	return nil
}

// Close closes the underlying transport.
func (c *PeerConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.tr.Close()
}
