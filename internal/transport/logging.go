// ABOUTME: Logging decorators that wrap a Transport or MultiPeer and forward every call
// ABOUTME: Connection changes and errors log at info/warn; frames log at debug

package transport

import (
	"log/slog"
	"sync"
)

// logEvent writes one transport event to logger.
func logEvent(logger *slog.Logger, ev Event) {
	attrs := []any{"event", ev.Kind.String()}
	if ev.Peer != "" {
		attrs = append(attrs, "peer", ev.Peer)
	}

	switch ev.Kind {
	case EventConnected:
		logger.Info("transport connected", attrs...)
	case EventDisconnected:
		if ev.Err != nil {
			attrs = append(attrs, "error", ev.Err)
		}
		logger.Info("transport disconnected", attrs...)
	case EventError:
		logger.Warn("transport error", append(attrs, "error", ev.Err)...)
	case EventFrame:
		logger.Debug("frame received", append(attrs, "type", ev.Frame.Type.String(), "bytes", len(ev.Frame.Data))...)
	}
}

// forwarder relays an inner event stream through a logger.
type forwarder struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newForwarder(inner <-chan Event, logger *slog.Logger) *forwarder {
	f := &forwarder{
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go f.run(inner)
	return f
}

func (f *forwarder) run(inner <-chan Event) {
	defer close(f.events)
	for ev := range inner {
		logEvent(f.logger, ev)
		select {
		case f.events <- ev:
		case <-f.done:
			return
		}
	}
}

func (f *forwarder) stop() {
	f.closeOnce.Do(func() { close(f.done) })
}

// loggingTransport decorates a Transport with logs.
type loggingTransport struct {
	inner  Transport
	fwd    *forwarder
	logger *slog.Logger
}

// WithLogs returns a Transport that forwards to inner and logs every
// event and send.
func WithLogs(inner Transport, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport_logs")
	return &loggingTransport{
		inner:  inner,
		fwd:    newForwarder(inner.Events(), logger),
		logger: logger,
	}
}

func (t *loggingTransport) Events() <-chan Event {
	return t.fwd.events
}

func (t *loggingTransport) Send(f Frame) {
	t.logger.Debug("frame sent", "type", f.Type.String(), "bytes", len(f.Data))
	t.inner.Send(f)
}

func (t *loggingTransport) Close() error {
	t.logger.Info("closing transport")
	err := t.inner.Close()
	t.fwd.stop()
	if err != nil {
		t.logger.Warn("transport close failed", "error", err)
	}
	return err
}

// loggingMultiPeer decorates a MultiPeer with logs.
type loggingMultiPeer struct {
	inner  MultiPeer
	fwd    *forwarder
	logger *slog.Logger
}

// MultiPeerWithLogs returns a MultiPeer that forwards to inner and logs
// every event and send.
func MultiPeerWithLogs(inner MultiPeer, logger *slog.Logger) MultiPeer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport_logs")
	return &loggingMultiPeer{
		inner:  inner,
		fwd:    newForwarder(inner.Events(), logger),
		logger: logger,
	}
}

func (t *loggingMultiPeer) Events() <-chan Event {
	return t.fwd.events
}

func (t *loggingMultiPeer) Send(peer PeerID, f Frame) error {
	err := t.inner.Send(peer, f)
	if err != nil {
		t.logger.Warn("frame send failed", "peer", peer, "type", f.Type.String(), "error", err)
		return err
	}
	t.logger.Debug("frame sent", "peer", peer, "type", f.Type.String(), "bytes", len(f.Data))
	return nil
}

func (t *loggingMultiPeer) Close() error {
	t.logger.Info("closing multi-peer transport")
	err := t.inner.Close()
	t.fwd.stop()
	if err != nil {
		t.logger.Warn("transport close failed", "error", err)
	}
	return err
}
