// ABOUTME: Client-side WebSocket transport that reconnects with exponential backoff
// ABOUTME: Queues outbound frames and releases them only while the socket is open

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
)

const (
	// DefaultReconnectDelay is the first delay after a lost connection.
	DefaultReconnectDelay = time.Second

	// DefaultMaxDelay caps the doubling reconnect delay.
	DefaultMaxDelay = 30 * time.Second

	defaultHandshakeTimeout = 45 * time.Second
)

// Config configures a Reconnecting transport.
type Config struct {
	URL              string
	Headers          map[string]string
	ReconnectDelay   time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
}

// withDefaults fills zero values with the package defaults.
func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.ReconnectDelay {
		c.MaxDelay = c.ReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	return c
}

// Reconnecting owns at most one WebSocket connection to a single endpoint
// and transparently re-establishes it after failures until Close is called.
//
// Frames passed to Send are never dropped: they wait in a FIFO queue while
// the connection is down and are written, in submission order, once it is
// open again.
type Reconnecting struct {
	cfg     Config
	dialer  *websocket.Dialer
	header  http.Header
	backoff *backoff.ExponentialBackOff
	logger  *slog.Logger

	events chan Event
	notify chan struct{}

	mu      sync.Mutex
	pending *queue.Queue
	conn    *websocket.Conn
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewReconnecting validates cfg and starts connecting in the background.
func NewReconnecting(cfg Config, logger *slog.Logger) (*Reconnecting, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconnecting{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		header:  header,
		backoff: newBackOff(cfg),
		logger:  logger.With("component", "transport", "url", cfg.URL),
		events:  make(chan Event, eventBufferSize),
		notify:  make(chan struct{}, 1),
		pending: queue.New(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// newBackOff builds the reconnect delay schedule: ReconnectDelay doubling
// up to MaxDelay, without jitter, never giving up.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Events returns the ordered stream of connection changes, frames and
// errors. It is closed after Close.
func (r *Reconnecting) Events() <-chan Event {
	return r.events
}

// Send queues f for delivery. It never blocks. Frames sent after Close
// are discarded.
func (r *Reconnecting) Send(f Frame) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("send on closed transport discarded", "type", f.Type, "bytes", len(f.Data))
		return
	}
	r.pending.Add(f)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of frames waiting to be written.
func (r *Reconnecting) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Length()
}

// Connected reports whether a connection is currently open.
func (r *Reconnecting) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Close stops reconnecting and drops the current socket without a close
// handshake. It is safe to call multiple times.
func (r *Reconnecting) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		conn := r.conn
		r.mu.Unlock()

		close(r.done)
		r.cancel()
		if conn != nil {
			_ = conn.Close()
		}
	})
	r.wg.Wait()
	return nil
}

// run is the connection loop. It is the only goroutine emitting events.
func (r *Reconnecting) run() {
	defer r.wg.Done()
	defer close(r.events)

	for {
		conn, err := r.dial()
		if err != nil {
			if r.isClosed() {
				return
			}
			r.logger.Debug("dial failed", "error", err)
			r.emit(Event{Kind: EventError, Err: err})
			if !r.sleep(r.backoff.NextBackOff()) {
				return
			}
			continue
		}

		if !r.attach(conn) {
			_ = conn.Close()
			return
		}
		r.backoff.Reset()
		r.emit(Event{Kind: EventConnected})

		stop := make(chan struct{})
		writerDone := make(chan struct{})
		go r.writeLoop(conn, stop, writerDone)

		readErr := r.readLoop(conn)

		close(stop)
		_ = conn.Close()
		<-writerDone
		r.detach()

		if r.isClosed() {
			return
		}

		if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			r.emit(Event{Kind: EventError, Err: readErr})
		}
		r.emit(Event{Kind: EventDisconnected, Err: readErr})

		if !r.sleep(r.backoff.NextBackOff()) {
			return
		}
	}
}

func (r *Reconnecting) dial() (*websocket.Conn, error) {
	conn, resp, err := r.dialer.DialContext(r.ctx, r.cfg.URL, r.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", r.cfg.URL, err)
	}
	return conn, nil
}

// attach records conn as the active connection unless the transport was
// closed while dialing.
func (r *Reconnecting) attach(conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conn = conn
	return true
}

func (r *Reconnecting) detach() {
	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
}

func (r *Reconnecting) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// emit delivers ev unless the transport is closing.
func (r *Reconnecting) emit(ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

// sleep waits d, returning false if the transport was closed meanwhile.
func (r *Reconnecting) sleep(d time.Duration) bool {
	r.logger.Debug("reconnecting after delay", "delay", d)
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-r.done:
		return false
	}
}

func (r *Reconnecting) readLoop(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if !r.emit(Event{Kind: EventFrame, Frame: Frame{Type: frameTypeOf(mt), Data: data}}) {
			return ErrClosed
		}
	}
}

// writeLoop drains the pending queue onto conn. A frame leaves the queue
// only after it was written, so a failed write is retried on the next
// connection.
func (r *Reconnecting) writeLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		f, ok := r.peek()
		if !ok {
			select {
			case <-r.notify:
				continue
			case <-stop:
				return
			}
		}

		select {
		case <-stop:
			return
		default:
		}

		if err := conn.WriteMessage(f.Type.messageType(), f.Data); err != nil {
			r.logger.Debug("write failed, frame kept for next connection", "error", err)
			// Unblock the reader so the loop can reconnect.
			_ = conn.Close()
			return
		}
		r.pop()
	}
}

func (r *Reconnecting) peek() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending.Length() == 0 {
		return Frame{}, false
	}
	f, _ := r.pending.Peek().(Frame)
	return f, true
}

func (r *Reconnecting) pop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending.Length() > 0 {
		r.pending.Remove()
	}
}
