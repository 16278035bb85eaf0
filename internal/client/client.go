// ABOUTME: Communication Client: the agent-side counterpart of the hub over one reconnecting transport
// ABOUTME: Exposes connectivity, inbound envelopes, send, and request/reply with the hub's race rules

// Package client connects one agent to its hub.
//
// A Client wraps a single-peer transport with the envelope codec. There is
// no routing table: every envelope goes to, and comes from, the one remote
// hub. GetReply follows the same resolution rules as the hub: a reply of
// the expected kind echoing the request id resolves, a matching error-rs
// rejects, and otherwise the wait times out.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-hub/internal/envelope"
	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/metrics"
	"github.com/2389/coven-hub/internal/transport"
)

// Config configures a Client.
type Config struct {
	// Name is the agent id stamped as the from field of outbound envelopes.
	Name string

	// ReplyTimeout applies to GetReply calls made without a positive timeout.
	ReplyTimeout time.Duration
}

// Client is the agent-side Communication Client.
type Client struct {
	conn         *envelope.Conn
	builder      *envelope.Builder
	pending      *envelope.Pending
	replyTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics

	online atomic.Bool

	connected *fanout.Broadcaster[bool]
	messages  *fanout.Broadcaster[*envelope.Envelope]
	binary    *fanout.Broadcaster[[]byte]

	closeOnce sync.Once
}

// New creates a Client over tr. Call Run to start processing events.
func New(tr transport.Transport, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("client name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = envelope.DefaultReplyTimeout
	}

	return &Client{
		conn:         envelope.NewConn(tr, envelope.Options{Logger: logger, Metrics: m}),
		builder:      envelope.NewBuilder(cfg.Name),
		pending:      envelope.NewPending(),
		replyTimeout: cfg.ReplyTimeout,
		logger:       logger.With("component", "client", "agent_id", cfg.Name),
		metrics:      m,
		connected:    fanout.NewQueued[bool]("connected", logger),
		messages:     fanout.NewQueued[*envelope.Envelope]("messages", logger),
		binary:       fanout.NewQueued[[]byte]("binary", logger),
	}, nil
}

// Dial creates a reconnecting transport to tcfg.URL, wraps it with
// logging, and returns a Client over it.
func Dial(tcfg transport.Config, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tr, err := transport.NewReconnecting(tcfg, logger)
	if err != nil {
		return nil, err
	}
	c, err := New(transport.WithLogs(tr, logger), cfg, logger, m)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return c, nil
}

// Name returns the agent id stamped on outbound envelopes.
func (c *Client) Name() string {
	return c.builder.From()
}

// Run processes transport events until the transport closes or ctx is
// cancelled. It must be called exactly once.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeStreams()

	events := c.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("client transport closed")
				return nil
			}
			c.handle(ev)
		}
	}
}

// Close delegates to the transport and ends every stream.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.closeStreams()
	})
	return err
}

func (c *Client) closeStreams() {
	c.connected.Close()
	c.messages.Close()
	c.binary.Close()
}

// Connected returns the connectivity stream.
func (c *Client) Connected(ctx context.Context) <-chan bool {
	ch, _ := c.connected.Subscribe(ctx)
	return ch
}

// IsConnected reports the last known connectivity.
func (c *Client) IsConnected() bool {
	return c.online.Load()
}

// Messages returns every inbound envelope.
func (c *Client) Messages(ctx context.Context) <-chan *envelope.Envelope {
	ch, _ := c.messages.Subscribe(ctx)
	return ch
}

// Binary returns inbound binary frames.
func (c *Client) Binary(ctx context.Context) <-chan []byte {
	ch, _ := c.binary.Subscribe(ctx)
	return ch
}

// Send wraps msg into an envelope and queues it. While disconnected the
// envelope waits in the transport queue.
func (c *Client) Send(msg envelope.Message) error {
	env, err := c.build(msg)
	if err != nil {
		return err
	}
	return c.conn.Send(env)
}

// SendBinary queues a binary frame.
func (c *Client) SendBinary(data []byte) {
	c.conn.SendBinary(data)
}

// GetReply sends msg and waits for the reply of expectedKind echoing its
// id, with the same outcomes as the hub's GetReply.
func (c *Client) GetReply(ctx context.Context, expectedKind string, msg envelope.Message, timeout time.Duration) (*envelope.Envelope, error) {
	env, err := c.build(msg)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.replyTimeout
	}

	w := c.pending.Register(env.ID, "", expectedKind)
	c.metrics.ReplyStarted()
	start := time.Now()

	if err := c.conn.Send(env); err != nil {
		w.Cancel()
		c.metrics.ObserveReply(metrics.ReplyCanceled, time.Since(start))
		return nil, err
	}

	reply, err := w.Wait(ctx, timeout)
	c.metrics.ObserveReply(replyOutcome(err), time.Since(start))
	if err != nil {
		c.logger.Debug("reply wait failed", "request_id", env.ID, "expected_kind", expectedKind, "error", err)
		return nil, err
	}
	return reply, nil
}

func (c *Client) build(msg envelope.Message) (*envelope.Envelope, error) {
	env, err := c.builder.Build(msg)
	if err != nil {
		c.metrics.SerializeError()
		c.logger.Error("failed to build message", "kind", msg.Kind, "error", err)
		return nil, err
	}
	return env, nil
}

func (c *Client) handle(ev envelope.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		c.online.Store(true)
		c.logger.Info("connected to hub")
		c.connected.Publish(true)

	case transport.EventDisconnected:
		c.online.Store(false)
		c.logger.Info("disconnected from hub", "error", ev.Err)
		c.connected.Publish(false)

	case transport.EventError:
		c.logger.Warn("transport error", "error", ev.Err)

	case transport.EventFrame:
		if ev.Envelope == nil {
			c.binary.Publish(ev.Binary)
			return
		}
		c.pending.Resolve(ev.Envelope)
		c.messages.Publish(ev.Envelope)
	}
}

func replyOutcome(err error) string {
	var remote *envelope.RemoteError
	switch {
	case err == nil:
		return metrics.ReplyOK
	case errors.As(err, &remote):
		return metrics.ReplyRemoteError
	case errors.Is(err, envelope.ErrReplyTimeout):
		return metrics.ReplyTimeout
	default:
		return metrics.ReplyCanceled
	}
}
