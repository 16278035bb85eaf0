// ABOUTME: Communication Hub: routes envelopes between one multi-peer transport and many agents
// ABOUTME: Maintains the peer/agent routing table, presence stream, and reply correlation

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-hub/internal/envelope"
	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/metrics"
	"github.com/2389/coven-hub/internal/routing"
	"github.com/2389/coven-hub/internal/transport"
)

// Presence reports an agent becoming reachable or going away.
type Presence struct {
	Connected bool
	AgentID   string
}

// Inbound is an envelope together with the agent it was routed from.
type Inbound struct {
	Envelope *envelope.Envelope
	AgentID  string
}

// BinaryFrame is a binary payload received from an agent.
type BinaryFrame struct {
	AgentID string
	Data    []byte
}

// Config configures a Hub.
type Config struct {
	// Name is stamped as the from field of every outbound envelope.
	Name string

	// ReplyTimeout applies to GetReply calls made without a positive timeout.
	ReplyTimeout time.Duration
}

// Hub is the hub-side Communication Hub.
type Hub struct {
	conn         *envelope.PeerConn
	builder      *envelope.Builder
	pending      *envelope.Pending
	replyTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu    sync.RWMutex
	table *routing.Table

	presence *fanout.Broadcaster[Presence]
	messages *fanout.Broadcaster[Inbound]
	binary   *fanout.Broadcaster[BinaryFrame]

	closeOnce sync.Once
}

// New creates a Hub over tr. Call Run to start processing events.
func New(tr transport.MultiPeer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "hub"
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = envelope.DefaultReplyTimeout
	}

	return &Hub{
		conn:         envelope.NewPeerConn(tr, envelope.Options{Logger: logger, Metrics: m}),
		builder:      envelope.NewBuilder(cfg.Name),
		pending:      envelope.NewPending(),
		replyTimeout: cfg.ReplyTimeout,
		logger:       logger.With("component", "hub"),
		metrics:      m,
		table:        routing.NewTable(),
		presence:     fanout.NewQueued[Presence]("presence", logger),
		messages:     fanout.NewQueued[Inbound]("messages", logger),
		binary:       fanout.NewQueued[BinaryFrame]("binary", logger),
	}
}

// Name returns the identity stamped on outbound envelopes.
func (h *Hub) Name() string {
	return h.builder.From()
}

// Run processes transport events until the transport closes or ctx is
// cancelled. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("hub started", "name", h.Name())
	defer h.closeStreams()

	events := h.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				h.logger.Info("hub transport closed")
				return nil
			}
			h.handle(ev)
		}
	}
}

// Close shuts the transport down and ends every stream.
func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.conn.Close()
		h.closeStreams()
	})
	return err
}

func (h *Hub) closeStreams() {
	h.presence.Close()
	h.messages.Close()
	h.binary.Close()
}

// Connected returns the presence stream. The channel closes when ctx is
// done or the hub stops.
func (h *Hub) Connected(ctx context.Context) <-chan Presence {
	ch, _ := h.presence.Subscribe(ctx)
	return ch
}

// Messages returns every inbound envelope tagged with its agent, including
// the synthetic unregister envelope published on disconnect.
func (h *Hub) Messages(ctx context.Context) <-chan Inbound {
	ch, _ := h.messages.Subscribe(ctx)
	return ch
}

// Binary returns binary frames received from mapped agents.
func (h *Hub) Binary(ctx context.Context) <-chan BinaryFrame {
	ch, _ := h.binary.Subscribe(ctx)
	return ch
}

// IsOnline reports whether agentID currently has a routing entry.
func (h *Hub) IsOnline(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.table.GetByAgent(agentID)
	return ok
}

// ListAgents returns the ids of all routed agents, sorted.
func (h *Hub) ListAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.table.Agents()
}

// Send wraps msg into an envelope and sends it to agentID. An agent with
// no routing entry, or whose connection fails the write, is logged and
// skipped without error. Only encoding failures are returned.
func (h *Hub) Send(agentID string, msg envelope.Message) error {
	env, err := h.builder.Build(msg)
	if err != nil {
		h.metrics.SerializeError()
		h.logger.Error("failed to build message", "agent_id", agentID, "kind", msg.Kind, "error", err)
		return err
	}
	return h.deliver(agentID, env)
}

// GetReply sends msg to agentID and waits for the reply of expectedKind
// that echoes its id. It fails with a *envelope.RemoteError on a matching
// error-rs, envelope.ErrReplyTimeout after timeout (the hub default when
// zero or less), or ctx.Err() when ctx ends first. An unrouted agent or a
// failed write is not an error by itself: the wait simply times out.
func (h *Hub) GetReply(ctx context.Context, agentID, expectedKind string, msg envelope.Message, timeout time.Duration) (*envelope.Envelope, error) {
	env, err := h.builder.Build(msg)
	if err != nil {
		h.metrics.SerializeError()
		h.logger.Error("failed to build request", "agent_id", agentID, "kind", msg.Kind, "error", err)
		return nil, err
	}
	if timeout <= 0 {
		timeout = h.replyTimeout
	}

	w := h.pending.Register(env.ID, agentID, expectedKind)
	h.metrics.ReplyStarted()
	start := time.Now()

	if err := h.deliver(agentID, env); err != nil {
		w.Cancel()
		h.metrics.ObserveReply(metrics.ReplyCanceled, time.Since(start))
		return nil, err
	}

	reply, err := w.Wait(ctx, timeout)
	h.metrics.ObserveReply(replyOutcome(err), time.Since(start))
	if err != nil {
		h.logger.Debug("reply wait failed",
			"agent_id", agentID,
			"request_id", env.ID,
			"expected_kind", expectedKind,
			"error", err,
		)
		return nil, err
	}
	return reply, nil
}

// SendBinary writes a binary frame to agentID and reports whether it was
// handed to the transport.
func (h *Hub) SendBinary(agentID string, data []byte) bool {
	peer, ok := h.peerOf(agentID)
	if !ok {
		h.metrics.UnroutedSend()
		h.logger.Warn("agent not routed, binary frame not sent", "agent_id", agentID, "bytes", len(data))
		return false
	}
	if err := h.conn.SendBinary(peer, data); err != nil {
		h.logger.Warn("binary send failed", "agent_id", agentID, "peer", peer, "error", err)
		return false
	}
	return true
}

func (h *Hub) peerOf(agentID string) (transport.PeerID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.table.GetByAgent(agentID)
}

func (h *Hub) deliver(agentID string, env *envelope.Envelope) error {
	peer, ok := h.peerOf(agentID)
	if !ok {
		h.metrics.UnroutedSend()
		h.logger.Warn("agent not routed, message not sent",
			"agent_id", agentID,
			"kind", env.Kind,
			"id", env.ID,
		)
		return nil
	}

	if err := h.conn.Send(peer, env); err != nil {
		if !errors.Is(err, envelope.ErrUndelivered) {
			return fmt.Errorf("sending to agent %s: %w", agentID, err)
		}
		h.metrics.UnroutedSend()
		h.logger.Warn("write to agent failed, message not sent",
			"agent_id", agentID,
			"peer", peer,
			"kind", env.Kind,
			"id", env.ID,
			"error", err,
		)
		return nil
	}

	h.logger.Debug("message sent", "agent_id", agentID, "peer", peer, "kind", env.Kind, "id", env.ID)
	return nil
}

// handle applies one codec event. It runs only on the Run goroutine.
func (h *Hub) handle(ev envelope.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		h.logger.Debug("peer connected, awaiting first message", "peer", ev.Peer)

	case transport.EventFrame:
		if ev.Envelope != nil {
			h.handleEnvelope(ev.Peer, ev.Envelope)
			return
		}
		h.handleBinary(ev.Peer, ev.Binary)

	case transport.EventDisconnected:
		h.handleDisconnect(ev.Peer)

	case transport.EventError:
		h.logger.Warn("transport error", "peer", ev.Peer, "error", ev.Err)
	}
}

func (h *Hub) handleEnvelope(peer transport.PeerID, env *envelope.Envelope) {
	h.mu.Lock()
	prev, hadPrev := h.table.GetByPeer(peer)
	changed := h.table.Set(peer, env.From)
	total := h.table.Len()
	h.mu.Unlock()

	if changed {
		h.metrics.SetAgentsOnline(total)
		if hadPrev {
			h.logger.Info("peer changed agent identity", "peer", peer, "old_agent_id", prev, "agent_id", env.From)
			h.presence.Publish(Presence{Connected: false, AgentID: prev})
		} else {
			h.logger.Info("=== AGENT CONNECTED ===", "agent_id", env.From, "peer", peer, "total_agents", total)
		}
		h.presence.Publish(Presence{Connected: true, AgentID: env.From})
	}

	h.pending.Resolve(env)
	h.messages.Publish(Inbound{Envelope: env, AgentID: env.From})
}

func (h *Hub) handleBinary(peer transport.PeerID, data []byte) {
	h.mu.RLock()
	agentID, ok := h.table.GetByPeer(peer)
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("dropping binary frame from unmapped peer", "peer", peer, "bytes", len(data))
		return
	}
	h.binary.Publish(BinaryFrame{AgentID: agentID, Data: data})
}

func (h *Hub) handleDisconnect(peer transport.PeerID) {
	h.mu.RLock()
	agentID, ok := h.table.GetByPeer(peer)
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("unmapped peer disconnected", "peer", peer)
		return
	}

	h.presence.Publish(Presence{Connected: false, AgentID: agentID})
	h.messages.Publish(Inbound{Envelope: unregisterEnvelope(agentID), AgentID: agentID})

	h.mu.Lock()
	h.table.DeleteByPeer(peer)
	total := h.table.Len()
	h.mu.Unlock()

	h.metrics.SetAgentsOnline(total)
	h.logger.Info("=== AGENT DISCONNECTED ===", "agent_id", agentID, "peer", peer, "total_agents", total)
}

// unregisterEnvelope is the synthetic notice published for a departed agent.
func unregisterEnvelope(agentID string) *envelope.Envelope {
	return &envelope.Envelope{
		Version: envelope.Version,
		ID:      envelope.NewID(),
		From:    agentID,
		On:      time.Now().UnixMilli(),
		Kind:    envelope.KindUnregister,
		Fields:  map[string]json.RawMessage{},
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
