// ABOUTME: Hub-side tunnel proxy: serves HTTP GETs by tunnelling them to an agent
// ABOUTME: Allocates request ids, assembles chunked responses, and drops late chunks

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-hub/internal/dedupe"
	"github.com/2389/coven-hub/internal/hub"
	"github.com/2389/coven-hub/internal/metrics"
)

const (
	// DefaultRequestTimeout bounds one tunnelled exchange.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultDedupeTTL is how long finished request ids are remembered.
	DefaultDedupeTTL = 5 * time.Minute

	dedupeMaxSize = 10_000
)

var (
	// ErrAgentOffline indicates the target agent has no routing entry.
	ErrAgentOffline = errors.New("agent not connected")

	// ErrRequestTimeout indicates the agent did not finish its response in time.
	ErrRequestTimeout = errors.New("tunnel request timed out")
)

// HubLink is the part of the hub the proxy needs.
type HubLink interface {
	SendBinary(agentID string, data []byte) bool
	Binary(ctx context.Context) <-chan hub.BinaryFrame
}

// ProxyConfig configures a Proxy.
type ProxyConfig struct {
	// Name is the from field of outbound tunnel requests.
	Name           string
	RequestTimeout time.Duration
	DedupeTTL      time.Duration
}

type exchangeWait struct {
	agentID string
	result  chan *Exchange
}

// Proxy forwards HTTP GET requests to agents through the tunnel protocol.
type Proxy struct {
	link    HubLink
	name    string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	nextID    atomic.Uint32
	assembler *Assembler
	finished  *dedupe.Cache[uint32]

	mu      sync.Mutex
	waiting map[uint32]*exchangeWait
}

// NewProxy creates a Proxy. Call Run to start consuming responses.
func NewProxy(link HubLink, cfg ProxyConfig, logger *slog.Logger, m *metrics.Metrics) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "hub"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}

	return &Proxy{
		link:      link,
		name:      cfg.Name,
		timeout:   cfg.RequestTimeout,
		logger:    logger.With("component", "tunnel_proxy"),
		metrics:   m,
		assembler: NewAssembler(),
		finished:  dedupe.New[uint32](cfg.DedupeTTL, dedupeMaxSize),
		waiting:   make(map[uint32]*exchangeWait),
	}
}

// Run consumes binary frames from the hub until ctx is done or the hub
// stops.
func (p *Proxy) Run(ctx context.Context) error {
	defer p.finished.Close()

	frames := p.link.Binary(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			p.handleFrame(f)
		}
	}
}

func (p *Proxy) handleFrame(f hub.BinaryFrame) {
	msg, err := Decode(f.Data)
	if err != nil {
		p.logger.Warn("dropping undecodable tunnel frame", "agent_id", f.AgentID, "error", err)
		return
	}

	resp, ok := msg.(Response)
	if !ok {
		p.logger.Debug("ignoring tunnel request sent to the hub", "agent_id", f.AgentID)
		return
	}

	if p.finished.Seen(resp.RequestID) {
		p.metrics.TunnelLateChunk()
		p.logger.Debug("dropping late tunnel chunk", "agent_id", f.AgentID, "request_id", resp.RequestID)
		return
	}

	p.mu.Lock()
	w, ok := p.waiting[resp.RequestID]
	if !ok || w.agentID != f.AgentID {
		p.mu.Unlock()
		p.metrics.TunnelLateChunk()
		p.logger.Debug("dropping tunnel chunk for unknown request", "agent_id", f.AgentID, "request_id", resp.RequestID)
		return
	}
	ex, done := p.assembler.Add(resp)
	if done {
		delete(p.waiting, resp.RequestID)
		p.finished.Remember(resp.RequestID)
	}
	p.mu.Unlock()

	if done {
		w.result <- ex
	}
}

// Fetch tunnels a GET for path to agentID and returns the assembled
// response.
func (p *Proxy) Fetch(ctx context.Context, agentID, path string) (*Exchange, error) {
	id := p.nextID.Add(1)
	data, err := EncodeRequest(Request{From: p.name, RequestID: id, Path: path})
	if err != nil {
		return nil, err
	}

	w := &exchangeWait{agentID: agentID, result: make(chan *Exchange, 1)}
	p.mu.Lock()
	p.waiting[id] = w
	p.mu.Unlock()

	if !p.link.SendBinary(agentID, data) {
		p.abandon(id)
		p.metrics.TunnelRequest("offline", 0)
		return nil, fmt.Errorf("%w: %s", ErrAgentOffline, agentID)
	}

	p.logger.Debug("tunnel request sent", "agent_id", agentID, "request_id", id, "path", path)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case ex := <-w.result:
		p.metrics.TunnelRequest("ok", len(ex.Body))
		return ex, nil
	case <-timer.C:
		p.abandon(id)
		p.metrics.TunnelRequest("timeout", 0)
		return nil, fmt.Errorf("%w: request %d to %s", ErrRequestTimeout, id, agentID)
	case <-ctx.Done():
		p.abandon(id)
		p.metrics.TunnelRequest("canceled", 0)
		return nil, ctx.Err()
	}
}

// abandon forgets an unfinished request so later chunks count as late.
func (p *Proxy) abandon(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiting, id)
	p.assembler.Drop(id)
	p.finished.Remember(id)
}

// Pending returns the number of exchanges in flight.
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

// ServeHTTP serves GET /agents/{agent}/proxy/{path...}.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	if agentID == "" {
		http.Error(w, "agent is required", http.StatusBadRequest)
		return
	}

	path := "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	ex, err := p.Fetch(r.Context(), agentID, path)
	switch {
	case errors.Is(err, ErrAgentOffline):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrRequestTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if ex.ContentType != "" {
		w.Header().Set("Content-Type", ex.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(ex.Body)))
	status := int(ex.Status)
	if status < 100 || status > 999 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if _, err := w.Write(ex.Body); err != nil {
		p.logger.Debug("writing proxied response failed", "agent_id", agentID, "error", err)
	}
}
