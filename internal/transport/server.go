// ABOUTME: Hub-side multi-peer WebSocket transport served as an http.Handler
// ABOUTME: Assigns each connection a PeerID and reports all peers on one ordered event stream

package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

// ServerConfig configures the WebSocket upgrader of a Server.
type ServerConfig struct {
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	WriteTimeout      time.Duration

	// CheckOrigin decides whether an upgrade request is accepted.
	// Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// peerConn is one upgraded connection. Writes are serialized per peer.
type peerConn struct {
	id      PeerID
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Server accepts WebSocket connections and multiplexes them into a single
// event stream. It implements both http.Handler and MultiPeer.
type Server struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *slog.Logger

	events chan Event

	mu     sync.RWMutex
	peers  map[PeerID]*peerConn
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a Server ready to be mounted on an HTTP mux.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(_ *http.Request) bool { return true }
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin:       checkOrigin,
		},
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "transport_server"),
		events:       make(chan Event, eventBufferSize),
		peers:        make(map[PeerID]*peerConn),
		done:         make(chan struct{}),
	}
}

// Events returns the ordered stream of peer connections, frames and
// disconnections. It is closed after Close.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Send writes f to the given peer.
// Returns ErrUnknownPeer if the peer is not connected.
func (s *Server) Send(peer PeerID, f Frame) error {
	s.mu.RLock()
	p, ok := s.peers[peer]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := p.conn.WriteMessage(f.Type.messageType(), f.Data); err != nil {
		return fmt.Errorf("writing to peer %s: %w", peer, err)
	}
	return nil
}

// Peers returns the IDs of all connected peers.
func (s *Server) Peers() []PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]PeerID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	p := &peerConn{id: PeerID(uuid.New().String()), conn: conn}
	if !s.register(p) {
		_ = conn.Close()
		return
	}

	s.logger.Debug("peer connected", "peer", p.id, "remote_addr", r.RemoteAddr)
	s.emit(Event{Kind: EventConnected, Peer: p.id})

	readErr := s.readLoop(p)

	s.unregister(p.id)
	_ = conn.Close()

	s.logger.Debug("peer disconnected", "peer", p.id, "error", readErr)
	s.emit(Event{Kind: EventDisconnected, Peer: p.id, Err: readErr})
}

// Close terminates every peer without a close handshake and closes the
// event stream. It is safe to call multiple times.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conns := make([]*websocket.Conn, 0, len(s.peers))
		for _, p := range s.peers {
			conns = append(conns, p.conn)
		}
		s.mu.Unlock()

		close(s.done)
		for _, c := range conns {
			_ = c.Close()
		}

		s.wg.Wait()
		close(s.events)
	})
	return nil
}

func (s *Server) register(p *peerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p.id] = p
	return true
}

func (s *Server) unregister(id PeerID) {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
}

func (s *Server) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) readLoop(p *peerConn) error {
	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		if !s.emit(Event{Kind: EventFrame, Peer: p.id, Frame: Frame{Type: frameTypeOf(mt), Data: data}}) {
			return ErrClosed
		}
	}
}
