// ABOUTME: HTTP API handlers for health, agent listing, messaging and the event stream
// ABOUTME: POST /agents/{agent}/messages sends an envelope and optionally waits for its reply

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-hub/internal/envelope"
	"github.com/2389/coven-hub/internal/hub"
)

// maxMessageBody bounds the JSON body of POST /agents/{agent}/messages.
const maxMessageBody = 1 << 20

// AgentInfoResponse is one entry of GET /agents.
type AgentInfoResponse struct {
	ID     string `json:"id"`
	Online bool   `json:"online"`
}

// SendMessageRequest is the JSON request body for POST /agents/{agent}/messages.
// When Expect is set the handler waits for a reply of that kind.
type SendMessageRequest struct {
	Kind      string          `json:"kind"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	Expect    string          `json:"expect,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// EnvelopeResponse is the JSON rendering of an envelope.
type EnvelopeResponse struct {
	ID     string                     `json:"id"`
	From   string                     `json:"from"`
	On     int64                      `json:"on"`
	Kind   string                     `json:"kind"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	Event string
	Data  any
}

func toEnvelopeResponse(env *envelope.Envelope) EnvelopeResponse {
	return EnvelopeResponse{
		ID:     env.ID,
		From:   env.From,
		On:     env.On,
		Kind:   env.Kind,
		Fields: env.Fields,
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.stampVersion(w)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// VersionHeader carries hub.version on health responses when it is set.
const VersionHeader = "X-Coven-Hub-Version"

func (g *Gateway) stampVersion(w http.ResponseWriter) {
	if v := g.config.Hub.Version; v != "" {
		w.Header().Set(VersionHeader, v)
	}
}

// handleReady returns 200 OK if the hub has at least one agent routed.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	g.stampVersion(w)
	agents := g.hub.ListAgents()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}

// handleListAgents returns a JSON array of routed agents, sorted by id.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.hub.ListAgents()

	response := make([]AgentInfoResponse, 0, len(agents))
	for _, id := range agents {
		response = append(response, AgentInfoResponse{ID: id, Online: true})
	}

	g.writeJSON(w, http.StatusOK, response)
}

// handleSendMessage delivers one message to an agent. Without expect it
// answers 202 once the envelope is written; with expect it answers with
// the correlated reply, 502 for an error-rs reply and 504 on timeout.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")

	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Kind == "" {
		g.sendJSONError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.TimeoutMS < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}

	if !g.hub.IsOnline(agentID) {
		g.sendJSONError(w, http.StatusNotFound, "agent not connected: "+agentID)
		return
	}

	msg := envelope.Message{Kind: req.Kind}
	if len(req.Fields) > 0 {
		msg.Fields = req.Fields
	}

	if req.Expect == "" {
		if err := g.hub.Send(agentID, msg); err != nil {
			status := http.StatusBadGateway
			if isMessageFault(err) {
				status = http.StatusBadRequest
			}
			g.sendJSONError(w, status, err.Error())
			return
		}
		g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	reply, err := g.hub.GetReply(r.Context(), agentID, req.Expect, msg, timeout)

	var remote *envelope.RemoteError
	switch {
	case err == nil:
		g.writeJSON(w, http.StatusOK, toEnvelopeResponse(reply))
	case errors.As(err, &remote):
		g.sendJSONError(w, http.StatusBadGateway, remote.Text)
	case errors.Is(err, envelope.ErrReplyTimeout):
		g.sendJSONError(w, http.StatusGatewayTimeout, err.Error())
	case isMessageFault(err):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case r.Context().Err() != nil:
		// Client went away; nothing useful to write.
		g.logger.Debug("message request canceled", "agent_id", agentID, "error", err)
	default:
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleEvents streams presence changes and inbound envelopes as
// Server-Sent Events until the client disconnects or the gateway stops.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, _ := g.events.Subscribe(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, ev.Event, ev.Data)
			flusher.Flush()
		}
	}
}

// isMessageFault reports errors caused by the caller's message rather than
// the agent or its connection.
func isMessageFault(err error) bool {
	return errors.Is(err, envelope.ErrNotObject) || errors.Is(err, envelope.ErrMalformed)
}

func presenceEvent(p hub.Presence) SSEEvent {
	name := "agent_disconnected"
	if p.Connected {
		name = "agent_connected"
	}
	return SSEEvent{Event: name, Data: map[string]string{"agent_id": p.AgentID}}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing JSON response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
