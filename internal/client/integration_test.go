// ABOUTME: End-to-end test of a client and a hub over real WebSocket transports
// ABOUTME: Exercises registration, request/reply both ways, and unregister on disconnect

package client

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/envelope"
	"github.com/2389/coven-hub/internal/hub"
	"github.com/2389/coven-hub/internal/transport"
)

func TestClientHub_EndToEnd(t *testing.T) {
	server := transport.NewServer(transport.ServerConfig{}, nil)
	srv := httptest.NewServer(server)
	defer srv.Close()

	h := hub.New(server, hub.Config{Name: "hub"}, nil, nil)
	presence := h.Connected(t.Context())
	hubMessages := h.Messages(t.Context())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = h.Run(t.Context())
	}()
	defer func() {
		_ = h.Close()
		<-hubDone
	}()

	c, err := Dial(transport.Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 20 * time.Millisecond,
	}, Config{Name: "agent-7"}, nil, nil)
	require.NoError(t, err)

	agentMessages := c.Messages(t.Context())
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		_ = c.Run(t.Context())
	}()

	// Agent side answers every get-state request.
	go func() {
		for env := range agentMessages {
			if env.Kind == "get-state" {
				_ = c.Send(envelope.Reply(env.ID, "state", map[string]int{"level": 7}))
			}
		}
	}()

	require.NoError(t, c.Send(envelope.Message{Kind: "register"}))

	select {
	case p := <-presence:
		assert.Equal(t, hub.Presence{Connected: true, AgentID: "agent-7"}, p)
	case <-time.After(5 * time.Second):
		t.Fatal("agent never became present")
	}

	reply, err := h.GetReply(t.Context(), "agent-7", "state", envelope.Message{Kind: "get-state"}, 5*time.Second)
	require.NoError(t, err)
	var state struct {
		Level int `json:"level"`
	}
	require.NoError(t, reply.Decode(&state))
	assert.Equal(t, 7, state.Level)

	require.NoError(t, c.Close())
	<-clientDone

	select {
	case p := <-presence:
		assert.Equal(t, hub.Presence{Connected: false, AgentID: "agent-7"}, p)
	case <-time.After(5 * time.Second):
		t.Fatal("agent never went away")
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case in := <-hubMessages:
			if in.Envelope.Kind == envelope.KindUnregister {
				assert.Equal(t, "agent-7", in.AgentID)
				return
			}
		case <-deadline:
			t.Fatal("no unregister message")
		}
	}
}
