// ABOUTME: Tests for the Communication Hub over an in-memory multi-peer transport
// ABOUTME: Covers routing lifecycle, re-mapping, unrouted sends, and reply correlation races

package hub

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/envelope"
	"github.com/2389/coven-hub/internal/transport"
	"github.com/2389/coven-hub/internal/transport/transporttest"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	t        *testing.T
	fake     *transporttest.FakeMultiPeer
	hub      *Hub
	logs     *syncBuffer
	presence <-chan Presence
	messages <-chan Inbound
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := transporttest.NewFakeMultiPeer()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := New(fake, Config{Name: "hub-1"}, logger, nil)

	ctx := t.Context()
	hs := &harness{
		t:        t,
		fake:     fake,
		hub:      h,
		logs:     logs,
		presence: h.Connected(ctx),
		messages: h.Messages(ctx),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = h.Close()
		<-done
	})
	return hs
}

// say delivers a message from agentID on peer.
func (hs *harness) say(peer transport.PeerID, agentID string, msg envelope.Message) {
	hs.t.Helper()
	env, err := envelope.NewBuilder(agentID).Build(msg)
	require.NoError(hs.t, err)
	data, err := envelope.Marshal(env)
	require.NoError(hs.t, err)
	hs.fake.Deliver(peer, transport.TextFrame(data))
}

// join connects peer and maps it to agentID, consuming the resulting
// presence and message events.
func (hs *harness) join(peer transport.PeerID, agentID string) {
	hs.t.Helper()
	hs.fake.Connect(peer)
	hs.say(peer, agentID, envelope.Message{Kind: "register"})
	assert.Equal(hs.t, Presence{Connected: true, AgentID: agentID}, hs.nextPresence())
	in := hs.nextMessage()
	assert.Equal(hs.t, "register", in.Envelope.Kind)
}

// nextRequest returns the next envelope the hub wrote to the transport.
func (hs *harness) nextRequest() (transport.PeerID, *envelope.Envelope) {
	hs.t.Helper()
	select {
	case pf := <-hs.fake.Outbox():
		env, err := envelope.Unmarshal(pf.Frame.Data)
		require.NoError(hs.t, err)
		return pf.Peer, env
	case <-time.After(2 * time.Second):
		hs.t.Fatal("timed out waiting for outbound frame")
		return "", nil
	}
}

func (hs *harness) nextPresence() Presence {
	hs.t.Helper()
	select {
	case p := <-hs.presence:
		return p
	case <-time.After(2 * time.Second):
		hs.t.Fatal("timed out waiting for presence")
		return Presence{}
	}
}

func (hs *harness) nextMessage() Inbound {
	hs.t.Helper()
	select {
	case in := <-hs.messages:
		return in
	case <-time.After(2 * time.Second):
		hs.t.Fatal("timed out waiting for message")
		return Inbound{}
	}
}

type replyResult struct {
	env *envelope.Envelope
	err error
}

// getReplyAsync starts GetReply and returns its eventual result.
func (hs *harness) getReplyAsync(ctx context.Context, agentID, kind string, timeout time.Duration) <-chan replyResult {
	out := make(chan replyResult, 1)
	go func() {
		env, err := hs.hub.GetReply(ctx, agentID, kind, envelope.Message{Kind: "get-state"}, timeout)
		out <- replyResult{env: env, err: err}
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan replyResult) replyResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("GetReply did not return")
		return replyResult{}
	}
}

func TestHub_RoutingLifecycle(t *testing.T) {
	hs := newHarness(t)

	hs.fake.Connect("p1")
	select {
	case p := <-hs.presence:
		t.Fatalf("presence emitted before first message: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}

	hs.say("p1", "agent-A", envelope.Message{Kind: "register"})
	assert.Equal(t, Presence{Connected: true, AgentID: "agent-A"}, hs.nextPresence())
	in := hs.nextMessage()
	assert.Equal(t, "agent-A", in.AgentID)
	assert.True(t, hs.hub.IsOnline("agent-A"))
	assert.Equal(t, []string{"agent-A"}, hs.hub.ListAgents())

	pending := hs.getReplyAsync(t.Context(), "agent-A", "state", 300*time.Millisecond)
	hs.nextRequest()

	hs.fake.Disconnect("p1")

	assert.Equal(t, Presence{Connected: false, AgentID: "agent-A"}, hs.nextPresence())
	unreg := hs.nextMessage()
	assert.Equal(t, envelope.KindUnregister, unreg.Envelope.Kind)
	assert.Equal(t, "agent-A", unreg.Envelope.From)
	assert.Equal(t, "agent-A", unreg.AgentID)

	r := waitResult(t, pending)
	assert.ErrorIs(t, r.err, envelope.ErrReplyTimeout, "unregister must not satisfy a pending reply")
	assert.False(t, hs.hub.IsOnline("agent-A"))
	assert.Empty(t, hs.hub.ListAgents())
}

func TestHub_UnmappedDisconnectIsSilent(t *testing.T) {
	hs := newHarness(t)

	hs.fake.Connect("p1")
	hs.fake.Disconnect("p1")

	select {
	case p := <-hs.presence:
		t.Fatalf("unexpected presence: %+v", p)
	case in := <-hs.messages:
		t.Fatalf("unexpected message: %+v", in)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_Remapping(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	hs.say("p1", "agent-B", envelope.Message{Kind: "register"})
	assert.Equal(t, Presence{Connected: false, AgentID: "agent-A"}, hs.nextPresence())
	assert.Equal(t, Presence{Connected: true, AgentID: "agent-B"}, hs.nextPresence())
	assert.Equal(t, "agent-B", hs.nextMessage().AgentID)

	require.NoError(t, hs.hub.Send("agent-B", envelope.Message{Kind: "start"}))
	peer, env := hs.nextRequest()
	assert.Equal(t, transport.PeerID("p1"), peer)
	assert.Equal(t, "start", env.Kind)

	require.NoError(t, hs.hub.Send("agent-A", envelope.Message{Kind: "start"}))
	assert.Len(t, hs.fake.Sent(), 1, "old agent id must not route any more")
	assert.Contains(t, hs.logs.String(), "agent not routed")
}

func TestHub_AgentMovesToNewPeer(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	hs.fake.Connect("p2")
	hs.say("p2", "agent-A", envelope.Message{Kind: "register"})
	assert.Equal(t, Presence{Connected: true, AgentID: "agent-A"}, hs.nextPresence())
	hs.nextMessage()

	require.NoError(t, hs.hub.Send("agent-A", envelope.Message{Kind: "start"}))
	peer, _ := hs.nextRequest()
	assert.Equal(t, transport.PeerID("p2"), peer)

	// The stale peer no longer owns the agent, so its departure is silent.
	hs.fake.Disconnect("p1")
	select {
	case p := <-hs.presence:
		t.Fatalf("unexpected presence: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, hs.hub.IsOnline("agent-A"))
}

func TestHub_UnroutedSend(t *testing.T) {
	hs := newHarness(t)

	err := hs.hub.Send("unknown-agent", envelope.Message{Kind: "start"})
	assert.NoError(t, err)
	assert.Empty(t, hs.fake.Sent())
	assert.Contains(t, hs.logs.String(), "agent not routed, message not sent")
	assert.Contains(t, hs.logs.String(), "unknown-agent")
}

func TestHub_WriteFailureIsNotACorrelationFailure(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	// The socket is gone but the hub has not seen the disconnect yet.
	hs.fake.Drop("p1")

	require.NoError(t, hs.hub.Send("agent-A", envelope.Message{Kind: "start"}))

	start := time.Now()
	_, err := hs.hub.GetReply(t.Context(), "agent-A", "pong", envelope.Message{Kind: "ping"}, 200*time.Millisecond)
	assert.ErrorIs(t, err, envelope.ErrReplyTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Zero(t, hs.hub.pending.Len())
	assert.Empty(t, hs.fake.Sent())
	assert.Contains(t, hs.logs.String(), "write to agent failed, message not sent")
}

func TestHub_BurstOfMessagesIsNotDropped(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	const total = 1000
	for i := range total {
		hs.say("p1", "agent-A", envelope.Message{Kind: "tick", Fields: map[string]int{"n": i}})
	}

	for i := range total {
		in := hs.nextMessage()
		var fields struct {
			N int `json:"n"`
		}
		require.NoError(t, in.Envelope.Decode(&fields))
		require.Equal(t, i, fields.N, "messages must arrive complete and in order")
	}
}

func TestHub_SendStampsEnvelope(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	require.NoError(t, hs.hub.Send("agent-A", envelope.Message{Kind: "start", Fields: map[string]string{"target": "fan"}}))
	require.NoError(t, hs.hub.Send("agent-A", envelope.Message{Kind: "start"}))

	_, first := hs.nextRequest()
	_, second := hs.nextRequest()
	assert.Equal(t, "hub-1", first.From)
	assert.Equal(t, envelope.Version, first.Version)
	assert.NotZero(t, first.On)
	assert.Equal(t, "fan", first.StringField("target"))
	assert.NotEqual(t, first.ID, second.ID)
}

func TestHub_SerializationFault(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	err := hs.hub.Send("agent-A", envelope.Message{Kind: "start", Fields: []int{1}})
	assert.ErrorIs(t, err, envelope.ErrNotObject)
	assert.Empty(t, hs.fake.Sent())

	_, err = hs.hub.GetReply(t.Context(), "agent-A", "state", envelope.Message{Kind: "start", Fields: "x"}, time.Second)
	assert.ErrorIs(t, err, envelope.ErrNotObject)
	assert.Zero(t, hs.hub.pending.Len())
}

func TestHub_GetReplyResolves(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	pending := hs.getReplyAsync(t.Context(), "agent-A", "state", time.Second)
	_, req := hs.nextRequest()

	hs.say("p1", "agent-A", envelope.Reply(req.ID, "state", map[string]int{"level": 4}))

	r := waitResult(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, "state", r.env.Kind)
	assert.Equal(t, req.ID, r.env.RequestID())

	// The reply is still visible on the message stream.
	assert.Equal(t, "state", hs.nextMessage().Envelope.Kind)
	assert.Zero(t, hs.hub.pending.Len())
}

func TestHub_ReverseOrderReplies(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	first := hs.getReplyAsync(t.Context(), "agent-A", "state", time.Second)
	_, req1 := hs.nextRequest()
	second := hs.getReplyAsync(t.Context(), "agent-A", "state", time.Second)
	_, req2 := hs.nextRequest()

	hs.say("p1", "agent-A", envelope.Reply(req2.ID, "state", map[string]string{"n": "two"}))
	hs.say("p1", "agent-A", envelope.Reply(req1.ID, "state", map[string]string{"n": "one"}))

	r1 := waitResult(t, first)
	r2 := waitResult(t, second)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "one", r1.env.StringField("n"))
	assert.Equal(t, "two", r2.env.StringField("n"))
}

func TestHub_ErrorPrecedence(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	pending := hs.getReplyAsync(t.Context(), "agent-A", "state", time.Second)
	_, req := hs.nextRequest()

	hs.say("p1", "agent-A", envelope.ErrorReply(req.ID, "pump jammed"))
	hs.say("p1", "agent-A", envelope.Reply(req.ID, "state", nil))

	r := waitResult(t, pending)
	var remote *envelope.RemoteError
	require.True(t, errors.As(r.err, &remote))
	assert.Equal(t, "pump jammed", remote.Text)
	assert.Nil(t, r.env)
}

func TestHub_IrrelevantErrorIgnored(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	pending := hs.getReplyAsync(t.Context(), "agent-A", "state", time.Second)
	_, req := hs.nextRequest()

	hs.say("p1", "agent-A", envelope.ErrorReply("some-other-id", "not for you"))
	hs.say("p1", "agent-A", envelope.Reply(req.ID, "state", nil))

	r := waitResult(t, pending)
	require.NoError(t, r.err)
	assert.Equal(t, req.ID, r.env.RequestID())
}

func TestHub_ReplyFromOtherAgentIgnored(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")
	hs.join("p2", "agent-B")

	pending := hs.getReplyAsync(t.Context(), "agent-A", "state", 200*time.Millisecond)
	_, req := hs.nextRequest()

	hs.say("p2", "agent-B", envelope.Reply(req.ID, "state", nil))

	r := waitResult(t, pending)
	assert.ErrorIs(t, r.err, envelope.ErrReplyTimeout)
}

func TestHub_TimeoutNotBefore(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	start := time.Now()
	_, err := hs.hub.GetReply(t.Context(), "agent-A", "state", envelope.Message{Kind: "get-state"}, 100*time.Millisecond)
	assert.ErrorIs(t, err, envelope.ErrReplyTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, hs.hub.pending.Len())
}

func TestHub_UnroutedGetReplyTimesOut(t *testing.T) {
	hs := newHarness(t)

	_, err := hs.hub.GetReply(t.Context(), "nobody", "state", envelope.Message{Kind: "get-state"}, 50*time.Millisecond)
	assert.ErrorIs(t, err, envelope.ErrReplyTimeout)
	assert.Empty(t, hs.fake.Sent())
}

func TestHub_GetReplyCancelled(t *testing.T) {
	hs := newHarness(t)
	hs.join("p1", "agent-A")

	ctx, cancel := context.WithCancel(t.Context())
	pending := hs.getReplyAsync(ctx, "agent-A", "state", time.Minute)
	hs.nextRequest()
	cancel()

	r := waitResult(t, pending)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Zero(t, hs.hub.pending.Len())
}

func TestHub_BinaryFrames(t *testing.T) {
	hs := newHarness(t)
	frames := hs.hub.Binary(t.Context())

	hs.fake.Connect("p0")
	hs.fake.Deliver("p0", transport.BinaryFrame([]byte{0xff}))

	hs.join("p1", "agent-A")
	hs.fake.Deliver("p1", transport.BinaryFrame([]byte{0x02, 0x03}))

	select {
	case f := <-frames:
		assert.Equal(t, "agent-A", f.AgentID, "frames from unmapped peers are dropped")
		assert.Equal(t, []byte{0x02, 0x03}, f.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("binary frame not delivered")
	}

	assert.True(t, hs.hub.SendBinary("agent-A", []byte{0x01}))
	pf := <-hs.fake.Outbox()
	assert.Equal(t, transport.FrameBinary, pf.Frame.Type)
	assert.Equal(t, transport.PeerID("p1"), pf.Peer)

	assert.False(t, hs.hub.SendBinary("nobody", []byte{0x01}))
}

func TestHub_CloseEndsStreams(t *testing.T) {
	fake := transporttest.NewFakeMultiPeer()
	h := New(fake, Config{}, nil, nil)
	assert.Equal(t, "hub", h.Name())

	presence := h.Connected(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.Run(t.Context()) }()

	require.NoError(t, h.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	_, ok := <-presence
	assert.False(t, ok)
	assert.True(t, fake.Closed())
}
