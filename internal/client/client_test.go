// ABOUTME: Tests for the Communication Client over an in-memory transport
// ABOUTME: Covers connectivity stream, reply races, timeouts and binary pass-through

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/envelope"
	"github.com/2389/coven-hub/internal/transport"
	"github.com/2389/coven-hub/internal/transport/transporttest"
)

type harness struct {
	t      *testing.T
	fake   *transporttest.Fake
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := transporttest.NewFake()
	c, err := New(fake, Config{Name: "agent-1"}, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(t.Context())
	}()
	t.Cleanup(func() {
		_ = c.Close()
		<-done
	})
	return &harness{t: t, fake: fake, client: c}
}

// nextSent returns the next envelope the client queued on the transport.
func (hs *harness) nextSent() *envelope.Envelope {
	hs.t.Helper()
	select {
	case f := <-hs.fake.Outbox():
		env, err := envelope.Unmarshal(f.Data)
		require.NoError(hs.t, err)
		return env
	case <-time.After(2 * time.Second):
		hs.t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

// hubSays delivers a message from the hub.
func (hs *harness) hubSays(msg envelope.Message) {
	hs.t.Helper()
	env, err := envelope.NewBuilder("hub").Build(msg)
	require.NoError(hs.t, err)
	data, err := envelope.Marshal(env)
	require.NoError(hs.t, err)
	hs.fake.Deliver(transport.TextFrame(data))
}

type replyResult struct {
	env *envelope.Envelope
	err error
}

func (hs *harness) getReplyAsync(ctx context.Context, kind string, timeout time.Duration) <-chan replyResult {
	out := make(chan replyResult, 1)
	go func() {
		env, err := hs.client.GetReply(ctx, kind, envelope.Message{Kind: "query"}, timeout)
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

func TestNew_RequiresName(t *testing.T) {
	_, err := New(transporttest.NewFake(), Config{}, nil, nil)
	assert.Error(t, err)
}

func TestClient_ConnectedStream(t *testing.T) {
	hs := newHarness(t)
	connected := hs.client.Connected(t.Context())

	hs.fake.Connect()
	assert.True(t, <-connected)
	assert.True(t, hs.client.IsConnected())

	hs.fake.Disconnect()
	assert.False(t, <-connected)
	assert.False(t, hs.client.IsConnected())
}

func TestClient_SendStampsName(t *testing.T) {
	hs := newHarness(t)

	require.NoError(t, hs.client.Send(envelope.Message{Kind: "register"}))
	env := hs.nextSent()
	assert.Equal(t, "agent-1", env.From)
	assert.Equal(t, "register", env.Kind)
	assert.Equal(t, "agent-1", hs.client.Name())

	err := hs.client.Send(envelope.Message{Kind: "register", Fields: 3})
	assert.ErrorIs(t, err, envelope.ErrNotObject)
}

func TestClient_MessagesStream(t *testing.T) {
	hs := newHarness(t)
	messages := hs.client.Messages(t.Context())

	hs.fake.DeliverText("not an envelope")
	hs.hubSays(envelope.Message{Kind: "start", Fields: map[string]string{"target": "fan"}})

	select {
	case env := <-messages:
		assert.Equal(t, "start", env.Kind)
		assert.Equal(t, "fan", env.StringField("target"))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClient_ReverseOrderReplies(t *testing.T) {
	hs := newHarness(t)

	first := hs.getReplyAsync(t.Context(), "answer", time.Second)
	req1 := hs.nextSent()
	second := hs.getReplyAsync(t.Context(), "answer", time.Second)
	req2 := hs.nextSent()

	hs.hubSays(envelope.Reply(req2.ID, "answer", map[string]string{"n": "two"}))
	hs.hubSays(envelope.Reply(req1.ID, "answer", map[string]string{"n": "one"}))

	r1 := waitResult(t, first)
	r2 := waitResult(t, second)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "one", r1.env.StringField("n"))
	assert.Equal(t, "two", r2.env.StringField("n"))
}

func TestClient_ErrorPrecedence(t *testing.T) {
	hs := newHarness(t)

	pending := hs.getReplyAsync(t.Context(), "answer", time.Second)
	req := hs.nextSent()

	hs.hubSays(envelope.ErrorReply("other", "ignored"))
	hs.hubSays(envelope.ErrorReply(req.ID, "denied"))
	hs.hubSays(envelope.Reply(req.ID, "answer", nil))

	r := waitResult(t, pending)
	var remote *envelope.RemoteError
	require.True(t, errors.As(r.err, &remote))
	assert.Equal(t, "denied", remote.Text)
}

func TestClient_Timeout(t *testing.T) {
	hs := newHarness(t)

	start := time.Now()
	_, err := hs.client.GetReply(t.Context(), "answer", envelope.Message{Kind: "query"}, 80*time.Millisecond)
	assert.ErrorIs(t, err, envelope.ErrReplyTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Zero(t, hs.client.pending.Len())
}

func TestClient_Binary(t *testing.T) {
	hs := newHarness(t)
	frames := hs.client.Binary(t.Context())

	hs.fake.Deliver(transport.BinaryFrame([]byte{0x01, 0x02}))
	select {
	case data := <-frames:
		assert.Equal(t, []byte{0x01, 0x02}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("binary frame not delivered")
	}

	hs.client.SendBinary([]byte{0x09})
	f := <-hs.fake.Outbox()
	assert.Equal(t, transport.FrameBinary, f.Type)
}

func TestClient_CloseDelegatesToTransport(t *testing.T) {
	fake := transporttest.NewFake()
	c, err := New(fake, Config{Name: "agent-1"}, nil, nil)
	require.NoError(t, err)

	messages := c.Messages(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(t.Context()) }()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, fake.Closed())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	_, ok := <-messages
	assert.False(t, ok)
}
