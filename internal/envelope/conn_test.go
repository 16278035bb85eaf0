// ABOUTME: Tests for the envelope codec over fake transports
// ABOUTME: Verifies parse policy, binary pass-through, peer tagging and serialization faults

package envelope

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/transport"
	"github.com/2389/coven-hub/internal/transport/transporttest"
)

const validFrame = `{"event":"state","data":{"version":1,"id":"m1","from":"agent-1","on":10,"kind":"state","level":3}}`

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for codec event")
		return Event{}
	}
}

func TestConn_ParsePolicy(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	fake := transporttest.NewFake()
	conn := NewConn(fake, Options{Logger: logger})
	defer conn.Close()

	fake.Connect()
	fake.DeliverText("ping")
	fake.DeliverText(`{"event":"state","data":{}}`)
	fake.Deliver(transport.BinaryFrame([]byte{0x01, 0x02}))
	fake.DeliverText(validFrame)

	assert.Equal(t, transport.EventConnected, nextEvent(t, conn.Events()).Kind)

	bin := nextEvent(t, conn.Events())
	assert.Equal(t, transport.EventFrame, bin.Kind)
	assert.Nil(t, bin.Envelope)
	assert.Equal(t, []byte{0x01, 0x02}, bin.Binary)

	ev := nextEvent(t, conn.Events())
	require.NotNil(t, ev.Envelope)
	assert.Equal(t, "m1", ev.Envelope.ID)

	assert.Contains(t, logs.String(), "dropping malformed envelope")
	assert.NotContains(t, logs.String(), "ping")
}

func TestConn_SendEncodesTextFrames(t *testing.T) {
	fake := transporttest.NewFake()
	conn := NewConn(fake, Options{})
	defer conn.Close()

	env, err := NewBuilder("hub").Build(Message{Kind: "start"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))
	conn.SendBinary([]byte{9})

	sent := fake.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, transport.FrameText, sent[0].Type)
	got, err := Unmarshal(sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, transport.FrameBinary, sent[1].Type)
}

func TestConn_SerializationFaultLeavesTransportUp(t *testing.T) {
	var logs bytes.Buffer
	fake := transporttest.NewFake()
	conn := NewConn(fake, Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	defer conn.Close()

	err := conn.Send(&Envelope{Version: 1, ID: "x", From: "hub"})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Empty(t, fake.Sent())
	assert.False(t, fake.Closed())
	assert.Contains(t, logs.String(), "failed to serialize envelope")
}

func TestConn_CloseClosesEvents(t *testing.T) {
	fake := transporttest.NewFake()
	conn := NewConn(fake, Options{})

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, fake.Closed())

	select {
	case _, ok := <-conn.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed")
	}
}

func TestPeerConn_TagsPeers(t *testing.T) {
	fake := transporttest.NewFakeMultiPeer()
	conn := NewPeerConn(fake, Options{})
	defer conn.Close()

	fake.Connect("p1")
	fake.DeliverText("p1", validFrame)
	fake.Disconnect("p1")

	ev := nextEvent(t, conn.Events())
	assert.Equal(t, transport.EventConnected, ev.Kind)
	assert.Equal(t, transport.PeerID("p1"), ev.Peer)

	ev = nextEvent(t, conn.Events())
	assert.Equal(t, transport.PeerID("p1"), ev.Peer)
	require.NotNil(t, ev.Envelope)
	assert.Equal(t, "agent-1", ev.Envelope.From)

	ev = nextEvent(t, conn.Events())
	assert.Equal(t, transport.EventDisconnected, ev.Kind)
}

func TestPeerConn_SendRequiresConnectedPeer(t *testing.T) {
	fake := transporttest.NewFakeMultiPeer()
	conn := NewPeerConn(fake, Options{})
	defer conn.Close()

	env, err := NewBuilder("hub").Build(Message{Kind: "start"})
	require.NoError(t, err)

	err = conn.Send("ghost", env)
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)
	assert.ErrorIs(t, err, ErrUndelivered)

	fake.Connect("p1")
	require.NoError(t, conn.Send("p1", env))
	require.NoError(t, conn.SendBinary("p1", []byte{1}))

	sent := fake.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, transport.PeerID("p1"), sent[0].Peer)
	assert.Equal(t, transport.FrameBinary, sent[1].Frame.Type)
}
