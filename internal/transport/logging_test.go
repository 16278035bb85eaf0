// ABOUTME: Tests for the logging transport decorators
// ABOUTME: Verifies calls and events are forwarded unchanged and logged

package transport

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport for decorator tests.
type fakeTransport struct {
	events chan Event
	mu     sync.Mutex
	sent   []Frame
	closed int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 8)}
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Send(fr Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fr)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	if f.closed == 1 {
		close(f.events)
	}
	return nil
}

// fakeMultiPeer is an in-memory MultiPeer for decorator tests.
type fakeMultiPeer struct {
	events chan Event
	sent   map[PeerID][]Frame
}

func (f *fakeMultiPeer) Events() <-chan Event { return f.events }

func (f *fakeMultiPeer) Send(peer PeerID, fr Frame) error {
	if peer == "missing" {
		return ErrUnknownPeer
	}
	f.sent[peer] = append(f.sent[peer], fr)
	return nil
}

func (f *fakeMultiPeer) Close() error {
	close(f.events)
	return nil
}

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

func TestWithLogs_ForwardsEventsAndSends(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	inner := newFakeTransport()
	tr := WithLogs(inner, logger)

	inner.events <- Event{Kind: EventConnected}
	inner.events <- Event{Kind: EventFrame, Frame: TextFrame([]byte("hi"))}

	ev := <-tr.Events()
	assert.Equal(t, EventConnected, ev.Kind)
	ev = <-tr.Events()
	assert.Equal(t, "hi", string(ev.Frame.Data))

	tr.Send(BinaryFrame([]byte{1, 2, 3}))
	require.Len(t, inner.sent, 1)
	assert.Equal(t, FrameBinary, inner.sent[0].Type)

	require.NoError(t, tr.Close())

	select {
	case _, ok := <-tr.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("decorated events not closed")
	}

	out := logs.String()
	assert.Contains(t, out, "transport connected")
	assert.Contains(t, out, "frame received")
	assert.Contains(t, out, "frame sent")
	assert.Contains(t, out, "closing transport")
}

func TestMultiPeerWithLogs_ForwardsAndLogsFailures(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	inner := &fakeMultiPeer{events: make(chan Event, 8), sent: make(map[PeerID][]Frame)}
	mp := MultiPeerWithLogs(inner, logger)

	inner.events <- Event{Kind: EventDisconnected, Peer: "p1"}
	ev := <-mp.Events()
	assert.Equal(t, PeerID("p1"), ev.Peer)

	require.NoError(t, mp.Send("p1", TextFrame([]byte("x"))))
	assert.Len(t, inner.sent["p1"], 1)

	err := mp.Send("missing", TextFrame([]byte("x")))
	assert.ErrorIs(t, err, ErrUnknownPeer)

	require.NoError(t, mp.Close())

	out := logs.String()
	assert.Contains(t, out, "transport disconnected")
	assert.Contains(t, out, "frame send failed")
}
