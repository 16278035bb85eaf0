// ABOUTME: Tests for envelope payload accessors and the outbound builder
// ABOUTME: Covers reply helpers, field decoding and non-object payload rejection

package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedBuilder(from string) *Builder {
	b := NewBuilder(from)
	b.now = func() time.Time { return time.UnixMilli(1700000000123) }
	n := 0
	b.newID = func() string {
		n++
		return "id-" + string(rune('0'+n))
	}
	return b
}

func TestBuilder_StampsHeader(t *testing.T) {
	b := fixedBuilder("hub")

	env, err := b.Build(Message{Kind: "start", Fields: map[string]any{"target": "pump-3"}})
	require.NoError(t, err)

	assert.Equal(t, Version, env.Version)
	assert.Equal(t, "id-1", env.ID)
	assert.Equal(t, "hub", env.From)
	assert.Equal(t, int64(1700000000123), env.On)
	assert.Equal(t, "start", env.Kind)
	assert.Equal(t, "pump-3", env.StringField("target"))
	assert.Equal(t, time.UnixMilli(1700000000123), env.Time())

	next, err := b.Build(Message{Kind: "start"})
	require.NoError(t, err)
	assert.Equal(t, "id-2", next.ID)
}

func TestBuilder_FreshIDs(t *testing.T) {
	b := NewBuilder("hub")
	seen := make(map[string]bool)
	for range 100 {
		env, err := b.Build(Message{Kind: "ping"})
		require.NoError(t, err)
		require.False(t, seen[env.ID], "duplicate id %s", env.ID)
		seen[env.ID] = true
	}
}

func TestBuilder_StructFields(t *testing.T) {
	type command struct {
		Target string `json:"target"`
		Speed  int    `json:"speed"`
	}
	env, err := NewBuilder("hub").Build(Message{Kind: "command", Fields: command{Target: "fan", Speed: 3}})
	require.NoError(t, err)

	var got command
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, command{Target: "fan", Speed: 3}, got)
}

func TestBuilder_HeaderKeysInFieldsAreIgnored(t *testing.T) {
	env, err := NewBuilder("hub").Build(Message{Kind: "start", Fields: map[string]any{"id": "spoof", "from": "x", "kind": "y"}})
	require.NoError(t, err)
	assert.NotEqual(t, "spoof", env.ID)
	assert.Equal(t, "hub", env.From)
	assert.Equal(t, "start", env.Kind)
	assert.Empty(t, env.Fields)
}

func TestBuilder_RejectsNonObjectFields(t *testing.T) {
	b := NewBuilder("hub")
	for _, fields := range []any{"text", 42, []string{"a"}, true} {
		_, err := b.Build(Message{Kind: "start", Fields: fields})
		assert.ErrorIs(t, err, ErrNotObject, "fields %v", fields)
	}
}

func TestBuilder_RejectsUnencodableFields(t *testing.T) {
	_, err := NewBuilder("hub").Build(Message{Kind: "start", Fields: map[string]any{"ch": make(chan int)}})
	require.Error(t, err)
	var unsupported *json.UnsupportedTypeError
	assert.True(t, errors.As(err, &unsupported))
}

func TestBuilder_RequiresKind(t *testing.T) {
	_, err := NewBuilder("hub").Build(Message{})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReplyHelpers(t *testing.T) {
	b := NewBuilder("agent-1")

	env, err := b.Build(Reply("req-9", "state", map[string]int{"level": 2}))
	require.NoError(t, err)
	assert.Equal(t, "req-9", env.RequestID())
	assert.True(t, env.IsReplyTo("req-9"))
	assert.False(t, env.IsReplyTo("req-8"))
	assert.False(t, env.IsReplyTo(""))

	errEnv, err := b.Build(ErrorReply("req-9", "pump jammed"))
	require.NoError(t, err)
	assert.Equal(t, KindErrorRS, errEnv.Kind)
	assert.Equal(t, "req-9", errEnv.RequestID())
	assert.Equal(t, "pump jammed", errEnv.ErrorText())
}

func TestStringField_NonString(t *testing.T) {
	env := &Envelope{Fields: map[string]json.RawMessage{"requestId": json.RawMessage(`12`)}}
	assert.Empty(t, env.RequestID())
	assert.Empty(t, env.ErrorText())

	_, ok := env.Field("requestId")
	assert.True(t, ok)
}
