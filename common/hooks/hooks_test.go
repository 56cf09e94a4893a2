package hooks

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/common/codec"
	"github.com/loomhq/loom/common/event"
	"github.com/loomhq/loom/common/logger"
	"github.com/loomhq/loom/common/storage"
	"github.com/loomhq/loom/common/streamer"
)

func TestNewTokenShape(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		assert.Len(t, tok, 26)
		assert.NotContains(t, tok, "=")
		assert.Equal(t, strings.ToLower(tok), tok)
		_, dup := seen[tok]
		assert.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func newRegistry(t *testing.T) (*Registry, *storage.Memory, *[]string) {
	t.Helper()
	store := storage.NewMemory()
	woken := &[]string{}
	reg := &Registry{
		Storage:  store,
		Streamer: streamer.NewMemory(),
		Logger:   logger.New("error", "json"),
		Wake: func(ctx context.Context, runID string) error {
			*woken = append(*woken, runID)
			return nil
		},
	}
	return reg, store, woken
}

func createHook(t *testing.T, store *storage.Memory, token string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.AppendEvent(ctx, &event.Event{RunID: "r1", Type: event.RunCreated, Name: "wf"}, nil)
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, &event.Event{RunID: "r1", Type: event.RunStarted}, nil)
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, &event.Event{
		RunID: "r1", Type: event.HookCreated, CorrelationID: "approval/0", Token: token,
	}, nil)
	require.NoError(t, err)
}

func TestResumeHookDeliversAndWakes(t *testing.T) {
	reg, store, woken := newRegistry(t)
	createHook(t, store, "tok_abc")

	hook, err := reg.ResumeHook(context.Background(), "tok_abc", map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, "r1", hook.RunID)
	assert.Equal(t, []string{"r1"}, *woken)

	got, err := store.GetHookByToken(context.Background(), "tok_abc")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Received)

	events, _, err := store.ListEventsByCorrelationID(context.Background(), "r1", "approval/0", storage.ListOptions{ResolveData: true})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, event.HookReceived, last.Type)

	payload, err := codec.Decode(last.Data, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"approved": true}, payload)
}

func TestResumeHookUnknownToken(t *testing.T) {
	reg, _, _ := newRegistry(t)

	_, err := reg.ResumeHook(context.Background(), "tok_missing", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResumeHookDisposed(t *testing.T) {
	reg, store, woken := newRegistry(t)
	createHook(t, store, "tok_abc")

	_, err := store.AppendEvent(context.Background(), &event.Event{RunID: "r1", Type: event.RunCompleted}, nil)
	require.NoError(t, err)

	_, err = reg.ResumeHook(context.Background(), "tok_abc", nil)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Empty(t, *woken)
}

func TestResumeWebhookInstallsResponseStream(t *testing.T) {
	reg, store, _ := newRegistry(t)
	createHook(t, store, "tok_abc")

	hook, respStream, err := reg.ResumeWebhook(context.Background(), "tok_abc", map[string]any{
		"method": "POST",
		"path":   "/callback",
	})
	require.NoError(t, err)
	assert.Equal(t, "strm_"+ResponseStreamName(hook.HookID), respStream)

	events, _, err := store.ListEventsByCorrelationID(context.Background(), "r1", "approval/0", storage.ListOptions{ResolveData: true})
	require.NoError(t, err)
	last := events[len(events)-1]

	payload, err := codec.Decode(last.Data, nil)
	require.NoError(t, err)
	rec := payload.(map[string]any)
	assert.Equal(t, "POST", rec["body"].(map[string]any)["method"])

	ref := rec["response"].(codec.StreamRef)
	assert.Equal(t, ResponseStreamName(hook.HookID), ref.Name)
	assert.Equal(t, "r1", ref.RunID)
}
