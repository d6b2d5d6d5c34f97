// ABOUTME: Tests for the SQLite session ledger
// ABOUTME: Covers filtering of ephemeral messages, ordering, limits and close semantics

package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/command-center/internal/protocol"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
	})
	return l
}

func status(session string, st protocol.Status) protocol.SessionStatus {
	return protocol.SessionStatus{SessionRef: protocol.SessionRef{SessionID: session}, AgentName: "cmo", Status: st}
}

func TestOpen_CreatesNestedDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "ledger.db")
	l, err := Open(path, nil)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRecordable(t *testing.T) {
	ref := protocol.SessionRef{SessionID: "s1"}
	assert.True(t, Recordable(status("s1", protocol.StatusIdle)))
	assert.True(t, Recordable(protocol.AssistantMessage{SessionRef: ref}))
	assert.True(t, Recordable(protocol.Error{SessionID: "s1", Message: "boom"}))
	assert.False(t, Recordable(protocol.TextDelta{SessionRef: ref, Text: "x"}))
	assert.False(t, Recordable(protocol.ToolProgress{SessionRef: ref}))
	assert.False(t, Recordable(protocol.SubagentTextDelta{SessionRef: ref}))
	assert.False(t, Recordable(protocol.Error{Message: "global"}))
	assert.False(t, Recordable(protocol.SyncState{}))
}

func TestSaveAndRecent(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Save(ctx, status("s1", protocol.StatusStarting)))
	require.NoError(t, l.Save(ctx, status("s2", protocol.StatusStarting)))
	require.NoError(t, l.Save(ctx, status("s1", protocol.StatusRunning)))
	require.NoError(t, l.Save(ctx, protocol.SessionResult{SessionRef: protocol.SessionRef{SessionID: "s1"}, Cost: 0.25, Turns: 1}))

	events, err := l.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, protocol.KindSessionStatus, events[0].Type)
	assert.Equal(t, protocol.KindSessionResult, events[2].Type)
	for _, ev := range events {
		assert.Equal(t, "s1", ev.SessionID)
		assert.False(t, ev.CreatedAt.IsZero())
	}
	assert.Less(t, events[0].ID, events[1].ID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.Equal(t, "session_status", payload["type"])
	assert.Equal(t, "running", payload["status"])
}

func TestRecent_LimitKeepsNewest(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	for _, st := range []protocol.Status{protocol.StatusStarting, protocol.StatusRunning, protocol.StatusIdle, protocol.StatusRunning, protocol.StatusIdle} {
		require.NoError(t, l.Save(ctx, status("s1", st)))
	}

	events, err := l.Recent(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Less(t, events[0].ID, events[1].ID)

	var last map[string]any
	require.NoError(t, json.Unmarshal(events[1].Payload, &last))
	assert.Equal(t, "idle", last["status"])
}

func TestRecent_UnknownSessionIsEmpty(t *testing.T) {
	l := setupTestLedger(t)
	events, err := l.Recent(context.Background(), "ghost", 10)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestRecord_DrainedOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, nil)
	require.NoError(t, err)

	ref := protocol.SessionRef{SessionID: "s1"}
	l.Record(status("s1", protocol.StatusStarting))
	l.Record(protocol.TextDelta{SessionRef: ref, Text: "skipped"})
	l.Record(protocol.AssistantMessage{SessionRef: ref, Content: []protocol.ContentBlock{protocol.TextBlock("hi")}})
	require.NoError(t, l.Close())

	// Recording after close is a no-op.
	l.Record(status("s1", protocol.StatusIdle))
	assert.ErrorIs(t, l.Save(context.Background(), status("s1", protocol.StatusIdle)), ErrClosed)

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Recent(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.KindSessionStatus, events[0].Type)
	assert.Equal(t, protocol.KindAssistantMessage, events[1].Type)
}
