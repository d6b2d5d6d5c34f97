// ABOUTME: Tests for the broadcast hub fan-out and client removal
// ABOUTME: Covers delivery order, slow and failing clients, snapshots and the recorder tap

package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/command-center/internal/protocol"
)

// chanSink forwards every message to a channel.
type chanSink chan protocol.Outbound

func (s chanSink) Send(ctx context.Context, msg protocol.Outbound) error {
	select {
	case s <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func delta(session, text string) protocol.TextDelta {
	return protocol.TextDelta{SessionRef: protocol.SessionRef{SessionID: session}, Text: text}
}

func recv(t *testing.T, ch <-chan protocol.Outbound) protocol.Outbound {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHub_AllClientsReceiveInOrder(t *testing.T) {
	h := New(Config{})
	defer h.Close()

	sinks := []chanSink{make(chanSink, 8), make(chanSink, 8), make(chanSink, 8)}
	for _, s := range sinks {
		_, err := h.Register(t.Context(), s)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.Count())

	h.Broadcast(delta("s1", "a"))
	h.Broadcast(delta("s1", "b"))

	for i, s := range sinks {
		assert.Equal(t, "a", recv(t, s).(protocol.TextDelta).Text, "client %d", i)
		assert.Equal(t, "b", recv(t, s).(protocol.TextDelta).Text, "client %d", i)
	}
}

func TestHub_ClientSendIsPrivate(t *testing.T) {
	h := New(Config{})
	defer h.Close()

	a, b := make(chanSink, 4), make(chanSink, 4)
	ca, err := h.Register(t.Context(), a)
	require.NoError(t, err)
	_, err = h.Register(t.Context(), b)
	require.NoError(t, err)

	require.True(t, ca.Send(protocol.SyncState{}))
	_, ok := recv(t, a).(protocol.SyncState)
	assert.True(t, ok)

	select {
	case msg := <-b:
		t.Fatalf("unexpected message for other client: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_FailingSinkIsRemoved(t *testing.T) {
	h := New(Config{})
	defer h.Close()

	failing := SinkFunc(func(context.Context, protocol.Outbound) error { return errors.New("broken pipe") })
	c, err := h.Register(t.Context(), failing)
	require.NoError(t, err)
	healthy := make(chanSink, 4)
	_, err = h.Register(t.Context(), healthy)
	require.NoError(t, err)

	h.Broadcast(delta("s1", "x"))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("failing client was not removed")
	}
	assert.Equal(t, 1, h.Count())
	assert.Equal(t, "x", recv(t, healthy).(protocol.TextDelta).Text)
}

func TestHub_SlowClientIsRemovedWithoutBlocking(t *testing.T) {
	h := New(Config{})
	defer h.Close()

	block := make(chan struct{})
	defer close(block)
	stuck := SinkFunc(func(ctx context.Context, _ protocol.Outbound) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	c, err := h.Register(t.Context(), stuck)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < clientBufferSize*2; i++ {
			h.Broadcast(delta("s1", "spam"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client was not removed")
	}
	assert.Equal(t, 0, h.Count())
}

func TestHub_ContextCancelRemovesClient(t *testing.T) {
	h := New(Config{})
	defer h.Close()

	ctx, cancel := context.WithCancel(t.Context())
	c, err := h.Register(ctx, make(chanSink, 1))
	require.NoError(t, err)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not removed after cancel")
	}
	assert.Equal(t, 0, h.Count())
}

func TestHub_CloseRejectsRegistration(t *testing.T) {
	h := New(Config{})
	c, err := h.Register(t.Context(), make(chanSink, 1))
	require.NoError(t, err)

	h.Close()
	<-c.Done()

	_, err = h.Register(t.Context(), make(chanSink, 1))
	assert.ErrorIs(t, err, ErrClosed)
	h.Broadcast(delta("s1", "nobody listening"))
}

type tap struct {
	mu   sync.Mutex
	msgs []protocol.Outbound
}

func (r *tap) Record(msg protocol.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func TestHub_RecorderSeesEveryBroadcast(t *testing.T) {
	rec := &tap{}
	h := New(Config{Recorder: rec})
	defer h.Close()

	h.Broadcast(delta("s1", "a"))
	h.Broadcast(protocol.SessionStatus{SessionRef: protocol.SessionRef{SessionID: "s1"}, Status: protocol.StatusIdle})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.msgs, 2)
}

type staticSessions []protocol.SessionInfo

func (s staticSessions) Sessions() []protocol.SessionInfo { return s }

type staticAgents []protocol.AgentInfo

func (a staticAgents) Infos() []protocol.AgentInfo { return a }

type intelFunc func(context.Context) (any, error)

func (f intelFunc) Digest(ctx context.Context) (any, error) { return f(ctx) }

func TestHub_Snapshot(t *testing.T) {
	h := New(Config{
		Sessions: staticSessions{{ID: "cmo-1234abcd", AgentName: "cmo", Status: protocol.StatusIdle}},
		Agents:   staticAgents{{Name: "cmo", IsOrchestrator: true}},
		Intel:    intelFunc(func(context.Context) (any, error) { return map[string]any{"isOnboarded": true}, nil }),
	})
	defer h.Close()

	state := h.Snapshot(t.Context())
	require.Len(t, state.Sessions, 1)
	assert.Equal(t, "cmo-1234abcd", state.Sessions[0].ID)
	require.Len(t, state.Agents, 1)
	assert.Equal(t, map[string]any{"isOnboarded": true}, state.Intel)
}

func TestHub_SnapshotDegrades(t *testing.T) {
	h := New(Config{
		Intel: intelFunc(func(context.Context) (any, error) { return nil, errors.New("disk gone") }),
	})
	defer h.Close()

	state := h.Snapshot(t.Context())
	assert.NotNil(t, state.Sessions)
	assert.NotNil(t, state.Agents)
	assert.Nil(t, state.Intel)
}
