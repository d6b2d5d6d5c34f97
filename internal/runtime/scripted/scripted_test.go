// ABOUTME: Tests for the scripted runtime's step replay and gate handling

package scripted

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/command-center/internal/runtime"
)

func all(t *testing.T, s runtime.Stream) ([]runtime.Event, error) {
	t.Helper()
	var out []runtime.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestEcho(t *testing.T) {
	rt := New(nil)
	s, err := rt.Query(t.Context(), runtime.Request{Prompt: "hi there"})
	require.NoError(t, err)

	events, err := all(t, s)
	require.NoError(t, err)
	assert.Equal(t, runtime.Init{ConversationID: "scripted-1"}, events[0])
	assert.Equal(t, runtime.TextDelta{Text: "echo: "}, events[1])
	assert.IsType(t, runtime.Result{}, events[len(events)-1])
}

func TestResumeHandleAndRequestsRecorded(t *testing.T) {
	rt := New(nil)
	s, err := rt.Query(t.Context(), runtime.Request{Prompt: "a", Resume: "conv-9"})
	require.NoError(t, err)
	ev, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, runtime.Init{ConversationID: "conv-9"}, ev)

	reqs := rt.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "conv-9", reqs[0].Resume)
}

func TestAskUsesGate(t *testing.T) {
	rt := New(Turns(ToolUse("t1", "Bash", map[string]any{"command": "rm -rf /"})))
	gate := func(ctx context.Context, tool string, input map[string]any) (runtime.Decision, error) {
		return runtime.Deny("nope"), nil
	}
	s, err := rt.Query(t.Context(), runtime.Request{Prompt: "x", Gate: gate})
	require.NoError(t, err)

	events, err := all(t, s)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, runtime.ToolResult{ToolUseID: "t1", Content: "nope", IsError: true}, events[2])

	// Second turn falls back to echo.
	s, err = rt.Query(t.Context(), runtime.Request{Prompt: "y"})
	require.NoError(t, err)
	events, err = all(t, s)
	require.NoError(t, err)
	assert.Equal(t, runtime.Init{ConversationID: "scripted-2"}, events[0])
}

func TestHangStopsOnCancel(t *testing.T) {
	rt := New(Turns([]Step{Hang()}))
	ctx, cancel := context.WithCancel(t.Context())
	s, err := rt.Query(ctx, runtime.Request{})
	require.NoError(t, err)

	_, err = s.Recv() // init
	require.NoError(t, err)
	cancel()
	_, err = s.Recv()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailAndQueryErrors(t *testing.T) {
	boom := errors.New("boom")
	rt := New(Turns([]Step{Fail(boom)}))
	s, err := rt.Query(t.Context(), runtime.Request{})
	require.NoError(t, err)
	_, err = all(t, s)
	assert.ErrorIs(t, err, boom)

	rt.FailQueries(boom)
	_, err = rt.Query(t.Context(), runtime.Request{})
	assert.ErrorIs(t, err, boom)
}
