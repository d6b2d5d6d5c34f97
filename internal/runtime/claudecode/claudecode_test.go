// ABOUTME: Tests for the claude CLI runtime: line parsing and full subprocess turns
// ABOUTME: The test binary re-executes itself as the fake CLI when CC_FAKE_CLAUDE is set

package claudecode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/command-center/internal/protocol"
	"github.com/2389/command-center/internal/runtime"
)

func TestMain(m *testing.M) {
	if os.Getenv("CC_FAKE_CLAUDE") == "1" {
		f := &Fake{Stderr: os.Stderr}
		if err := f.Run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func fakeRuntime(t *testing.T) *Runtime {
	t.Helper()
	t.Setenv("CLAUDE_BINARY", "")
	return New(Config{Binary: os.Args[0], Env: []string{"CC_FAKE_CLAUDE=1"}}, nil)
}

func collect(t *testing.T, s runtime.Stream) []runtime.Event {
	t.Helper()
	var events []runtime.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []runtime.Event
	}{
		{
			name: "init",
			line: `{"type":"system","subtype":"init","session_id":"abc","tools":[]}`,
			want: []runtime.Event{runtime.Init{ConversationID: "abc"}},
		},
		{
			name: "text delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}},"parent_tool_use_id":null}`,
			want: []runtime.Event{runtime.TextDelta{Text: "Hi"}},
		},
		{
			name: "sub-session text delta",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}},"parent_tool_use_id":"toolu_1"}`,
			want: []runtime.Event{runtime.TextDelta{Text: "x", ParentToolUseID: "toolu_1"}},
		},
		{
			name: "non-text stream event ignored",
			line: `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}}`,
		},
		{
			name: "tool progress",
			line: `{"type":"tool_progress","tool_name":"WebFetch","tool_use_id":"t1","elapsed_time_seconds":2.5}`,
			want: []runtime.Event{runtime.ToolProgress{ToolName: "WebFetch", ToolID: "t1", ElapsedSeconds: 2.5}},
		},
		{
			name: "legacy tool progress keys",
			line: `{"type":"tool_progress","tool_name":"Bash","tool_id":"t2","elapsed_seconds":3}`,
			want: []runtime.Event{runtime.ToolProgress{ToolName: "Bash", ToolID: "t2", ElapsedSeconds: 3}},
		},
		{
			name: "assistant",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"ok"},{"type":"tool_use","id":"t","name":"Read","input":{"path":"a"}}]}}`,
			want: []runtime.Event{runtime.Assistant{Content: []protocol.ContentBlock{
				protocol.TextBlock("ok"),
				protocol.ToolUseBlock("t", "Read", map[string]any{"path": "a"}),
			}}},
		},
		{
			name: "tool results",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t","content":"done"},{"type":"text","text":"x"}]}}`,
			want: []runtime.Event{runtime.ToolResult{ToolUseID: "t", Content: json.RawMessage(`"done"`)}},
		},
		{
			name: "plain user echo",
			line: `{"type":"user","message":{"content":"hello"}}`,
		},
		{
			name: "result",
			line: `{"type":"result","subtype":"success","total_cost_usd":0.5,"num_turns":2,"duration_ms":900,"result":"fin","is_error":false}`,
			want: []runtime.Event{runtime.Result{CostUSD: 0.5, NumTurns: 2, DurationMS: 900, Result: "fin"}},
		},
		{
			name: "error result",
			line: `{"type":"result","subtype":"error_max_turns","num_turns":9}`,
			want: []runtime.Event{runtime.Result{NumTurns: 9, IsError: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parseLine([]byte(tt.line))
			require.NoError(t, err)
			assert.Nil(t, p.control)
			assert.Equal(t, tt.want, p.events)
		})
	}
}

func TestParseLine_ControlRequest(t *testing.T) {
	p, err := parseLine([]byte(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`))
	require.NoError(t, err)
	require.NotNil(t, p.control)
	assert.Equal(t, "r1", p.control.RequestID)
	assert.Equal(t, "can_use_tool", p.control.Subtype)
	assert.Equal(t, "Bash", p.control.ToolName)
	assert.Equal(t, map[string]any{"command": "ls"}, p.control.Input)
}

func TestParseLine_Malformed(t *testing.T) {
	_, err := parseLine([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	r := New(Config{Binary: "claude", ExtraArgs: []string{"--model", "opus"}}, nil)

	args := r.Args(runtime.Request{Prompt: "x"})
	assert.NotContains(t, args, "--resume")
	assert.NotContains(t, args, "--append-system-prompt")
	assert.Equal(t, []string{"--model", "opus"}, args[len(args)-2:])

	args = r.Args(runtime.Request{Resume: "conv-1", SystemPrompt: "be brief"})
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "conv-1")
	assert.Contains(t, args, "be brief")
}

func TestQuery_EchoTurn(t *testing.T) {
	r := fakeRuntime(t)

	s, err := r.Query(t.Context(), runtime.Request{Prompt: "hello there", WorkingDir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	events := collect(t, s)
	require.NotEmpty(t, events)

	init, ok := events[0].(runtime.Init)
	require.True(t, ok, "first event is init, got %T", events[0])
	assert.NotEmpty(t, init.ConversationID)

	var text string
	var result *runtime.Result
	for _, ev := range events {
		switch e := ev.(type) {
		case runtime.TextDelta:
			text += e.Text
		case runtime.Result:
			result = &e
		}
	}
	assert.Equal(t, "echo: hello there", text)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.NumTurns)
	assert.False(t, result.IsError)
}

func TestQuery_ResumeHandleIsPassedThrough(t *testing.T) {
	r := fakeRuntime(t)

	s, err := r.Query(t.Context(), runtime.Request{Prompt: "again", Resume: "conv-42"})
	require.NoError(t, err)
	defer s.Close()

	events := collect(t, s)
	require.NotEmpty(t, events)
	assert.Equal(t, runtime.Init{ConversationID: "conv-42"}, events[0])
}

func TestQuery_GateDecisionReachesCLI(t *testing.T) {
	tests := []struct {
		name     string
		decision runtime.Decision
		wantText string
		isError  bool
	}{
		{"allowed with edit", runtime.AllowAs(map[string]any{"command": "ls /tmp"}), "ran ls /tmp", false},
		{"denied", runtime.Deny(runtime.DeniedMessage), "refused: User denied this action", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := fakeRuntime(t)
			var asked string
			gate := func(ctx context.Context, tool string, input map[string]any) (runtime.Decision, error) {
				asked = tool + " " + input["command"].(string)
				return tt.decision, nil
			}

			s, err := r.Query(t.Context(), runtime.Request{Prompt: "bash: rm -rf /tmp/x", Gate: gate})
			require.NoError(t, err)
			defer s.Close()

			var text string
			var toolResult *runtime.ToolResult
			for _, ev := range collect(t, s) {
				switch e := ev.(type) {
				case runtime.TextDelta:
					text += e.Text
				case runtime.ToolResult:
					toolResult = &e
				}
			}
			assert.Equal(t, "Bash rm -rf /tmp/x", asked)
			assert.Equal(t, tt.wantText, text)
			require.NotNil(t, toolResult)
			assert.Equal(t, tt.isError, toolResult.IsError)
		})
	}
}

func TestQuery_ProcessFailureIsAnError(t *testing.T) {
	r := fakeRuntime(t)

	s, err := r.Query(t.Context(), runtime.Request{Prompt: "fail"})
	require.NoError(t, err)
	defer s.Close()

	var lastErr error
	for {
		_, err := s.Recv()
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	assert.NotErrorIs(t, lastErr, io.EOF)
	assert.Contains(t, lastErr.Error(), "exited before finishing")
}

func TestQuery_CancelWhileWaitingOnGate(t *testing.T) {
	r := fakeRuntime(t)
	ctx, cancel := context.WithCancel(t.Context())

	gate := func(ctx context.Context, tool string, input map[string]any) (runtime.Decision, error) {
		cancel()
		<-ctx.Done()
		return runtime.Decision{}, ctx.Err()
	}

	s, err := r.Query(ctx, runtime.Request{Prompt: "bash: shutdown now", Gate: gate})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		for {
			if _, err := s.Recv(); err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("turn did not stop after cancellation")
	}
	assert.NoError(t, s.Close())
}
