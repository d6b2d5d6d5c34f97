// ABOUTME: Deterministic in-process runtime that replays scripted turn steps
// ABOUTME: Used by tests and by the "scripted" backend for offline demos

package scripted

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/2389/command-center/internal/protocol"
	"github.com/2389/command-center/internal/runtime"
)

// Step produces zero or more events. Steps run on the caller's goroutine
// inside Recv, so a step that consults the gate sees every earlier event
// already handled.
type Step func(ctx context.Context, req runtime.Request) ([]runtime.Event, error)

// Script returns the steps for the n-th turn (1-based) of the runtime.
type Script func(n int, req runtime.Request) []Step

// Runtime replays a Script. Every turn starts with an Init event carrying
// the resume handle, or a fresh "scripted-N" handle for new conversations.
type Runtime struct {
	script Script

	mu       sync.Mutex
	requests []runtime.Request
	queryErr error
	nextConv int
}

// New creates a runtime. A nil script echoes every prompt.
func New(script Script) *Runtime {
	if script == nil {
		script = func(_ int, req runtime.Request) []Step { return Echo(req) }
	}
	return &Runtime{script: script}
}

// Turns plays the given step lists in order, then echoes.
func Turns(turns ...[]Step) Script {
	return func(n int, req runtime.Request) []Step {
		if n <= len(turns) {
			return turns[n-1]
		}
		return Echo(req)
	}
}

// FailQueries makes subsequent Query calls fail with err. nil restores them.
func (r *Runtime) FailQueries(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queryErr = err
}

// Requests returns every request received so far.
func (r *Runtime) Requests() []runtime.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.Request(nil), r.requests...)
}

func (r *Runtime) Query(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	r.mu.Lock()
	if r.queryErr != nil {
		err := r.queryErr
		r.mu.Unlock()
		return nil, err
	}
	r.requests = append(r.requests, req)
	n := len(r.requests)
	handle := req.Resume
	if handle == "" {
		r.nextConv++
		handle = fmt.Sprintf("scripted-%d", r.nextConv)
	}
	r.mu.Unlock()

	return &stream{
		ctx:     ctx,
		req:     req,
		steps:   r.script(n, req),
		pending: []runtime.Event{runtime.Init{ConversationID: handle}},
	}, nil
}

type stream struct {
	ctx     context.Context
	req     runtime.Request
	steps   []Step
	pending []runtime.Event
}

func (s *stream) Recv() (runtime.Event, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, fmt.Errorf("scripted turn: %w", err)
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if len(s.steps) == 0 {
			return nil, io.EOF
		}
		step := s.steps[0]
		s.steps = s.steps[1:]
		events, err := step(s.ctx, s.req)
		if err != nil {
			return nil, err
		}
		s.pending = append(s.pending, events...)
	}
}

func (s *stream) Close() error { return nil }

// Emit yields the given events.
func Emit(events ...runtime.Event) Step {
	return func(context.Context, runtime.Request) ([]runtime.Event, error) {
		return events, nil
	}
}

// Sleep pauses the turn, returning early if it is cancelled.
func Sleep(d time.Duration) Step {
	return func(ctx context.Context, _ runtime.Request) ([]runtime.Event, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("scripted turn: %w", ctx.Err())
		}
	}
}

// Hang blocks until the turn is cancelled.
func Hang() Step {
	return func(ctx context.Context, _ runtime.Request) ([]runtime.Event, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("scripted turn: %w", ctx.Err())
	}
}

// Signal sends on ch when the turn reaches this step.
func Signal(ch chan<- struct{}) Step {
	return func(ctx context.Context, _ runtime.Request) ([]runtime.Event, error) {
		select {
		case ch <- struct{}{}:
			return nil, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("scripted turn: %w", ctx.Err())
		}
	}
}

// Fail aborts the turn with err.
func Fail(err error) Step {
	return func(context.Context, runtime.Request) ([]runtime.Event, error) {
		return nil, err
	}
}

// Ask proposes a tool call: it yields the assistant tool_use block, consults
// the gate and yields a tool result describing the outcome. An allowed call
// reports the input it ran with; a refused one reports the denial message
// with IsError set.
func Ask(toolID, tool string, input map[string]any) Step {
	return func(ctx context.Context, req runtime.Request) ([]runtime.Event, error) {
		decision := runtime.AllowAs(input)
		if req.Gate != nil {
			d, err := req.Gate(ctx, tool, input)
			if err != nil {
				return nil, err
			}
			decision = d
		}
		if decision.Allow {
			ran := decision.UpdatedInput
			if ran == nil {
				ran = input
			}
			return []runtime.Event{runtime.ToolResult{ToolUseID: toolID, Content: ran}}, nil
		}
		msg := decision.Message
		if msg == "" {
			msg = runtime.DeniedMessage
		}
		return []runtime.Event{runtime.ToolResult{ToolUseID: toolID, Content: msg, IsError: true}}, nil
	}
}

// ToolUse yields an assistant message proposing a tool call, followed by
// the Ask step for it.
func ToolUse(toolID, tool string, input map[string]any) []Step {
	return []Step{
		Emit(runtime.Assistant{Content: []protocol.ContentBlock{protocol.ToolUseBlock(toolID, tool, input)}}),
		Ask(toolID, tool, input),
	}
}

// Reply streams text word by word, then the complete message.
func Reply(text string) []Step {
	words := strings.SplitAfter(text, " ")
	events := make([]runtime.Event, 0, len(words)+1)
	for _, w := range words {
		events = append(events, runtime.TextDelta{Text: w})
	}
	events = append(events, runtime.Assistant{Content: []protocol.ContentBlock{protocol.TextBlock(text)}})
	return []Step{Emit(events...)}
}

// Done ends the turn with a summary.
func Done(cost float64, turns int, result string) Step {
	return Emit(runtime.Result{CostUSD: cost, NumTurns: turns, Result: result})
}

// Echo replies with the prompt. A "bash: <cmd>" line asks to run <cmd>.
func Echo(req runtime.Request) []Step {
	var steps []Step
	for _, line := range strings.Split(req.Prompt, "\n") {
		if cmd, ok := strings.CutPrefix(strings.TrimSpace(line), "bash:"); ok {
			steps = append(steps, ToolUse("toolu_echo", "Bash", map[string]any{"command": strings.TrimSpace(cmd)})...)
		}
	}
	steps = append(steps, Reply("echo: "+req.Prompt)...)
	return append(steps, Done(0, 1, "echo: "+req.Prompt))
}
