// ABOUTME: Runtime backed by the claude CLI in stream-json mode, one process per turn
// ABOUTME: Answers can_use_tool control requests through the turn's gate

package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/2389/command-center/internal/runtime"
)

const (
	maxLineSize = 4 * 1024 * 1024
	waitDelay   = 3 * time.Second
)

// Config configures the CLI runtime.
type Config struct {
	// Binary is the claude executable. CLAUDE_BINARY overrides it.
	Binary string
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
	// Env is appended to the inherited environment.
	Env []string
}

// Runtime spawns the claude CLI for each turn.
type Runtime struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a CLI runtime. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if env := os.Getenv("CLAUDE_BINARY"); env != "" {
		cfg.Binary = env
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &Runtime{cfg: cfg, logger: logger.With("component", "claude-runtime")}
}

// Args returns the command line for a turn.
func (r *Runtime) Args(req runtime.Request) []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--permission-mode", "acceptEdits",
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	return append(args, r.cfg.ExtraArgs...)
}

// Query starts the CLI, sends the prompt and returns the turn's stream.
func (r *Runtime) Query(ctx context.Context, req runtime.Request) (runtime.Stream, error) {
	cmd := exec.CommandContext(ctx, r.cfg.Binary, r.Args(req)...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	// SIGINT lets the CLI finish the current tool call and flush its transcript.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting claude: %w", err)
	}

	s := &stream{
		ctx:    ctx,
		cmd:    cmd,
		stdin:  stdin,
		gate:   req.Gate,
		items:  make(chan item, 64),
		logger: r.logger.With("pid", cmd.Process.Pid, "resume", req.Resume),
	}
	s.stderrDone.Add(1)
	go s.drainStderr(stderr)
	go s.readStdout(stdout)

	if err := s.writeJSON(map[string]any{
		"type":       "control_request",
		"request_id": "req_" + uuid.NewString(),
		"request":    map[string]any{"subtype": "initialize"},
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing claude: %w", err)
	}
	if err := s.writeJSON(map[string]any{
		"type":               "user",
		"session_id":         "",
		"parent_tool_use_id": nil,
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": req.Prompt}},
		},
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("sending prompt: %w", err)
	}

	return s, nil
}

type item struct {
	parsed parsed
	err    error
}

type stream struct {
	ctx    context.Context
	cmd    *exec.Cmd
	gate   runtime.Gate
	items  chan item
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	stderrDone sync.WaitGroup
	stderrMu   sync.Mutex
	stderrTail []string

	pending   []runtime.Event
	sawResult bool
	waitOnce  sync.Once
	waitErr   error
}

func (s *stream) Recv() (runtime.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if _, ok := ev.(runtime.Result); ok {
				s.sawResult = true
				// The CLI waits for more input until stdin closes.
				s.closeStdin()
			}
			return ev, nil
		}

		select {
		case <-s.ctx.Done():
			return nil, fmt.Errorf("claude turn: %w", s.ctx.Err())
		case it, ok := <-s.items:
			if !ok {
				return nil, s.finish()
			}
			if it.err != nil {
				return nil, it.err
			}
			if it.parsed.control != nil {
				if err := s.answer(it.parsed.control); err != nil {
					return nil, err
				}
				continue
			}
			s.pending = append(s.pending, it.parsed.events...)
		}
	}
}

// answer resolves a control request from the CLI. Only can_use_tool is
// supported; anything else is refused so the CLI does not hang.
func (s *stream) answer(req *controlRequest) error {
	if req.Subtype != "can_use_tool" {
		return s.writeJSON(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "error",
				"request_id": req.RequestID,
				"error":      "unsupported control request: " + req.Subtype,
			},
		})
	}

	decision := runtime.AllowAs(req.Input)
	if s.gate != nil {
		d, err := s.gate(s.ctx, req.ToolName, req.Input)
		if err != nil {
			if s.ctx.Err() != nil {
				return fmt.Errorf("claude turn: %w", s.ctx.Err())
			}
			d = runtime.Deny(err.Error())
		}
		decision = d
	}

	var body map[string]any
	if decision.Allow {
		input := decision.UpdatedInput
		if input == nil {
			input = req.Input
		}
		body = map[string]any{"behavior": "allow", "updatedInput": input}
	} else {
		msg := decision.Message
		if msg == "" {
			msg = runtime.DeniedMessage
		}
		body = map[string]any{"behavior": "deny", "message": msg}
	}

	return s.writeJSON(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": req.RequestID,
			"response":   body,
		},
	})
}

func (s *stream) readStdout(stdout io.Reader) {
	defer close(s.items)

	scanner := bufio.NewScanner(stdout)
	// Tool results with large file contents produce long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		p, err := parseLine(data)
		if err != nil {
			s.logger.Warn("skipping unparseable stream-json line", "error", err)
			continue
		}
		if p.control == nil && len(p.events) == 0 {
			continue
		}
		select {
		case s.items <- item{parsed: p}:
		case <-s.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		select {
		case s.items <- item{err: fmt.Errorf("reading claude output: %w", err)}:
		case <-s.ctx.Done():
		}
	}
}

func (s *stream) drainStderr(stderr io.Reader) {
	defer s.stderrDone.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		text := scanner.Text()
		if strings.Contains(strings.ToLower(text), "error") || strings.Contains(text, "ENOENT") {
			s.logger.Warn("claude stderr", "line", truncate(text, 500))
		}
		s.stderrMu.Lock()
		s.stderrTail = append(s.stderrTail, text)
		if len(s.stderrTail) > 20 {
			s.stderrTail = s.stderrTail[1:]
		}
		s.stderrMu.Unlock()
	}
}

// finish reaps the process once stdout is exhausted.
func (s *stream) finish() error {
	err := s.wait()
	if s.ctx.Err() != nil {
		return fmt.Errorf("claude turn: %w", s.ctx.Err())
	}
	if s.sawResult {
		return io.EOF
	}
	s.stderrMu.Lock()
	tail := strings.Join(s.stderrTail, "\n")
	s.stderrMu.Unlock()
	if err != nil {
		return fmt.Errorf("claude exited before finishing the turn: %w: %s", err, truncate(tail, 500))
	}
	return fmt.Errorf("claude exited before finishing the turn: %s", truncate(tail, 500))
}

func (s *stream) wait() error {
	s.waitOnce.Do(func() {
		s.closeStdin()
		s.stderrDone.Wait()
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

func (s *stream) Close() error {
	s.closeStdin()
	if s.cmd.ProcessState == nil && !s.sawResult {
		_ = s.cmd.Process.Signal(syscall.SIGINT)
		kill := time.AfterFunc(waitDelay, func() { _ = s.cmd.Process.Kill() })
		defer kill.Stop()
	}
	// Drain so the reader goroutine can exit before Wait.
	go func() {
		for range s.items {
		}
	}()
	err := s.wait()
	if s.sawResult || s.ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdin == nil {
		return errors.New("claude stdin closed")
	}
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

func (s *stream) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
