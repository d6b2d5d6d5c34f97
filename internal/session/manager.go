// ABOUTME: Session manager: creates sessions, runs turns against the runtime, routes
// ABOUTME: messages, mediates permissions and cancels sessions on interrupt

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/2389/command-center/internal/persona"
	"github.com/2389/command-center/internal/protocol"
	"github.com/2389/command-center/internal/runtime"
)

// Broadcaster receives every outbound message the manager produces.
// Broadcast must not block and must not call back into the manager.
type Broadcaster interface {
	Broadcast(msg protocol.Outbound)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(protocol.Outbound)

// Broadcast calls f(msg).
func (f BroadcasterFunc) Broadcast(msg protocol.Outbound) { f(msg) }

// Config wires a Manager.
type Config struct {
	Runtime     runtime.Runtime
	Roster      *persona.Roster
	Broadcaster Broadcaster
	// Mediator defaults to NewMediator(MediatorConfig{}).
	Mediator   *Mediator
	WorkingDir string
	// ProgressInterval is the minimum spacing of tool_progress messages per
	// session. Defaults to one second.
	ProgressInterval time.Duration
	// Now is the clock used for throttling and durations. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager owns every session's lifecycle.
type Manager struct {
	rt         runtime.Runtime
	roster     *persona.Roster
	out        Broadcaster
	mediator   *Mediator
	workingDir string
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
	tel        *telemetry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []*Session
	closed   bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("session manager: runtime is required")
	}
	if cfg.Roster == nil {
		return nil, errors.New("session manager: roster is required")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.New("session manager: broadcaster is required")
	}
	if cfg.Mediator == nil {
		med, err := NewMediator(MediatorConfig{})
		if err != nil {
			return nil, err
		}
		cfg.Mediator = med
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rt:         cfg.Runtime,
		roster:     cfg.Roster,
		out:        cfg.Broadcaster,
		mediator:   cfg.Mediator,
		workingDir: cfg.WorkingDir,
		interval:   cfg.ProgressInterval,
		now:        cfg.Now,
		logger:     cfg.Logger.With("component", "session-manager"),
		tel:        newTelemetry(),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*Session),
	}, nil
}

// StartSession creates a session for the named agent and starts its first
// turn in the background. Progress is observed through the broadcaster.
func (m *Manager) StartSession(agentName, prompt string) (string, error) {
	agent, ok := m.roster.Lookup(agentName)
	if !ok {
		return "", fmt.Errorf("%w: %s", persona.ErrUnknownAgent, agentName)
	}

	systemPrompt, err := agent.Prompt()
	if err != nil {
		m.logger.Warn("persona prompt unavailable, continuing without it", "agent", agent.Name, "error", err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		ID:           fmt.Sprintf("%s-%s", agent.Name, uuid.NewString()[:8]),
		Agent:        agent,
		StartedAt:    m.now(),
		systemPrompt: systemPrompt,
		ctx:          ctx,
		cancel:       cancel,
		status:       protocol.StatusStarting,
		progress:     rate.NewLimiter(rate.Every(m.interval), 1),
		subagents:    make(map[string]bool),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		cancel()
		return "", ErrManagerClosed
	}
	m.sessions[s.ID] = s
	m.order = append(m.order, s)

	s.mu.Lock()
	m.out.Broadcast(protocol.SessionStatus{
		SessionRef: protocol.SessionRef{SessionID: s.ID},
		AgentName:  agent.Name,
		Status:     protocol.StatusStarting,
	})
	m.wg.Add(1)
	go m.runTurn(s, prompt)
	s.mu.Unlock()

	m.tel.sessionStarted(agent.Name)
	m.logger.Info("=== SESSION STARTED ===",
		"session_id", s.ID,
		"agent", agent.Name,
		"total_sessions", len(m.sessions),
	)
	return s.ID, nil
}

// SendMessage starts a new turn resuming the session's conversation. It only
// succeeds when the session is idle or errored; otherwise the message is
// dropped and ErrSessionBusy (or ErrSessionClosed) is returned with no
// change to the session.
func (m *Manager) SendMessage(sessionID, text string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.status.Terminal():
		return ErrSessionClosed
	case !s.status.Resumable():
		m.logger.Debug("message dropped, session busy", "session_id", s.ID, "status", s.status)
		return ErrSessionBusy
	}

	m.transition(s, protocol.StatusRunning)
	m.wg.Add(1)
	go m.runTurn(s, text)
	return nil
}

// ResolvePermission answers the session's pending permission request if
// requestID matches it. Mismatches change nothing and return ErrStalePermission.
func (m *Manager) ResolvePermission(sessionID, requestID string, allow bool, updatedInput map[string]any) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	if p == nil || p.requestID != requestID {
		return ErrStalePermission
	}

	s.pending = nil
	m.transition(s, protocol.StatusRunning)

	decision := runtime.Deny(runtime.DeniedMessage)
	if allow {
		input := updatedInput
		if input == nil {
			input = p.input
		}
		decision = runtime.AllowAs(input)
	}
	p.decision <- decision

	m.logger.Info("permission resolved",
		"session_id", s.ID,
		"request_id", requestID,
		"tool", p.toolName,
		"allow", allow,
	)
	return nil
}

// InterruptSession cancels the session's current turn and marks it
// completed. Interrupting a completed session is a no-op.
func (m *Manager) InterruptSession(sessionID string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	m.interrupt(s)
	return nil
}

func (m *Manager) interrupt(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.cancel()
	s.pending = nil
	m.transition(s, protocol.StatusCompleted)
	m.logger.Info("session interrupted", "session_id", s.ID, "agent", s.Agent.Name)
}

// Get returns the session with the given id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Sessions returns a summary of every session in creation order.
func (m *Manager) Sessions() []protocol.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.SessionInfo, 0, len(m.order))
	for _, s := range m.order {
		out = append(out, s.Info())
	}
	return out
}

// ActiveCount returns the number of sessions that are not completed.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.order {
		if !s.Status().Terminal() {
			n++
		}
	}
	return n
}

// Shutdown interrupts every session and waits for their turns to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := append([]*Session(nil), m.order...)
	m.mu.Unlock()

	for _, s := range sessions {
		m.interrupt(s)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for turns to stop: %w", ctx.Err())
	}
}

// transition moves s to a new status and broadcasts it. s.mu must be held.
// Illegal edges are logged and ignored.
func (m *Manager) transition(s *Session, to protocol.Status) bool {
	from := s.status
	if !protocol.CanTransition(from, to) {
		m.logger.Error("illegal session transition", "session_id", s.ID, "from", from, "to", to)
		return false
	}
	s.status = to
	m.out.Broadcast(protocol.SessionStatus{
		SessionRef: protocol.SessionRef{SessionID: s.ID},
		AgentName:  s.Agent.Name,
		Status:     to,
	})
	return true
}

// runTurn executes one turn and settles the session's status.
func (m *Manager) runTurn(s *Session, prompt string) {
	defer m.wg.Done()
	logger := m.logger.With("session_id", s.ID, "agent", s.Agent.Name)

	s.mu.Lock()
	resume := s.conversationID
	s.mu.Unlock()

	ctx, span := m.tel.tracer.Start(s.ctx, "session.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("agent", s.Agent.Name),
			attribute.Bool("resume", resume != ""),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("turn panicked", "panic", r, "stack", string(debug.Stack()))
			err := fmt.Errorf("internal error: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.finishTurn(s, err, logger)
		}
	}()

	if resume == "" {
		logger.Info("starting turn", "resume", "new")
	} else {
		logger.Info("starting turn", "resume", resume)
	}

	stream, err := m.rt.Query(ctx, runtime.Request{
		Prompt:       prompt,
		Resume:       resume,
		SystemPrompt: s.systemPrompt,
		WorkingDir:   m.workingDir,
		Gate:         m.gate(s, logger),
	})
	if err == nil {
		s.mu.Lock()
		if s.status == protocol.StatusStarting {
			m.transition(s, protocol.StatusRunning)
		}
		s.mu.Unlock()

		err = m.consume(s, stream)
		if cerr := stream.Close(); cerr != nil {
			logger.Debug("closing runtime stream", "error", cerr)
		}
	}

	outcome := m.finishTurn(s, err, logger)
	span.SetAttributes(attribute.String("outcome", outcome))
	if outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (m *Manager) consume(s *Session, stream runtime.Stream) error {
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		m.handle(s, ev)
	}
}

// finishTurn settles the status after a turn: idle on success, completed on
// cancellation, error otherwise. It returns the outcome label.
func (m *Manager) finishTurn(s *Session, err error, logger *slog.Logger) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := "idle"
	switch {
	case s.status.Terminal():
		outcome = "interrupted"
	case s.ctx.Err() != nil:
		outcome = "interrupted"
		s.pending = nil
		m.transition(s, protocol.StatusCompleted)
	default:
		if err == nil && s.status == protocol.StatusWaitingPermission {
			err = errors.New("turn ended while a permission request was outstanding")
		}
		s.pending = nil
		if err == nil {
			m.transition(s, protocol.StatusIdle)
			break
		}
		outcome = "error"
		logger.Error("turn failed", "error", err)
		m.out.Broadcast(protocol.Error{SessionID: s.ID, Message: err.Error()})
		m.transition(s, protocol.StatusError)
	}

	m.tel.turnFinished(s.Agent.Name, outcome)
	logger.Info("turn finished", "outcome", outcome, "conversation_id", s.conversationID)
	return outcome
}

// handle maps one runtime event to its outbound message. Events arriving
// after the session was interrupted are dropped.
func (m *Manager) handle(s *Session, ev runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	ref := protocol.SessionRef{SessionID: s.ID}

	switch e := ev.(type) {
	case runtime.Init:
		if e.ConversationID != "" {
			s.conversationID = e.ConversationID
		}

	case runtime.TextDelta:
		if e.ParentToolUseID != "" {
			m.out.Broadcast(protocol.SubagentTextDelta{SessionRef: ref, AgentID: e.ParentToolUseID, Text: e.Text})
			return
		}
		m.out.Broadcast(protocol.TextDelta{SessionRef: ref, Text: e.Text})

	case runtime.ToolProgress:
		if !s.progress.AllowN(m.now(), 1) {
			return
		}
		if e.ParentToolUseID != "" {
			m.out.Broadcast(protocol.SubagentToolProgress{
				SessionRef: ref, AgentID: e.ParentToolUseID,
				ToolName: e.ToolName, ToolID: e.ToolID, ElapsedSeconds: e.ElapsedSeconds,
			})
			return
		}
		m.out.Broadcast(protocol.ToolProgress{
			SessionRef: ref, ToolName: e.ToolName, ToolID: e.ToolID, ElapsedSeconds: e.ElapsedSeconds,
		})

	case runtime.Assistant:
		if e.ParentToolUseID != "" {
			m.out.Broadcast(protocol.SubagentAssistantMessage{SessionRef: ref, AgentID: e.ParentToolUseID, Content: e.Content})
			return
		}
		m.out.Broadcast(protocol.AssistantMessage{SessionRef: ref, Content: e.Content})
		if s.Agent.IsOrchestrator {
			m.announceSubagents(s, e.Content)
		}

	case runtime.ToolResult:
		if e.ParentToolUseID != "" {
			m.out.Broadcast(protocol.SubagentToolResult{SessionRef: ref, AgentID: e.ParentToolUseID, ToolID: e.ToolUseID, Content: e.Content})
			return
		}
		m.out.Broadcast(protocol.ToolResult{SessionRef: ref, ToolID: e.ToolUseID, Content: e.Content})
		if s.subagents[e.ToolUseID] {
			delete(s.subagents, e.ToolUseID)
			m.out.Broadcast(protocol.SubagentStop{SessionRef: ref, AgentID: e.ToolUseID})
		}

	case runtime.Result:
		// The runtime reports conversation totals, so these overwrite.
		s.cost = e.CostUSD
		s.turns = e.NumTurns
		duration := e.DurationMS
		if duration == 0 {
			duration = m.now().Sub(s.StartedAt).Milliseconds()
		}
		m.out.Broadcast(protocol.SessionResult{
			SessionRef: ref,
			Cost:       s.cost,
			Turns:      s.turns,
			DurationMS: duration,
			Result:     e.Result,
			IsError:    e.IsError,
		})

	default:
		m.logger.Warn("unhandled runtime event", "session_id", s.ID, "type", fmt.Sprintf("%T", ev))
	}
}

// announceSubagents emits subagent_start for each spawn tool call. s.mu must be held.
func (m *Manager) announceSubagents(s *Session, content []protocol.ContentBlock) {
	for _, b := range content {
		if b.Type != protocol.BlockToolUse || !m.mediator.IsSpawnTool(b.Name) {
			continue
		}
		s.subagents[b.ID] = true
		m.out.Broadcast(protocol.SubagentStart{
			SessionRef:      protocol.SessionRef{SessionID: s.ID},
			AgentID:         b.ID,
			AgentType:       stringField(b.Input, "subagent_type"),
			ParentToolUseID: b.ID,
			TaskName:        stringField(b.Input, "description"),
			TaskDescription: truncate(stringField(b.Input, "prompt"), 200),
		})
	}
}

// gate builds the turn's permission callback.
func (m *Manager) gate(s *Session, logger *slog.Logger) runtime.Gate {
	return func(ctx context.Context, tool string, input map[string]any) (runtime.Decision, error) {
		switch m.mediator.Classify(s.Agent, tool, input) {
		case Allow:
			return runtime.AllowAs(input), nil
		case Deny:
			logger.Info("tool denied by policy", "tool", tool)
			return runtime.Deny(fmt.Sprintf("%s is not available to the %s agent", tool, s.Agent.Name)), nil
		}
		return m.askHuman(ctx, s, tool, input, logger)
	}
}

// askHuman suspends the turn until ResolvePermission or cancellation.
func (m *Manager) askHuman(ctx context.Context, s *Session, tool string, input map[string]any, logger *slog.Logger) (runtime.Decision, error) {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()

	ctx, span := m.tel.tracer.Start(ctx, "session.permission",
		trace.WithAttributes(attribute.String("tool", tool)))
	defer span.End()

	if input == nil {
		input = map[string]any{}
	}
	p := &pendingPermission{
		requestID: "perm-" + uuid.NewString(),
		toolName:  tool,
		input:     input,
		decision:  make(chan runtime.Decision, 1),
	}

	s.mu.Lock()
	if err := s.ctx.Err(); err != nil {
		s.mu.Unlock()
		return runtime.Decision{}, err
	}
	if s.status != protocol.StatusRunning {
		s.mu.Unlock()
		return runtime.Deny("session is not running"), nil
	}
	s.pending = p
	m.out.Broadcast(protocol.PermissionRequest{
		SessionRef: protocol.SessionRef{SessionID: s.ID},
		RequestID:  p.requestID,
		ToolName:   tool,
		Input:      input,
	})
	m.transition(s, protocol.StatusWaitingPermission)
	s.mu.Unlock()

	m.tel.permissionRequested(tool)
	logger.Info("waiting for permission", "tool", tool, "request_id", p.requestID)

	select {
	case d := <-p.decision:
		span.SetAttributes(attribute.Bool("allowed", d.Allow))
		return d, nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
		return runtime.Decision{}, ctx.Err()
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
