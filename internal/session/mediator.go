// ABOUTME: Permission mediator: classifies proposed tool calls as allow, ask or deny
// ABOUTME: Free-form question tools and destructive shell commands go to a human

package session

import (
	"fmt"
	"regexp"

	"github.com/2389/command-center/internal/persona"
)

// Verdict is the mediator's classification of a proposed action.
type Verdict int

const (
	// Allow lets the action run with its input unchanged.
	Allow Verdict = iota
	// Ask suspends the turn until a human decides.
	Ask
	// Deny refuses without asking.
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Ask:
		return "ask"
	case Deny:
		return "deny"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// DefaultDangerousPattern matches shell commands that must be confirmed:
// recursive force deletes, hard resets, destructive SQL, kill -9,
// shutdown and hook bypasses.
const DefaultDangerousPattern = `\brm\s+-rf\b|\brm\s+.*--force\b|--hard|reset\s+--hard|drop\s+|truncate\s+|kill\s+-9|shutdown|--no-verify`

// SpawnTools start nested sub-sessions. Only orchestrators may use them.
var SpawnTools = []string{"Task", "Agent"}

// MediatorConfig tunes the mediator.
type MediatorConfig struct {
	// AskTools always go to a human. Defaults to AskUserQuestion.
	AskTools []string
	// ShellTool is the command-running tool whose input is pattern matched.
	ShellTool string
	// ExtraPatterns are added to DefaultDangerousPattern, case-insensitively.
	ExtraPatterns []string
}

// Mediator decides which proposed actions need human approval.
type Mediator struct {
	askTools   map[string]bool
	spawnTools map[string]bool
	shellTool  string
	dangerous  []*regexp.Regexp
}

// NewMediator compiles the configuration.
func NewMediator(cfg MediatorConfig) (*Mediator, error) {
	m := &Mediator{
		askTools:   make(map[string]bool),
		spawnTools: make(map[string]bool),
		shellTool:  cfg.ShellTool,
	}
	if m.shellTool == "" {
		m.shellTool = "Bash"
	}
	ask := cfg.AskTools
	if len(ask) == 0 {
		ask = []string{"AskUserQuestion"}
	}
	for _, t := range ask {
		m.askTools[t] = true
	}
	for _, t := range SpawnTools {
		m.spawnTools[t] = true
	}

	for _, p := range append([]string{DefaultDangerousPattern}, cfg.ExtraPatterns...) {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling dangerous pattern %q: %w", p, err)
		}
		m.dangerous = append(m.dangerous, re)
	}
	return m, nil
}

// Classify returns the verdict for agent proposing tool with input.
func (m *Mediator) Classify(agent *persona.Agent, tool string, input map[string]any) Verdict {
	if m.spawnTools[tool] && (agent == nil || !agent.IsOrchestrator) {
		return Deny
	}
	if m.askTools[tool] {
		return Ask
	}
	if tool == m.shellTool {
		cmd, _ := input["command"].(string)
		if m.Dangerous(cmd) {
			return Ask
		}
	}
	return Allow
}

// Dangerous reports whether a shell command matches an escalation pattern.
func (m *Mediator) Dangerous(command string) bool {
	for _, re := range m.dangerous {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// IsSpawnTool reports whether tool starts a sub-session.
func (m *Mediator) IsSpawnTool(tool string) bool {
	return m.spawnTools[tool]
}
