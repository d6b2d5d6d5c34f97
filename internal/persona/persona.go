// ABOUTME: Agent registry: loads persona definitions from <project>/.claude/agents
// ABOUTME: Two fixed orchestrators come first, then specialists with hotkeys from 'b'

package persona

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/2389/command-center/internal/protocol"
)

// ErrUnknownAgent is returned by Roster.Lookup callers for names not in the roster.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent describes a persona. Agents are immutable after Load and shared by
// reference across sessions.
type Agent struct {
	Name           string
	DisplayName    string
	ShortTag       string
	Color          string
	Description    string
	FilePath       string
	Hotkey         string
	IsOrchestrator bool
}

// Info returns the public view sent to clients.
func (a *Agent) Info() protocol.AgentInfo {
	return protocol.AgentInfo{
		Name:           a.Name,
		DisplayName:    a.DisplayName,
		ShortTag:       a.ShortTag,
		Color:          a.Color,
		Description:    a.Description,
		Hotkey:         a.Hotkey,
		IsOrchestrator: a.IsOrchestrator,
	}
}

// Prompt reads the persona definition to append to the runtime's system
// prompt. A missing file yields an empty fragment.
func (a *Agent) Prompt() (string, error) {
	data, err := os.ReadFile(a.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading persona %s: %w", a.Name, err)
	}
	return string(data), nil
}

// Load scans <projectDir>/.claude/agents for *.md persona files. An
// unreadable directory is an error; a bad individual file degrades to
// defaults derived from its file name.
func Load(projectDir string, logger *slog.Logger) ([]*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "persona")

	agentsDir := filepath.Join(projectDir, ".claude", "agents")
	entries, err := os.ReadDir(agentsDir)
	if err != nil {
		return nil, fmt.Errorf("reading agents directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	agents := orchestrators(projectDir)
	hotkey := 'b'
	for _, file := range files {
		path := filepath.Join(agentsDir, file)

		var h header
		content, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("persona file unreadable, using defaults", "file", path, "error", err)
		} else {
			h, _, err = parseHeader(content)
			if err != nil && !errors.Is(err, ErrNoHeader) {
				logger.Warn("persona header malformed, using what could be read", "file", path, "error", err)
			}
		}

		name := h.Name
		if name == "" {
			name = strings.TrimSuffix(file, ".md")
		}
		a := &Agent{
			Name:        name,
			DisplayName: h.DisplayName,
			ShortTag:    h.ShortTag,
			Color:       h.Color,
			Description: h.Description,
			FilePath:    path,
			Hotkey:      string(hotkey),
		}
		if a.DisplayName == "" {
			a.DisplayName = DisplayName(name)
		}
		if a.ShortTag == "" {
			a.ShortTag = ShortTag(name)
		}
		agents = append(agents, a)
		hotkey++
	}

	logger.Info("agents loaded", "dir", agentsDir, "specialists", len(files), "total", len(agents))
	return agents, nil
}

func orchestrators(projectDir string) []*Agent {
	commands := filepath.Join(projectDir, ".claude", "commands")
	return []*Agent{
		{
			Name:           "cmo",
			DisplayName:    "CMO",
			ShortTag:       "CMO",
			Color:          "purple",
			Description:    "Strategic marketing co-pilot",
			FilePath:       filepath.Join(commands, "cmo.md"),
			Hotkey:         "C",
			IsOrchestrator: true,
		},
		{
			Name:           "analyst",
			DisplayName:    "Analyst",
			ShortTag:       "Anlyst",
			Color:          "cyan",
			Description:    "Marketing intelligence & optimization",
			FilePath:       filepath.Join(commands, "analyst.md"),
			Hotkey:         "A",
			IsOrchestrator: true,
		},
	}
}

// DisplayName title-cases each dash-separated word: "lead-writer" -> "Lead Writer".
func DisplayName(name string) string {
	words := strings.Split(name, "-")
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

// ShortTag abbreviates a name for compact displays. A short first word
// (three runes or fewer) is upper-cased; longer ones are capitalised and
// cut to seven runes: "seo-optimization" -> "SEO", "brand-strategy" -> "Brand".
func ShortTag(name string) string {
	first, _, _ := strings.Cut(name, "-")
	if utf8.RuneCountInString(first) <= 3 {
		return strings.ToUpper(first)
	}
	r := []rune(capitalize(first))
	if len(r) > 7 {
		r = r[:7]
	}
	return string(r)
}

func capitalize(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	if size == 0 {
		return w
	}
	return string(unicode.ToUpper(r)) + w[size:]
}

// Roster is an immutable, ordered set of agents with lookup by name.
type Roster struct {
	agents []*Agent
	byName map[string]*Agent
}

// NewRoster indexes agents. Later duplicates of a name are ignored.
func NewRoster(agents []*Agent) *Roster {
	r := &Roster{byName: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		if _, dup := r.byName[a.Name]; dup {
			continue
		}
		r.byName[a.Name] = a
		r.agents = append(r.agents, a)
	}
	return r
}

// Lookup returns the agent with the given name.
func (r *Roster) Lookup(name string) (*Agent, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// All returns the agents in roster order. The slice must not be modified.
func (r *Roster) All() []*Agent {
	return r.agents
}

// Len returns the number of agents.
func (r *Roster) Len() int {
	return len(r.agents)
}

// Infos returns the public view of every agent in roster order.
func (r *Roster) Infos() []protocol.AgentInfo {
	out := make([]protocol.AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Info())
	}
	return out
}
