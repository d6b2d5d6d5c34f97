// ABOUTME: Intel digest: freshness of the project's intelligence documents and context files
// ABOUTME: Markdown is walked with goldmark to find "Last Updated" markers and session headings

package intel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tidwall/gjson"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Freshness buckets an item's age.
type Freshness string

const (
	Fresh Freshness = "fresh" // updated within 7 days
	Stale Freshness = "stale" // within 30 days
	Old   Freshness = "old"
	Never Freshness = "never" // missing or unreadable
)

const day = 24 * time.Hour

// Item is the freshness of one intelligence source.
type Item struct {
	Label        string    `json:"label"`
	DaysAgo      *int      `json:"daysAgo"`
	DisplayLabel string    `json:"displayLabel"`
	Status       Freshness `json:"status"`
}

// Status summarises intelligence freshness.
type Status struct {
	Items       []Item `json:"items"`
	LedgerCount int    `json:"ledgerCount"`
}

// ContextFile reports whether a piece of client context exists.
type ContextFile struct {
	Key    string `json:"key"`
	Label  string `json:"label"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// Payload is the intel block of a sync_state message.
type Payload struct {
	Intel        Status        `json:"intel"`
	ContextFiles []ContextFile `json:"contextFiles"`
	IsOnboarded  bool          `json:"isOnboarded"`
}

const (
	intelDir         = "docs/intelligence/internal"
	sessionLedger    = intelDir + "/context-intelligence-ledger.md"
	websiteStateFile = ".website-report-state.json"
	brandDir         = "client-context/brand"
)

var tracked = []struct{ label, rel string }{
	{"Competitive", intelDir + "/competitive-intelligence-tracking.md"},
	{"Performance", intelDir + "/performance-analysis-history.md"},
	{"Seasonal", intelDir + "/seasonal-patterns.md"},
}

var contextFiles = []ContextFile{
	{Key: "1", Label: "brand.json", Path: "config/brand.json"},
	{Key: "2", Label: "voice-and-tone-guide.md", Path: "client-context/brand/voice-and-tone-guide.md"},
	{Key: "3", Label: "content-bank.md", Path: "content/social/content-bank.md"},
	{Key: "4", Label: "differentiation-strategy.md", Path: "client-context/competitors/differentiation-strategy.md"},
	{Key: "5", Label: "partners.json", Path: "config/partners.json"},
	{Key: "6", Label: "airtable.json", Path: "config/airtable.json"},
	{Key: "7", Label: "business/", Path: "client-context/business"},
	{Key: "8", Label: "keywords/", Path: "client-context/keywords"},
	{Key: "9", Label: "session-ledger.md", Path: sessionLedger},
}

var datePrefix = regexp.MustCompile(`^\s*(\d{4}-\d{2}-\d{2})`)

// Source computes the digest for a project directory.
type Source struct {
	dir    string
	md     goldmark.Markdown
	now    func() time.Time
	logger *slog.Logger
}

// NewSource creates a Source rooted at projectDir.
func NewSource(projectDir string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		dir:    projectDir,
		md:     goldmark.New(),
		now:    time.Now,
		logger: logger.With("component", "intel"),
	}
}

// Digest returns the current Payload.
func (s *Source) Digest(ctx context.Context) (any, error) {
	return s.Payload(ctx)
}

// Payload computes the digest. Missing or unreadable files degrade to
// "never" rather than failing.
func (s *Source) Payload(ctx context.Context) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}

	items := make([]Item, 0, len(tracked)+1)
	for _, t := range tracked {
		items = append(items, s.fileItem(t.label, filepath.Join(s.dir, t.rel)))
	}
	items = append(items, s.websiteItem())

	files := make([]ContextFile, len(contextFiles))
	for i, f := range contextFiles {
		f.Exists = exists(filepath.Join(s.dir, f.Path))
		files[i] = f
	}

	return Payload{
		Intel:        Status{Items: items, LedgerCount: s.ledgerCount()},
		ContextFiles: files,
		IsOnboarded:  s.onboarded(),
	}, nil
}

func (s *Source) fileItem(label, path string) Item {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return neverItem(label, "Never")
	}
	if err != nil {
		s.logger.Debug("stat failed", "path", path, "error", err)
		return neverItem(label, "Unknown")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("read failed", "path", path, "error", err)
		return neverItem(label, "Unknown")
	}

	updated, ok := s.lastUpdated(content)
	if !ok {
		updated = info.ModTime()
	}
	return s.ageItem(label, updated)
}

func (s *Source) websiteItem() Item {
	const label = "Website"
	data, err := os.ReadFile(filepath.Join(s.dir, websiteStateFile))
	if err != nil || !gjson.ValidBytes(data) {
		return neverItem(label, "Never")
	}
	raw := gjson.GetBytes(data, "lastRunDate").String()
	if raw == "" {
		return neverItem(label, "Never")
	}
	ts, err := parseDate(raw)
	if err != nil {
		s.logger.Debug("bad website report date", "value", raw, "error", err)
		return neverItem(label, "Never")
	}
	return s.ageItem(label, ts)
}

func (s *Source) ageItem(label string, t time.Time) Item {
	days := int(s.now().Sub(t) / day)
	return Item{
		Label:        label,
		DaysAgo:      &days,
		DisplayLabel: fmt.Sprintf("%dd ago", days),
		Status:       bucket(days),
	}
}

// lastUpdated finds the date following a bold "Last Updated:" label.
func (s *Source) lastUpdated(content []byte) (time.Time, bool) {
	doc := s.md.Parser().Parse(text.NewReader(content))

	var found time.Time
	var ok bool
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		em, isEm := n.(*ast.Emphasis)
		if !isEm || em.Level != 2 || string(bytes.TrimSpace(inlineText(em, content))) != "Last Updated:" {
			return ast.WalkContinue, nil
		}
		next, isText := em.NextSibling().(*ast.Text)
		if !isText {
			return ast.WalkSkipChildren, nil
		}
		m := datePrefix.FindSubmatch(next.Segment.Value(content))
		if m == nil {
			return ast.WalkSkipChildren, nil
		}
		t, err := time.Parse(time.DateOnly, string(m[1]))
		if err != nil {
			return ast.WalkSkipChildren, nil
		}
		found, ok = t, true
		return ast.WalkStop, nil
	})
	return found, ok
}

// ledgerCount counts "### Session:" headings in the session ledger.
func (s *Source) ledgerCount() int {
	content, err := os.ReadFile(filepath.Join(s.dir, sessionLedger))
	if err != nil {
		return 0
	}
	doc := s.md.Parser().Parse(text.NewReader(content))

	count := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		h, isHeading := n.(*ast.Heading)
		if !entering || !isHeading {
			return ast.WalkContinue, nil
		}
		if h.Level == 3 && bytes.HasPrefix(inlineText(h, content), []byte("Session:")) {
			count++
		}
		return ast.WalkSkipChildren, nil
	})
	return count
}

func (s *Source) onboarded() bool {
	entries, err := os.ReadDir(filepath.Join(s.dir, brandDir))
	return err == nil && len(entries) > 0
}

// inlineText concatenates the text segments below n.
func inlineText(n ast.Node, source []byte) []byte {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return buf.Bytes()
}

func bucket(days int) Freshness {
	switch {
	case days <= 7:
		return Fresh
	case days <= 30:
		return Stale
	}
	return Old
}

func neverItem(label, display string) Item {
	return Item{Label: label, DisplayLabel: display, Status: Never}
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
