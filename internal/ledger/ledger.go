// ABOUTME: SQLite session history using modernc.org/sqlite
// ABOUTME: Persists non-ephemeral outbound messages per session for the history API

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/command-center/internal/protocol"
)

const (
	// queueSize bounds messages waiting to be written. Overflow is dropped.
	queueSize = 1024

	defaultLimit = 100
	maxLimit     = 500
)

// ErrClosed is returned by Save after Close.
var ErrClosed = errors.New("ledger closed")

// Event is one persisted outbound message.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Ledger records session history. Record is safe to call from the session
// manager while it holds locks; writes happen on a background goroutine.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan protocol.Outbound
	done   chan struct{}
}

// Open creates or opens the ledger database at path. Parent directories are
// created if needed.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time keeps SQLite from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger,
		now:    time.Now,
		queue:  make(chan protocol.Outbound, queueSize),
		done:   make(chan struct{}),
	}
	go l.writeLoop()

	logger.Info("ledger initialized", "path", path)
	return l, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
	`
	_, err := db.Exec(schema)
	return err
}

// Recordable reports whether msg belongs in the ledger: it must be scoped to
// a session and not be a streaming fragment.
func Recordable(msg protocol.Outbound) bool {
	return protocol.SessionOf(msg) != "" && !protocol.Ephemeral(msg)
}

// Record queues msg for persistence without blocking. Messages that are not
// Recordable, or that arrive while the queue is full, are skipped.
func (l *Ledger) Record(msg protocol.Outbound) {
	if !Recordable(msg) {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- msg:
	default:
		l.logger.Warn("ledger queue full, dropping event",
			"session_id", protocol.SessionOf(msg),
			"type", msg.Kind())
	}
}

// Save persists msg synchronously.
func (l *Ledger) Save(ctx context.Context, msg protocol.Outbound) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return l.insert(ctx, msg)
}

func (l *Ledger) insert(ctx context.Context, msg protocol.Outbound) error {
	payload, err := protocol.EncodeOutbound(msg)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO events (session_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		protocol.SessionOf(msg),
		msg.Kind(),
		string(payload),
		l.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (l *Ledger) writeLoop() {
	defer close(l.done)
	for msg := range l.queue {
		if err := l.insert(context.Background(), msg); err != nil {
			l.logger.Error("failed to record event",
				"session_id", protocol.SessionOf(msg),
				"type", msg.Kind(),
				"error", err)
		}
	}
}

// Recent returns up to limit of the session's most recent events, oldest
// first. limit defaults to 100 and is capped at 500.
func (l *Ledger) Recent(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, session_id, type, payload, created_at
		FROM events
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev        Event
			payload   string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	slices.Reverse(events)
	return events, nil
}

// Close drains queued events and closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return l.db.Close()
}
