// Package journal keeps a record of every intake outcome in sqlite, including
// the raw bytes of messages that could not be parsed.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type Kind string

const (
	KindAccepted     Kind = "accepted"
	KindAuthRejected Kind = "auth_rejected"
	KindSizeExceeded Kind = "size_exceeded"
	KindParseFailed  Kind = "parse_failed"
)

type Event struct {
	ID        int64     `json:"id"`
	Kind      Kind      `json:"kind"`
	Remote    string    `json:"remote"`
	MessageID string    `json:"messageId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Size      int64     `json:"size"`
	Raw       []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

type row struct {
	ID        int64  `db:"id"`
	Kind      string `db:"kind"`
	Remote    string `db:"remote"`
	MessageID string `db:"message_id"`
	Detail    string `db:"detail"`
	Size      int64  `db:"size"`
	Raw       []byte `db:"raw"`
	CreatedAt int64  `db:"created_at"`
}

func (r row) event() Event {
	return Event{
		ID:        r.ID,
		Kind:      Kind(r.Kind),
		Remote:    r.Remote,
		MessageID: r.MessageID,
		Detail:    r.Detail,
		Size:      r.Size,
		Raw:       r.Raw,
		CreatedAt: time.UnixMilli(r.CreatedAt),
	}
}

type Journal struct {
	db *sqlx.DB
}

// Open uses an in-memory database when path is empty.
func Open(ctx context.Context, path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sqlx.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each connection to :memory: is its own database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	j := &Journal{db: db}
	if err := j.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS intake_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            kind TEXT NOT NULL,
            remote TEXT NOT NULL,
            message_id TEXT NOT NULL DEFAULT '',
            detail TEXT NOT NULL DEFAULT '',
            size INTEGER NOT NULL,
            raw BLOB,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_intake_events_created ON intake_events(created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_intake_events_kind ON intake_events(kind);`,
	}
	for _, statement := range statements {
		if _, err := j.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Record stores event and returns its id. Raw bytes are kept only for parse
// failures; every other kind is recorded without a payload.
func (j *Journal) Record(ctx context.Context, event Event) (int64, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	var raw []byte
	if event.Kind == KindParseFailed {
		raw = event.Raw
	}
	result, err := j.db.ExecContext(ctx, `INSERT INTO intake_events
        (kind, remote, message_id, detail, size, raw, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?);`,
		string(event.Kind),
		event.Remote,
		event.MessageID,
		event.Detail,
		event.Size,
		raw,
		event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert intake event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read intake event id: %w", err)
	}
	return id, nil
}

// Recent lists the newest events first, without their raw payloads.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []row
	err := j.db.SelectContext(ctx, &rows, `SELECT id, kind, remote, message_id, detail, size, created_at
        FROM intake_events
        ORDER BY created_at DESC, id DESC
        LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list intake events: %w", err)
	}
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

// Quarantined returns a parse failure with its raw bytes. It reports false
// for unknown ids and for events of any other kind.
func (j *Journal) Quarantined(ctx context.Context, id int64) (Event, bool, error) {
	var r row
	err := j.db.GetContext(ctx, &r, `SELECT id, kind, remote, message_id, detail, size, raw, created_at
        FROM intake_events
        WHERE id = ? AND kind = ?;`, id, string(KindParseFailed))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("get quarantined message: %w", err)
	}
	return r.event(), true, nil
}
