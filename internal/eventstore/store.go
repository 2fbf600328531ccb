// Package eventstore journals conversations and their events in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/duet/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a conversation is not in the journal.
var ErrNotFound = errors.New("conversation not found")

// Conversation status values.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Conversation is one journaled conversation.
type Conversation struct {
	ID         string
	Mode       string
	Starter    string
	RemoteAddr string
	Status     string
	EndReason  string
	Turns      int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Event is one recorded timeline entry of a conversation.
type Event struct {
	ID             int64
	ConversationID string
	Kind           string
	Speaker        string
	Turn           int
	Payload        []byte
	CreatedAt      time.Time
}

// Store wraps the SQLite journal. With retention mode "ephemeral" it keeps
// nothing and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to cfg.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_time_format=sqlite", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    starter TEXT,
    remote_addr TEXT,
    status TEXT NOT NULL,
    end_reason TEXT,
    turns INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    speaker TEXT,
    turn INTEGER NOT NULL DEFAULT 0,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id, id);
CREATE INDEX IF NOT EXISTS idx_conversations_started ON conversations(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool { return s.db == nil }

// Enabled reports whether the journal persists anything.
func (s *Store) Enabled() bool { return s != nil && !s.disabled() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.disabled() {
		return nil
	}
	return s.db.Close()
}

// BeginConversation inserts a running conversation row.
func (s *Store) BeginConversation(ctx context.Context, c Conversation) error {
	if s.disabled() {
		return nil
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(conversation_id, mode, starter, remote_addr, status, started_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		c.ID, c.Mode, c.Starter, c.RemoteAddr, StatusRunning, c.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// FinishConversation records how a conversation ended.
func (s *Store) FinishConversation(ctx context.Context, id, status, reason string, turns int) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, end_reason = ?, turns = ?, ended_at = ? WHERE conversation_id = ?`,
		status, reason, turns, s.clock().UTC(), id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent writes an event into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(conversation_id, kind, speaker, turn, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.ConversationID, evt.Kind, evt.Speaker, evt.Turn, evt.Payload, evt.CreatedAt.UTC())
	return err
}

// GetConversation loads one conversation row.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if s.disabled() {
		return Conversation{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, mode, starter, remote_addr, status, end_reason, turns, started_at, ended_at
		 FROM conversations WHERE conversation_id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// ListConversations returns up to limit conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, mode, starter, remote_addr, status, end_reason, turns, started_at, ended_at
		 FROM conversations ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (Conversation, error) {
	var (
		c                       Conversation
		starter, remote, reason sql.NullString
		started                 string
		ended                   sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Mode, &starter, &remote, &c.Status, &reason, &c.Turns, &started, &ended); err != nil {
		return Conversation{}, err
	}
	c.Starter, c.RemoteAddr, c.EndReason = starter.String, remote.String, reason.String
	c.StartedAt = parseTime(started)
	if ended.Valid {
		c.EndedAt = parseTime(ended.String)
	}
	return c, nil
}

// ListConversationEvents retrieves up to limit events of a conversation in
// insertion order.
func (s *Store) ListConversationEvents(ctx context.Context, id string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, kind, speaker, turn, payload, created_at
		 FROM events WHERE conversation_id = ? ORDER BY id ASC LIMIT ?`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			speaker sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Kind, &speaker, &e.Turn, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Speaker = speaker.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention. It runs on open and on the runtime's
// maintenance ticker.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxConversations > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id IN (
			SELECT conversation_id FROM conversations ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxConversations)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

func parseTime(v string) time.Time {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
