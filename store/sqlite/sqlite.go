// Package sqlite implements hydra.SessionStore on pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pawelserkowski-lang/hydra"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const historyLimit = 20

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements hydra.SessionStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ hydra.SessionStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// All goroutines serialize through one connection with SetMaxOpenConns(1)
// so concurrent fire-and-forget writes never hit SQLITE_BUSY.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT,
			agent TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			tier TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_usage_agent ON usage(agent)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// LoadHistory returns the newest rows for a session, oldest first.
func (s *Store) LoadHistory(ctx context.Context, sessionID string) ([]hydra.HistoryRow, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages
		 WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		sessionID, historyLimit,
	)
	if err != nil {
		s.logger.Error("sqlite: load history failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var history []hydra.HistoryRow
	for rows.Next() {
		var r hydra.HistoryRow
		if err := rows.Scan(&r.Role, &r.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	s.logger.Debug("sqlite: load history ok", "session_id", sessionID, "count", len(history), "duration", time.Since(start))
	return history, nil
}

// SessionAgent returns the persona locked to this session, if any.
func (s *Store) SessionAgent(ctx context.Context, sessionID string) (string, bool, error) {
	var agent string
	err := s.db.QueryRowContext(ctx, `SELECT agent FROM sessions WHERE id = ?`, sessionID).Scan(&agent)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session agent: %w", err)
	}
	return agent, agent != "", nil
}

// SaveMessage persists one message row and keeps the session's agent lock
// current.
func (s *Store) SaveMessage(ctx context.Context, rid, sessionID, role, content, model, agent string) error {
	start := time.Now()
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, request_id, session_id, role, content, model, agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		hydra.NewID(), rid, sessionID, role, content, model, agent, now,
	)
	if err != nil {
		s.logger.Error("sqlite: save message failed", "rid", rid, "error", err)
		return fmt.Errorf("save message: %w", err)
	}
	if agent != "" {
		_, _ = s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, agent, created_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET agent = excluded.agent, updated_at = excluded.updated_at`,
			sessionID, agent, now, now,
		)
	}
	s.logger.Debug("sqlite: save message ok", "rid", rid, "role", role, "duration", time.Since(start))
	return nil
}

// RecordUsage persists one usage accounting row.
func (s *Store) RecordUsage(ctx context.Context, agentID, model string, inToks, outToks int, latencyMs int64, success bool, tier string) error {
	ok := 0
	if success {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage (id, agent, model, input_tokens, output_tokens, latency_ms, success, tier, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hydra.NewID(), agentID, model, inToks, outToks, latencyMs, ok, tier, time.Now().UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: record usage failed", "agent", agentID, "error", err)
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
