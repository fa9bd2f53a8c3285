// Package postgres implements hydra.SessionStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawelserkowski-lang/hydra"
)

const historyLimit = 20

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements hydra.SessionStore backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ hydra.SessionStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS usage (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			latency_ms BIGINT NOT NULL,
			success BOOLEAN NOT NULL,
			tier TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS usage_agent_idx ON usage(agent)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// LoadHistory returns the newest rows for a session, oldest first.
func (s *Store) LoadHistory(ctx context.Context, sessionID string) ([]hydra.HistoryRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, content FROM messages
		 WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		sessionID, historyLimit,
	)
	if err != nil {
		s.logger.Error("postgres: load history failed", "session_id", sessionID, "error", err)
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

	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// SessionAgent returns the persona locked to this session, if any.
func (s *Store) SessionAgent(ctx context.Context, sessionID string) (string, bool, error) {
	var agent string
	err := s.pool.QueryRow(ctx, `SELECT agent FROM sessions WHERE id = $1`, sessionID).Scan(&agent)
	if err == pgx.ErrNoRows {
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
	now := time.Now().UnixMilli()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, request_id, session_id, role, content, model, agent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		hydra.NewID(), rid, sessionID, role, content, model, agent, now,
	)
	if err != nil {
		s.logger.Error("postgres: save message failed", "rid", rid, "error", err)
		return fmt.Errorf("save message: %w", err)
	}
	if agent != "" {
		_, _ = s.pool.Exec(ctx,
			`INSERT INTO sessions (id, agent, created_at, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET agent = EXCLUDED.agent, updated_at = EXCLUDED.updated_at`,
			sessionID, agent, now, now,
		)
	}
	return nil
}

// RecordUsage persists one usage accounting row.
func (s *Store) RecordUsage(ctx context.Context, agentID, model string, inToks, outToks int, latencyMs int64, success bool, tier string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage (id, agent, model, input_tokens, output_tokens, latency_ms, success, tier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		hydra.NewID(), agentID, model, inToks, outToks, latencyMs, success, tier, time.Now().UnixMilli(),
	)
	if err != nil {
		s.logger.Error("postgres: record usage failed", "agent", agentID, "error", err)
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
