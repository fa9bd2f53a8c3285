package hydra

import "context"

// HistoryRow is one persisted conversation message.
type HistoryRow struct {
	Role    string
	Content string
}

// SessionStore is the engine's only view of relational persistence. All
// writes are fire-and-forget from the engine's perspective: failures are
// logged and the request proceeds.
type SessionStore interface {
	// LoadHistory returns at most the 20 most recent rows for the session,
	// oldest first.
	LoadHistory(ctx context.Context, sessionID string) ([]HistoryRow, error)

	// SessionAgent returns the persona locked to this session, if any.
	SessionAgent(ctx context.Context, sessionID string) (string, bool, error)

	// SaveMessage persists one message row.
	SaveMessage(ctx context.Context, rid, sessionID, role, content, model, agent string) error

	// RecordUsage persists one usage accounting row.
	RecordUsage(ctx context.Context, agentID, model string, inToks, outToks int, latencyMs int64, success bool, tier string) error
}
