package hydra

import (
	"context"
	"log/slog"
)

// ellipsis marks truncated content sent to the provider.
const ellipsis = "…"

// historyKeepFull is how many trailing history rows escape truncation.
const historyKeepFull = 6

// historyRowCap is the character budget for older history rows.
const historyRowCap = 500

// TruncateRunes caps s at limit runes, appending the ellipsis marker when
// content was dropped. Never splits a UTF-8 code point: the cut happens on
// rune boundaries by construction.
func TruncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	// Byte length ≤ limit guarantees rune count ≤ limit.
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + ellipsis
}

// toolResultLimit is the per-iteration character budget for tool output
// copied into the model-visible context. The full output is always streamed
// to the caller regardless.
func toolResultLimit(iteration int) int {
	switch {
	case iteration < 3:
		return 25_000
	case iteration < 6:
		return 15_000
	default:
		return 8_000
	}
}

// CompressHistory converts persisted rows into conversation turns. Every row
// older than the last historyKeepFull is capped at historyRowCap characters.
// Rows arrive oldest first (the store handles the 20-row window).
func CompressHistory(rows []HistoryRow) []Content {
	contents := make([]Content, 0, len(rows))
	cutoff := len(rows) - historyKeepFull
	for i, row := range rows {
		text := row.Content
		if i < cutoff {
			text = TruncateRunes(text, historyRowCap)
		}
		role := "user"
		if row.Role == "assistant" || row.Role == "model" {
			role = "model"
		}
		contents = append(contents, TextContent(role, text))
	}
	return contents
}

// loadSessionHistory fetches and compresses history, degrading to an empty
// slice on store failure.
func loadSessionHistory(ctx context.Context, store SessionStore, sessionID string, logger *slog.Logger) []Content {
	if store == nil || sessionID == "" {
		return nil
	}
	rows, err := store.LoadHistory(ctx, sessionID)
	if err != nil {
		logger.Warn("history load failed, continuing without", "session", sessionID, "error", err)
		return nil
	}
	return CompressHistory(rows)
}
