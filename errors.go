package hydra

import (
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// Error codes surfaced to the caller. Messages carrying one of these codes
// are sanitized: they never contain credentials, file contents, or full
// upstream bodies.
const (
	CodeNoAPIKey      = "NO_API_KEY"
	CodeCircuitOpen   = "CIRCUIT_OPEN"
	CodeSecurity      = "SECURITY"
	CodeGeminiError   = "GEMINI_ERROR"
	CodeRequestFailed = "REQUEST_FAILED"
	CodeStreamError   = "STREAM_ERROR"
	CodeTimeout       = "TIMEOUT"
	CodeParseError    = "PARSE_ERROR"
)

// ErrLLM is a provider-level failure that is not an HTTP status error.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrSecurity is a request rejected before any network contact: plain-HTTP
// upstream endpoint, SSRF-blocked target, or similar.
type ErrSecurity struct {
	Message string
}

func (e *ErrSecurity) Error() string {
	return "security: " + e.Message
}

// ErrHTTP is an upstream HTTP error. RetryAfter, when non-zero, is the
// server-requested minimum delay before the next attempt.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value (delta-seconds
// form). Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// TruncateErr caps an upstream error string at maxBytes UTF-8 bytes without
// splitting a code point. Used before surfacing provider failures.
func TruncateErr(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
