package gemini

import (
	"log/slog"
	"net/http"
)

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithBaseURL overrides the API endpoint. Must be HTTPS; Stream rejects
// anything else. Intended for tests and regional endpoints.
func WithBaseURL(u string) Option {
	return func(g *Gemini) { g.baseURL = u }
}

// WithHTTPClient replaces the default client (300s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gemini) { g.logger = l }
}
