// Package gemini implements the hydra.Provider for Google Gemini models via
// the streamGenerateContent SSE endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pawelserkowski-lang/hydra"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// requestTimeout bounds one upstream call including the full stream read.
const requestTimeout = 300 * time.Second

// Gemini implements hydra.Provider. Credentials arrive per request, so one
// instance serves every persona and model.
type Gemini struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Gemini provider with functional options.
func New(opts ...Option) *Gemini {
	g := &Gemini{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Stream sends one streaming request and returns the raw SSE body. The
// caller owns the parse loop and must Close the body. Only HTTPS endpoints
// are contacted; a plain-HTTP base URL fails before any network activity.
func (g *Gemini) Stream(ctx context.Context, req hydra.GenerateRequest) (io.ReadCloser, error) {
	if !strings.HasPrefix(g.baseURL, "https://") {
		return nil, &hydra.ErrSecurity{Message: "refusing non-HTTPS provider endpoint"}
	}

	payload, err := json.Marshal(buildBody(req))
	if err != nil {
		return nil, g.wrapErr("marshal body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", g.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IsOAuth {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	} else {
		httpReq.Header.Set("x-goog-api-key", req.Credential)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, g.wrapErr("stream request failed: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, httpErr(resp, string(b))
	}
	return resp.Body, nil
}

func (g *Gemini) wrapErr(msg string) error {
	return &hydra.ErrLLM{Provider: "gemini", Message: msg}
}

// buildBody constructs the wire request. Contents marshal directly from the
// hydra types; tool parameter schemas pass through verbatim.
func buildBody(req hydra.GenerateRequest) map[string]any {
	body := map[string]any{
		"contents": req.Contents,
	}

	if req.SystemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.SystemPrompt}},
		}
	}

	if len(req.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := json.RawMessage(t.Parameters)
			if len(params) == 0 {
				params = json.RawMessage(`{}`)
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{
			{"function_declarations": declarations},
		}
	}

	genConfig := map[string]any{
		"temperature":     req.Temperature,
		"topP":            req.TopP,
		"maxOutputTokens": req.MaxOutputTokens,
	}
	if tc := thinkingConfig(req.Model, req.ThinkingLevel); tc != nil {
		genConfig["thinkingConfig"] = tc
	}
	body["generationConfig"] = genConfig

	return body
}

// thinkingConfig maps the requested level to the model family's knob: a
// thinkingLevel string for Gemini-3, a numeric thinkingBudget for 2.5. Nil
// omits the config entirely ("none" or unsupported).
func thinkingConfig(model, level string) map[string]any {
	if level == "" || level == "none" {
		return nil
	}
	if hydra.SupportsThinkingLevel(model) {
		return map[string]any{"thinkingLevel": level}
	}
	if budget := hydra.ThinkingBudgetFor(level); budget > 0 {
		return map[string]any{"thinkingBudget": budget}
	}
	return nil
}

// httpErr creates an ErrHTTP from an HTTP response, extracting the retry
// delay from the Retry-After header or from the google.rpc.RetryInfo detail
// in the JSON error body.
func httpErr(resp *http.Response, body string) *hydra.ErrHTTP {
	ra := hydra.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &hydra.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	}
}

// parseRetryInfo extracts the retryDelay from a Gemini error body containing
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

var _ hydra.Provider = (*Gemini)(nil)
