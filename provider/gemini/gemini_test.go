package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pawelserkowski-lang/hydra"
)

func testRequest() hydra.GenerateRequest {
	return hydra.GenerateRequest{
		Model:           "gemini-2.5-flash",
		Credential:      "test-key",
		SystemPrompt:    "be brief",
		Contents:        []hydra.Content{hydra.TextContent("user", "hello")},
		Temperature:     0.7,
		TopP:            0.9,
		MaxOutputTokens: 1024,
		ThinkingLevel:   "none",
	}
}

func TestStreamRejectsPlainHTTP(t *testing.T) {
	g := New(WithBaseURL("http://example.com/v1beta"))
	_, err := g.Stream(context.Background(), testRequest())
	var sec *hydra.ErrSecurity
	if !errors.As(err, &sec) {
		t.Fatalf("want ErrSecurity, got %v", err)
	}
}

func TestStreamSendsAPIKeyHeader(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	g := New(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	body, err := g.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	body.Close()

	if gotKey != "test-key" {
		t.Errorf("x-goog-api-key = %q, want test-key", gotKey)
	}
	if gotAuth != "" {
		t.Errorf("unexpected Authorization header %q", gotAuth)
	}
}

func TestStreamSendsBearerForOAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	req := testRequest()
	req.Credential = "oauth-token"
	req.IsOAuth = true

	g := New(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	body, err := g.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	body.Close()

	if gotAuth != "Bearer oauth-token" {
		t.Errorf("Authorization = %q, want Bearer oauth-token", gotAuth)
	}
}

func TestStreamReturnsBodyVerbatim(t *testing.T) {
	const sse = "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n"
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sse)
	}))
	defer srv.Close()

	g := New(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	body, err := g.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != sse {
		t.Errorf("body = %q, want %q", got, sse)
	}
}

func TestStreamHTTPError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"quota"}}`)
	}))
	defer srv.Close()

	g := New(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	_, err := g.Stream(context.Background(), testRequest())

	var httpErr *hydra.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("want ErrHTTP, got %v", err)
	}
	if httpErr.Status != 429 {
		t.Errorf("status = %d, want 429", httpErr.Status)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Errorf("retryAfter = %v, want 7s", httpErr.RetryAfter)
	}
}

func TestBuildBodyShape(t *testing.T) {
	req := testRequest()
	req.Tools = []hydra.ToolDefinition{{
		Name:        "read_file",
		Description: "read a file",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}}
	req.ThinkingLevel = "medium"

	raw, err := json.Marshal(buildBody(req))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"systemInstruction", "contents", "tools", "generationConfig"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing top-level key %q", key)
		}
	}

	var tools []map[string]json.RawMessage
	if err := json.Unmarshal(body["tools"], &tools); err != nil {
		t.Fatalf("tools: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("tool entries = %d, want 1", len(tools))
	}
	if _, ok := tools[0]["function_declarations"]; !ok {
		t.Error("missing function_declarations")
	}

	var genConfig struct {
		Temperature    float64 `json:"temperature"`
		ThinkingConfig *struct {
			ThinkingBudget int    `json:"thinkingBudget"`
			ThinkingLevel  string `json:"thinkingLevel"`
		} `json:"thinkingConfig"`
	}
	if err := json.Unmarshal(body["generationConfig"], &genConfig); err != nil {
		t.Fatalf("generationConfig: %v", err)
	}
	if genConfig.ThinkingConfig == nil {
		t.Fatal("missing thinkingConfig for medium level")
	}
	// 2.5-family model: level maps to a numeric budget.
	if genConfig.ThinkingConfig.ThinkingBudget != 4096 {
		t.Errorf("thinkingBudget = %d, want 4096", genConfig.ThinkingConfig.ThinkingBudget)
	}
	if genConfig.ThinkingConfig.ThinkingLevel != "" {
		t.Errorf("unexpected thinkingLevel %q for 2.5 model", genConfig.ThinkingConfig.ThinkingLevel)
	}
}

func TestThinkingConfig(t *testing.T) {
	tests := []struct {
		model, level string
		wantKey      string // "" means omitted
	}{
		{"gemini-2.5-flash", "none", ""},
		{"gemini-2.5-flash", "", ""},
		{"gemini-2.5-pro", "high", "thinkingBudget"},
		{"gemini-3-pro-preview", "low", "thinkingLevel"},
		{"gemini-2.5-flash", "bogus", ""},
	}
	for _, tt := range tests {
		tc := thinkingConfig(tt.model, tt.level)
		if tt.wantKey == "" {
			if tc != nil {
				t.Errorf("thinkingConfig(%q, %q) = %v, want nil", tt.model, tt.level, tc)
			}
			continue
		}
		if tc == nil {
			t.Errorf("thinkingConfig(%q, %q) = nil, want %s", tt.model, tt.level, tt.wantKey)
			continue
		}
		if _, ok := tc[tt.wantKey]; !ok {
			t.Errorf("thinkingConfig(%q, %q) missing key %s", tt.model, tt.level, tt.wantKey)
		}
	}
}
