package hydra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProvider replays scripted stream bodies in call order. Exhausting the
// script fails the call, which makes a test that over-calls upstream visible.
type fakeProvider struct {
	mu      sync.Mutex
	name    string
	scripts []fakeStream
	reqs    []GenerateRequest
}

type fakeStream struct {
	body string
	err  error
}

func newFakeProvider(scripts ...fakeStream) *fakeProvider {
	return &fakeProvider{name: "fake", scripts: scripts}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Stream(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.scripts) == 0 {
		return nil, fmt.Errorf("fake provider: unscripted call %d", len(f.reqs))
	}
	s := f.scripts[0]
	f.scripts = f.scripts[1:]
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.body)), nil
}

func (f *fakeProvider) requests() []GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]GenerateRequest(nil), f.reqs...)
}

// flakyStream hands out its chunks one Read at a time, then calls onEmpty
// (if set) and fails with err. Tests use it to break a stream mid-flight.
type flakyStream struct {
	chunks  []string
	err     error
	onEmpty func()
}

func (s *flakyStream) Read(p []byte) (int, error) {
	if len(s.chunks) > 0 {
		n := copy(p, s.chunks[0])
		s.chunks = s.chunks[1:]
		return n, nil
	}
	if s.onEmpty != nil {
		s.onEmpty()
	}
	return 0, s.err
}

func (s *flakyStream) Close() error { return nil }

// streamProvider serves a single prepared body.
type streamProvider struct {
	rc io.ReadCloser
}

func (s streamProvider) Name() string { return "scripted" }

func (s streamProvider) Stream(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	return s.rc, nil
}

// routedProvider picks the scripted response whose key appears in the
// request's system prompt. Concurrent agents can then share one provider
// without script-order races.
type routedProvider struct {
	mu      sync.Mutex
	answers map[string]fakeStream
}

func (r *routedProvider) Name() string { return "routed" }

func (r *routedProvider) Stream(ctx context.Context, req GenerateRequest) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lower := strings.ToLower(req.SystemPrompt)
	for key, s := range r.answers {
		if strings.Contains(lower, key) {
			if s.err != nil {
				return nil, s.err
			}
			return io.NopCloser(strings.NewReader(s.body)), nil
		}
	}
	return nil, fmt.Errorf("routed provider: no scripted answer matches the request")
}

// sseBlock wraps envelope parts into one data block.
func sseBlock(parts ...string) string {
	return fmt.Sprintf("data: {\"candidates\":[{\"content\":{\"parts\":[%s]}}]}\n\n", strings.Join(parts, ","))
}

func textPart(text string) string {
	b, _ := json.Marshal(text)
	return fmt.Sprintf(`{"text":%s}`, b)
}

func callPart(name, args, signature string) string {
	p := fmt.Sprintf(`{"functionCall":{"name":%q,"args":%s}`, name, args)
	if signature != "" {
		p += fmt.Sprintf(`,"thoughtSignature":%q`, signature)
	}
	return p + "}"
}

func malformedBlock() string {
	return "data: {\"candidates\":[{\"content\":{},\"finishReason\":\"MALFORMED_FUNCTION_CALL\"}]}\n\n"
}

// fakeTool answers every declared name through a single handler.
type fakeTool struct {
	defs    []ToolDefinition
	handler func(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error)
}

func (t *fakeTool) Definitions() []ToolDefinition { return t.defs }

func (t *fakeTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error) {
	return t.handler(ctx, name, args)
}

func newFakeTool(handler func(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error), names ...string) *fakeTool {
	defs := make([]ToolDefinition, len(names))
	for i, n := range names {
		defs[i] = ToolDefinition{
			Name:       n,
			Parameters: json.RawMessage(`{"type":"object"}`),
		}
	}
	return &fakeTool{defs: defs, handler: handler}
}

type savedMessage struct {
	RequestID, SessionID, Role, Content, Model, Agent string
}

type usageRow struct {
	Agent, Model    string
	InToks, OutToks int
	LatencyMs       int64
	Success         bool
	Tier            string
}

// memStore is an in-memory SessionStore capturing writes for assertions.
type memStore struct {
	mu        sync.Mutex
	rows      []HistoryRow
	loadErr   error
	lockAgent string
	saved     []savedMessage
	usage     []usageRow
}

func (s *memStore) LoadHistory(ctx context.Context, sessionID string) ([]HistoryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]HistoryRow(nil), s.rows...), nil
}

func (s *memStore) SessionAgent(ctx context.Context, sessionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockAgent, s.lockAgent != "", nil
}

func (s *memStore) SaveMessage(ctx context.Context, rid, sessionID, role, content, model, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedMessage{rid, sessionID, role, content, model, agent})
	return nil
}

func (s *memStore) RecordUsage(ctx context.Context, agentID, model string, inToks, outToks int, latencyMs int64, success bool, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usageRow{agentID, model, inToks, outToks, latencyMs, success, tier})
	return nil
}

func (s *memStore) savedMessages() []savedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedMessage(nil), s.saved...)
}

func (s *memStore) usageRows() []usageRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usageRow(nil), s.usage...)
}

// waitFor polls cond until it holds or the deadline expires. Persistence is
// fire-and-forget, so tests asserting on it have to wait.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// newTestEngine wires an engine on the fake provider with an API key set.
func newTestEngine(p Provider, registry *ToolRegistry, store SessionStore, opts ...EngineOption) *Engine {
	if registry == nil {
		registry = NewToolRegistry()
	}
	roster := NewRoster(DefaultPersonas())
	secrets := NewSecretVault("test-key")
	assembler := NewAssembler(roster, secrets, store, nil, nil)
	opts = append([]EngineOption{EngineStore(store)}, opts...)
	return NewEngine(assembler, p, registry, opts...)
}

// runExecute drives one request and drains the buffered events afterwards.
func runExecute(t *testing.T, e *Engine, req ExecuteRequest) (string, error, []ServerEvent) {
	t.Helper()
	events := make(chan ServerEvent, 256)
	text, err := e.Execute(context.Background(), req, events)
	var evs []ServerEvent
	for {
		select {
		case ev := <-events:
			evs = append(evs, ev)
		default:
			return text, err, evs
		}
	}
}

func eventTypes(evs []ServerEvent) []ServerEventType {
	types := make([]ServerEventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func hasEvent(evs []ServerEvent, typ ServerEventType) bool {
	for _, ev := range evs {
		if ev.Type == typ {
			return true
		}
	}
	return false
}
