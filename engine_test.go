package hydra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
)

// Long enough that the synthesis enforcement stage stays quiet.
const longAnswer = "Here is a complete explanation of the behavior you asked about, with enough detail that nothing further should be required from me."

func TestExecuteWithoutCredential(t *testing.T) {
	p := newFakeProvider()
	assembler := NewAssembler(NewRoster(DefaultPersonas()), NewSecretVault(""), nil, nil, nil)
	e := NewEngine(assembler, p, NewToolRegistry())

	text, err, evs := runExecute(t, e, ExecuteRequest{Prompt: "help me please"})
	if text != "" {
		t.Errorf("text = %q", text)
	}
	if err == nil || !strings.Contains(err.Error(), CodeNoAPIKey) {
		t.Fatalf("err = %v", err)
	}
	if len(p.requests()) != 0 {
		t.Error("provider must not be called without a credential")
	}
	found := false
	for _, ev := range evs {
		if ev.Type == EventError && ev.Code == CodeNoAPIKey {
			found = true
		}
	}
	if !found {
		t.Error("no error event with NO_API_KEY code")
	}
	// Fatal paths still terminate the stream with a complete event.
	if !hasEvent(evs, EventComplete) {
		t.Error("no complete event after the error")
	}
}

func TestExecutePlainTextAnswer(t *testing.T) {
	half := len(longAnswer) / 2
	p := newFakeProvider(fakeStream{body: sseBlock(textPart(longAnswer[:half])) + sseBlock(textPart(longAnswer[half:]))})
	e := newTestEngine(p, nil, nil)

	text, err, evs := runExecute(t, e, ExecuteRequest{Prompt: "explain this behavior please"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != longAnswer {
		t.Errorf("text = %q", text)
	}
	if len(p.requests()) != 1 {
		t.Fatalf("provider calls = %d", len(p.requests()))
	}

	if evs[0].Type != EventStart || evs[0].ID == "" || evs[0].Agent == "" {
		t.Errorf("first event = %+v", evs[0])
	}
	if evs[1].Type != EventPlan || len(evs[1].Steps) == 0 {
		t.Errorf("second event = %+v", evs[1])
	}
	last := evs[len(evs)-1]
	if last.Type != EventComplete || last.DurationMs < 0 {
		t.Errorf("last event = %+v", last)
	}
	var streamed strings.Builder
	for _, ev := range evs {
		if ev.Type == EventToken {
			streamed.WriteString(ev.Content)
		}
	}
	if streamed.String() != longAnswer {
		t.Errorf("streamed tokens = %q", streamed.String())
	}
}

func TestExecuteToolLoop(t *testing.T) {
	reg := NewToolRegistry()
	var gotArgs json.RawMessage
	reg.Add(newFakeTool(func(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error) {
		gotArgs = args
		return ToolOutput{Text: "notes contents"}, nil
	}, "read_file"))

	p := newFakeProvider(
		fakeStream{body: sseBlock(callPart("read_file", `{"path":"notes.txt"}`, "sig-1"))},
		fakeStream{body: sseBlock(textPart(longAnswer))},
	)
	e := newTestEngine(p, reg, nil)

	text, err, evs := runExecute(t, e, ExecuteRequest{Prompt: "summarize my notes please"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != longAnswer {
		t.Errorf("text = %q", text)
	}
	if string(gotArgs) != `{"path":"notes.txt"}` {
		t.Errorf("tool args = %s", gotArgs)
	}

	reqs := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d", len(reqs))
	}
	if len(reqs[0].Tools) != 2 {
		t.Errorf("catalog = %d defs, want read_file plus call_agent", len(reqs[0].Tools))
	}

	// Second call replays the model turn and the function response.
	c := reqs[1].Contents
	if len(c) != 3 {
		t.Fatalf("contents = %d turns", len(c))
	}
	modelT := c[1]
	if modelT.Role != "model" || modelT.Parts[0].FunctionCall == nil ||
		modelT.Parts[0].FunctionCall.Name != "read_file" || modelT.Parts[0].ThoughtSignature != "sig-1" {
		t.Errorf("model turn = %+v", modelT)
	}
	userT := c[2]
	fr := userT.Parts[0].FunctionResponse
	if userT.Role != "user" || fr == nil || fr.Name != "read_file" || fr.Response.Result != "notes contents" {
		t.Errorf("function response turn = %+v", userT)
	}
	if userT.Parts[0].ThoughtSignature != "sig-1" {
		t.Errorf("function response lost the thought signature")
	}

	if !hasEvent(evs, EventToolCall) || !hasEvent(evs, EventToolResult) {
		t.Errorf("missing tool events: %v", eventTypes(evs))
	}
	// Tool events of a pass carry the same 1-based number as its iteration
	// event.
	iterNum, callIter := 0, 0
	for _, ev := range evs {
		if ev.Type == EventIteration && iterNum == 0 {
			iterNum = ev.Number
		}
		if ev.Type == EventToolCall && callIter == 0 {
			callIter = ev.Iteration
		}
	}
	if iterNum != 1 || callIter != 1 {
		t.Errorf("iteration event = %d, tool_call iteration = %d, want both 1", iterNum, callIter)
	}
}

func TestExecuteCircuitOpen(t *testing.T) {
	p := newFakeProvider()
	set := NewBreakerSet()
	b := set.Get(p.Name())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	e := newTestEngine(p, nil, nil, EngineBreakers(set))

	_, err, evs := runExecute(t, e, ExecuteRequest{Prompt: "help me please"})
	if err == nil || !strings.Contains(err.Error(), CodeCircuitOpen) {
		t.Fatalf("err = %v", err)
	}
	if len(p.requests()) != 0 {
		t.Error("open breaker must reject before any upstream contact")
	}
	if !hasEvent(evs, EventError) {
		t.Error("no error event emitted")
	}
}

func TestExecuteCircuitOpenLeavesNoMessageTrail(t *testing.T) {
	store := &memStore{}
	p := newFakeProvider()
	set := NewBreakerSet()
	b := set.Get(p.Name())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	e := newTestEngine(p, nil, store, EngineBreakers(set))

	_, err, _ := runExecute(t, e, ExecuteRequest{Prompt: "help me please", SessionID: "sess-open"})
	if err == nil || !strings.Contains(err.Error(), CodeCircuitOpen) {
		t.Fatalf("err = %v", err)
	}

	// Usage accounting records the rejected attempt; no conversation rows do.
	waitFor(t, func() bool { return len(store.usageRows()) == 1 })
	if store.usageRows()[0].Success {
		t.Error("rejected request recorded as success")
	}
	if got := store.savedMessages(); len(got) != 0 {
		t.Errorf("saved rows = %+v, want none", got)
	}
}

func TestExecuteMalformedRetriesWithoutTools(t *testing.T) {
	p := newFakeProvider(
		fakeStream{body: malformedBlock()},
		fakeStream{body: sseBlock(textPart(longAnswer))},
	)
	e := newTestEngine(p, nil, nil)

	text, err, _ := runExecute(t, e, ExecuteRequest{Prompt: "help me please"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != longAnswer {
		t.Errorf("text = %q", text)
	}

	reqs := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d", len(reqs))
	}
	if reqs[1].Tools != nil {
		t.Error("retry must strip the tool catalog")
	}
	if !strings.HasSuffix(reqs[1].SystemPrompt, "Answer directly, do not attempt to call tools.") {
		t.Errorf("system prompt = %q", reqs[1].SystemPrompt)
	}
}

func TestExecuteFallbackReplayOnEmptyResult(t *testing.T) {
	p := newFakeProvider(
		fakeStream{body: ""},
		fakeStream{body: sseBlock(textPart(longAnswer))},
	)
	e := newTestEngine(p, nil, nil)

	text, err, _ := runExecute(t, e, ExecuteRequest{Prompt: "help me please"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != longAnswer {
		t.Errorf("text = %q", text)
	}

	reqs := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d", len(reqs))
	}
	if reqs[0].Model == CheapestModel {
		t.Fatalf("primary already ran on the fallback model %s", reqs[0].Model)
	}
	if reqs[1].Model != CheapestModel {
		t.Errorf("fallback model = %s, want %s", reqs[1].Model, CheapestModel)
	}
	if reqs[1].ThinkingLevel != "none" {
		t.Errorf("fallback thinking = %q", reqs[1].ThinkingLevel)
	}
	if reqs[1].MaxOutputTokens != MaxOutputTokensFor(CheapestModel) {
		t.Errorf("fallback max tokens = %d", reqs[1].MaxOutputTokens)
	}
}

func TestExecuteEarlyTerminationThenSynthesis(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(newFakeTool(func(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error) {
		return ToolOutput{Text: "ok"}, nil
	}, "probe"))

	scripts := make([]fakeStream, 0, 10)
	for i := 0; i < 9; i++ {
		scripts = append(scripts, fakeStream{body: sseBlock(callPart("probe", `{}`, ""))})
	}
	scripts = append(scripts, fakeStream{body: sseBlock(textPart("Synthesis report text."))})
	p := newFakeProvider(scripts...)
	e := newTestEngine(p, reg, nil)

	text, err, evs := runExecute(t, e, ExecuteRequest{Prompt: "help me please"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(text, "(Stopping: repeated tool calls are not producing an answer.)") {
		t.Errorf("termination note missing: %q", text)
	}
	if !strings.HasSuffix(text, "Synthesis report text.") {
		t.Errorf("synthesis text missing: %q", text)
	}

	reqs := p.requests()
	if len(reqs) != 10 {
		t.Fatalf("provider calls = %d, want 9 loop calls plus synthesis", len(reqs))
	}
	synth := reqs[9]
	if synth.Tools != nil {
		t.Error("synthesis call must carry no tools")
	}
	lastTurn := synth.Contents[len(synth.Contents)-1]
	if lastTurn.Parts[0].Text != "Write your structured report now." {
		t.Errorf("synthesis instruction = %q", lastTurn.Parts[0].Text)
	}

	noteStreamed := false
	for _, ev := range evs {
		if ev.Type == EventToken && strings.Contains(ev.Content, "Stopping: repeated tool calls") {
			noteStreamed = true
		}
	}
	if !noteStreamed {
		t.Error("termination note was not streamed as a token")
	}
}

func TestExecuteEditPhaseAppliesPromisedFix(t *testing.T) {
	answer := "The root cause is a nil map write; the fix is replacing the map initialization inside the constructor with make, as shown in detail above."
	var editCalled atomic.Bool
	reg := NewToolRegistry()
	reg.Add(newFakeTool(func(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error) {
		editCalled.Store(true)
		return ToolOutput{Text: "applied"}, nil
	}, "edit_file"))

	p := newFakeProvider(
		fakeStream{body: sseBlock(textPart(answer))},
		fakeStream{body: sseBlock(callPart("edit_file", `{"path":"a.go","old":"x","new":"y"}`, ""))},
	)
	e := newTestEngine(p, reg, nil)

	text, err, _ := runExecute(t, e, ExecuteRequest{Prompt: "please repair the constructor"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != answer {
		t.Errorf("text = %q", text)
	}
	if !editCalled.Load() {
		t.Fatal("edit phase never executed the mutating tool")
	}

	reqs := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d", len(reqs))
	}
	if len(reqs[1].Tools) != 1 || reqs[1].Tools[0].Name != "edit_file" {
		t.Errorf("edit phase tools = %+v", reqs[1].Tools)
	}
	last := reqs[1].Contents[len(reqs[1].Contents)-1]
	if last.Parts[0].Text != "You described a fix but never applied it. Call edit_file or write_file now." {
		t.Errorf("enforcement message = %q", last.Parts[0].Text)
	}
}

func TestExecuteSynthesisAfterShortToolAnswer(t *testing.T) {
	reg := NewToolRegistry()
	reg.Add(newFakeTool(func(ctx context.Context, name string, args json.RawMessage) (ToolOutput, error) {
		return ToolOutput{Text: "ok"}, nil
	}, "probe"))
	p := newFakeProvider(
		fakeStream{body: sseBlock(callPart("probe", `{}`, ""))},
		fakeStream{body: sseBlock(textPart("done."))},
		fakeStream{body: sseBlock(textPart(" Full report of what was checked and found."))},
	)
	e := newTestEngine(p, reg, nil)

	text, err, _ := runExecute(t, e, ExecuteRequest{Prompt: "help me please"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != "done. Full report of what was checked and found." {
		t.Errorf("text = %q", text)
	}
	if len(p.requests()) != 3 {
		t.Fatalf("provider calls = %d", len(p.requests()))
	}
}

func TestExecutePersistsTrailAndUsage(t *testing.T) {
	store := &memStore{}
	p := newFakeProvider(fakeStream{body: sseBlock(textPart(longAnswer))})
	e := newTestEngine(p, nil, store)

	_, err, _ := runExecute(t, e, ExecuteRequest{Prompt: "help me please", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}

	waitFor(t, func() bool { return len(store.savedMessages()) == 2 && len(store.usageRows()) == 1 })

	saved := store.savedMessages()
	if saved[0].Role != "user" || saved[0].Content != "help me please" || saved[0].SessionID != "sess-1" {
		t.Errorf("user row = %+v", saved[0])
	}
	if saved[1].Role != "assistant" || saved[1].Content != longAnswer {
		t.Errorf("assistant row = %+v", saved[1])
	}
	if saved[0].Agent != "eskel" {
		t.Errorf("agent = %s", saved[0].Agent)
	}

	u := store.usageRows()[0]
	if u.Agent != "eskel" || !u.Success {
		t.Errorf("usage = %+v", u)
	}
	if u.Tier != ModelTier(u.Model) {
		t.Errorf("tier = %s for model %s", u.Tier, u.Model)
	}
	if u.OutToks != EstimateTokens(longAnswer) {
		t.Errorf("out tokens = %d", u.OutToks)
	}
}

func TestExecuteDelegationReentersEngine(t *testing.T) {
	parentFinal := "After delegating the drafting work I reviewed the produced note and it covers every point the team needs, so we are finished here."
	p := newFakeProvider(
		fakeStream{body: sseBlock(callPart(CallAgentTool, `{"agent":"jaskier","task":"draft a short note for the team"}`, ""))},
		fakeStream{body: sseBlock(textPart(longAnswer))},
		fakeStream{body: sseBlock(textPart(parentFinal))},
	)
	e := newTestEngine(p, nil, nil)

	text, err, evs := runExecute(t, e, ExecuteRequest{Prompt: "delegate the drafting work please"})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if text != parentFinal {
		t.Errorf("text = %q", text)
	}

	reqs := p.requests()
	if len(reqs) != 3 {
		t.Fatalf("provider calls = %d", len(reqs))
	}
	if !strings.Contains(reqs[1].SystemPrompt, "Jaskier") {
		t.Errorf("child system prompt = %q", reqs[1].SystemPrompt)
	}
	fr := reqs[2].Contents[len(reqs[2].Contents)-1].Parts[0].FunctionResponse
	if fr == nil || fr.Name != CallAgentTool || fr.Response.Result != longAnswer {
		t.Errorf("delegation response = %+v", fr)
	}

	starts := 0
	for _, ev := range evs {
		if ev.Type == EventStart {
			starts++
		}
	}
	if starts != 2 {
		t.Errorf("start events = %d, the child run should share the channel", starts)
	}
}

func TestExecuteUpstreamFailureSurfacesCode(t *testing.T) {
	store := &memStore{}
	p := newFakeProvider(
		fakeStream{err: &ErrHTTP{Status: 500, Body: "upstream broke"}},
		fakeStream{err: &ErrHTTP{Status: 500, Body: "upstream broke"}},
	)
	e := newTestEngine(p, nil, store)

	_, err, evs := runExecute(t, e, ExecuteRequest{Prompt: "help me please"})
	if err == nil || !strings.Contains(err.Error(), CodeGeminiError) {
		t.Fatalf("err = %v", err)
	}
	if !hasEvent(evs, EventError) {
		t.Error("no error event")
	}

	waitFor(t, func() bool { return len(store.usageRows()) == 1 })
	if store.usageRows()[0].Success {
		t.Error("failed request recorded as success")
	}
}

func TestExecuteCancelledKeepsPartialAnswer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &memStore{}
	p := streamProvider{rc: &flakyStream{
		chunks:  []string{sseBlock(textPart("The first half of the answer"))},
		err:     context.Canceled,
		onEmpty: cancel,
	}}
	e := newTestEngine(p, nil, store)

	events := make(chan ServerEvent, 256)
	text, err := e.Execute(ctx, ExecuteRequest{Prompt: "help me please", SessionID: "sess-c"}, events)
	evs := drainEvents(events)

	if err != nil {
		t.Fatalf("cancellation surfaced as error: %v", err)
	}
	if text != "The first half of the answer" {
		t.Errorf("text = %q", text)
	}
	if hasEvent(evs, EventError) {
		t.Error("error event emitted for a cancelled request")
	}
	if !hasEvent(evs, EventComplete) {
		t.Error("no complete event")
	}

	// The partial assistant turn is still persisted.
	waitFor(t, func() bool { return len(store.savedMessages()) == 2 })
	saved := store.savedMessages()
	if saved[1].Role != "assistant" || saved[1].Content != "The first half of the answer" {
		t.Errorf("persisted turn = %+v", saved[1])
	}
}

func TestExecuteStreamBreakAfterTokensIsNonFatal(t *testing.T) {
	store := &memStore{}
	p := streamProvider{rc: &flakyStream{
		chunks: []string{sseBlock(textPart("Partial findings so far"))},
		err:    errors.New("connection reset by peer"),
	}}
	e := newTestEngine(p, nil, store)

	text, err, evs := runExecute(t, e, ExecuteRequest{Prompt: "help me please"})
	if err != nil {
		t.Fatalf("partial stream surfaced as error: %v", err)
	}
	if text != "Partial findings so far" {
		t.Errorf("text = %q", text)
	}
	if hasEvent(evs, EventError) {
		t.Error("error event emitted despite streamed tokens")
	}
	if !hasEvent(evs, EventComplete) {
		t.Error("no complete event")
	}

	waitFor(t, func() bool { return len(store.usageRows()) == 1 })
	if store.usageRows()[0].Success {
		t.Error("broken stream recorded as success")
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&ErrCircuitOpen{RetryIn: 2}, CodeCircuitOpen},
		{context.DeadlineExceeded, CodeTimeout},
		{&ErrSecurity{Message: "blocked"}, CodeSecurity},
		{fmt.Errorf("%w: conn reset", errStreamRead), CodeStreamError},
		{&ErrHTTP{Status: 500}, CodeGeminiError},
		{errors.New("anything else"), CodeRequestFailed},
	}
	for _, c := range cases {
		if got := errorCode(c.err); got != c.want {
			t.Errorf("errorCode(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestReminderPart(t *testing.T) {
	contents := []Content{
		TextContent("user", strings.Repeat("a", 2048)),
		{Role: "user", Parts: []Part{{FunctionResponse: &FunctionResponse{Name: "probe", Response: ToolResponse{Result: strings.Repeat("b", 1024)}}}}},
	}

	p := reminderPart(contents, 3, 15, false)
	if !strings.HasPrefix(p.Text, "[CONTEXT: ~3kb across 2 msgs, iter 4/15]") {
		t.Errorf("reminder = %q", p.Text)
	}
	if !strings.Contains(p.Text, "Remember to call edit_file or write_file") {
		t.Errorf("unmutated reminder = %q", p.Text)
	}

	mutated := reminderPart(contents, 3, 15, true)
	if !strings.Contains(mutated.Text, "You have already applied edits.") {
		t.Errorf("mutated reminder = %q", mutated.Text)
	}

	nudge := reminderPart(contents, 8, 15, false)
	if !strings.Contains(nudge.Text, "Consider applying edits now.") {
		t.Errorf("nudge = %q", nudge.Text)
	}
	wrap := reminderPart(contents, 12, 15, false)
	if !strings.Contains(wrap.Text, "Approaching the iteration limit, wrap up.") {
		t.Errorf("wrap-up = %q", wrap.Text)
	}
	if strings.Contains(wrap.Text, "Consider applying edits now.") {
		t.Errorf("wrap-up should replace the nudge: %q", wrap.Text)
	}
}

func TestHasFixIntent(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"I will fix the handler", true},
		{"call edit_file with the patch", true},
		{"Popraw tę funkcję w ten sposób", true},
		{"Zmień nazwę zmiennej", true},
		{"Here is a summary of the findings", false},
		{"", false},
	}
	for _, c := range cases {
		if got := hasFixIntent(c.text); got != c.want {
			t.Errorf("hasFixIntent(%q) = %v", c.text, got)
		}
	}
}
