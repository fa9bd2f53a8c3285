package hydra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Engine budgets.
const (
	globalDeadline     = 300 * time.Second
	reminderStart      = 3
	editNudgeIteration = 8
	wrapUpIteration    = 12
	earlyTermIteration = 8
	minMeaningfulText  = 50
	synthesisThreshold = 100
	persistTimeout     = 10 * time.Second
)

var errStreamRead = errors.New("stream read failed")

// Engine drives the full request lifecycle: assemble once, then iterate
// send → parse → dispatch until the model stops calling tools, followed by
// the edit and synthesis enforcement stages and fire-and-forget persistence.
type Engine struct {
	assembler  *Assembler
	provider   Provider
	registry   *ToolRegistry
	dispatcher *Dispatcher
	breakers   *BreakerSet
	store      SessionStore
	tracer     Tracer
	logger     *slog.Logger
	workDir    string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// EngineStore sets the session store. Without one, history, persona locks,
// and persistence are skipped.
func EngineStore(s SessionStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// EngineTracer sets the span tracer.
func EngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// EngineLogger sets the structured logger.
func EngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// EngineWorkDir sets the default working directory for requests that do not
// carry one, including delegated sub-requests.
func EngineWorkDir(dir string) EngineOption {
	return func(e *Engine) { e.workDir = dir }
}

// EngineBreakers shares a breaker set across engines.
func EngineBreakers(b *BreakerSet) EngineOption {
	return func(e *Engine) { e.breakers = b }
}

// NewEngine wires an engine. The provider should already be wrapped with
// WithRetry; the engine adds the circuit breaker on top.
func NewEngine(assembler *Assembler, provider Provider, registry *ToolRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		assembler: assembler,
		provider:  provider,
		registry:  registry,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	if e.breakers == nil {
		e.breakers = NewBreakerSet()
	}
	e.dispatcher = NewDispatcher(registry, e.delegate, e.logger)
	return e
}

// delegate re-enters the engine for a call_agent delegation. The child run
// shares the caller's event channel so its activity stays visible.
func (e *Engine) delegate(ctx context.Context, agent, task string, depth int, ch chan<- ServerEvent) (string, error) {
	return e.Execute(ctx, ExecuteRequest{Prompt: task, Mode: agent, CallDepth: depth}, ch)
}

// Execute runs one request to completion, emitting events on events as they
// happen, and returns the accumulated model text. Cancelling ctx aborts the
// upstream read and pending tools; partial text is still persisted. The
// caller owns the channel and closes it after Execute returns.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest, events chan<- ServerEvent) (string, error) {
	start := time.Now()
	rid := NewID()
	ctx, cancel := context.WithTimeout(ctx, globalDeadline)
	defer cancel()
	done := ctx.Done()

	if req.WorkingDir == "" {
		req.WorkingDir = e.workDir
	}

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "hydra.execute",
			StringAttr("request.id", rid),
			IntAttr("call.depth", req.CallDepth))
		defer span.End()
	}

	env := e.assembler.Assemble(ctx, req)
	if span != nil {
		span.SetAttr(StringAttr("persona", env.PersonaID), StringAttr("model", env.Model))
	}
	emit(events, done, ServerEvent{Type: EventStart, ID: rid, Agent: env.PersonaID, Model: env.Model, FilesLoaded: env.FilesLoaded})
	emit(events, done, ServerEvent{Type: EventPlan, Confidence: env.Confidence, Steps: env.Steps, Reasoning: env.Reasoning})

	if env.Credential == "" {
		// Fatal paths all terminate error then complete.
		err := e.fail(events, span, CodeNoAPIKey, "no API key or OAuth token configured")
		emitFinal(events, ServerEvent{Type: EventComplete, DurationMs: time.Since(start).Milliseconds()})
		return "", err
	}

	contents := loadSessionHistory(ctx, e.store, env.SessionID, e.logger)
	contents = append(contents, TextContent("user", env.FinalUserPrompt))

	breaker := e.breakers.Get(e.provider.Name())
	catalog := e.registry.Definitions()

	var full strings.Builder
	mutated := false
	toolCallsTotal := 0
	usedFallback := false
	success := true
	var finalErr error

	for i := 0; i < env.MaxIterations; i++ {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				finalErr = e.fail(events, span, CodeTimeout, "global deadline exceeded")
			}
			success = finalErr == nil
			break
		}
		if err := breaker.Check(); err != nil {
			finalErr = e.fail(events, span, CodeCircuitOpen, err.Error())
			success = false
			break
		}
		if span != nil {
			span.Event("iteration", IntAttr("number", i+1))
		}
		emit(events, done, ServerEvent{Type: EventIteration, Number: i + 1, Max: env.MaxIterations})

		text, calls, malformed, err := e.streamOnce(ctx, env, contents, catalog, "", events)
		if errors.Is(err, context.Canceled) {
			// Caller went away: keep whatever arrived and finish cleanly.
			full.WriteString(text)
			break
		}
		if errors.Is(err, context.DeadlineExceeded) {
			full.WriteString(text)
			finalErr = e.fail(events, span, CodeTimeout, "global deadline exceeded")
			success = false
			break
		}
		if errors.Is(err, errStreamRead) && text != "" {
			// The stream broke after producing tokens; the partial answer
			// already streamed, so surface it rather than an error.
			breaker.RecordFailure()
			full.WriteString(text)
			success = false
			break
		}
		if err != nil || (text == "" && len(calls) == 0 && !malformed) {
			if err != nil {
				breaker.RecordFailure()
			}
			if !usedFallback && env.Model != CheapestModel && ctx.Err() == nil {
				usedFallback = true
				e.logger.Warn("primary model produced nothing, replaying on fallback",
					"from", env.Model, "to", CheapestModel, "error", err)
				env.Model = CheapestModel
				env.MaxOutputTokens = MaxOutputTokensFor(CheapestModel)
				env.ThinkingLevel = "none"
				text, calls, malformed, err = e.streamOnce(ctx, env, contents, catalog, "", events)
			}
			if err != nil {
				finalErr = e.fail(events, span, errorCode(err), TruncateErr(err.Error(), 500))
				success = false
				break
			}
			if text == "" && len(calls) == 0 && !malformed {
				// The upstream answered, just with nothing; the probe still
				// resolved.
				breaker.RecordSuccess()
				break
			}
		}
		if err == nil {
			breaker.RecordSuccess()
		}

		full.WriteString(text)

		if malformed && text == "" {
			e.retryWithoutTools(ctx, env, contents, events, &full)
			break
		}
		if len(calls) == 0 {
			if text != "" {
				contents = append(contents, modelTurn(text, nil))
			}
			break
		}
		toolCallsTotal += len(calls)

		if i >= earlyTermIteration && text == "" && full.Len() < minMeaningfulText {
			const note = "\n\n(Stopping: repeated tool calls are not producing an answer.)"
			full.WriteString(note)
			emit(events, done, ServerEvent{Type: EventToken, Content: note})
			break
		}

		parts, outcomes := e.dispatcher.Run(ctx, calls, i, env.CallDepth, events)
		for _, o := range outcomes {
			if mutatingTools[o.Name] && !o.IsError {
				mutated = true
			}
		}
		contents = append(contents, modelTurn(text, calls))
		if i >= reminderStart {
			parts = append(parts, reminderPart(contents, i, env.MaxIterations, mutated))
		}
		contents = append(contents, Content{Role: "user", Parts: parts})
	}

	if finalErr == nil && success && ctx.Err() == nil {
		if !mutated && full.Len() > 0 && hasFixIntent(full.String()) {
			mutated = e.editPhase(ctx, env, contents, events, &full)
		}
		if full.Len() < synthesisThreshold && (toolCallsTotal > 0 || full.Len() > 0) {
			e.synthesisPhase(ctx, env, contents, events, &full)
		}
	}

	latency := time.Since(start)
	e.persist(env, req, rid, full.String(), latency, success)
	emitFinal(events, ServerEvent{Type: EventComplete, DurationMs: latency.Milliseconds()})
	return full.String(), finalErr
}

// streamOnce performs one upstream call and consumes the whole stream,
// forwarding text tokens to events as they arrive. systemExtra is appended
// to the system prompt for enforcement-stage calls.
func (e *Engine) streamOnce(ctx context.Context, env Envelope, contents []Content, tools []ToolDefinition, systemExtra string, events chan<- ServerEvent) (string, []*StreamFunctionCall, bool, error) {
	body, err := e.provider.Stream(ctx, GenerateRequest{
		Model:           env.Model,
		Credential:      env.Credential,
		IsOAuth:         env.IsOAuth,
		SystemPrompt:    env.SystemPrompt + systemExtra,
		Contents:        contents,
		Tools:           tools,
		Temperature:     env.Temperature,
		TopP:            env.TopP,
		MaxOutputTokens: env.MaxOutputTokens,
		ThinkingLevel:   env.ThinkingLevel,
	})
	if err != nil {
		return "", nil, false, err
	}
	defer body.Close()

	done := ctx.Done()
	parser := NewStreamParser(e.logger)
	var text strings.Builder
	var calls []*StreamFunctionCall
	malformed := false
	handle := func(evs []ParsedEvent) {
		for _, ev := range evs {
			switch ev.Kind {
			case StreamText:
				text.WriteString(ev.Text)
				emit(events, done, ServerEvent{Type: EventToken, Content: ev.Text})
			case StreamFunctionCallKind:
				calls = append(calls, ev.Call)
			case StreamMalformed:
				malformed = true
			}
		}
	}

	buf := make([]byte, 8192)
	for {
		if ctx.Err() != nil {
			return text.String(), calls, malformed, ctx.Err()
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			handle(parser.Feed(buf[:n]))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return text.String(), calls, malformed, ctx.Err()
			}
			return text.String(), calls, malformed, fmt.Errorf("%w: %v", errStreamRead, readErr)
		}
	}
	handle(parser.Flush())
	return text.String(), calls, malformed, nil
}

// retryWithoutTools reissues the current turn with the tool catalog stripped
// after a malformed function call produced no text, then the loop ends.
func (e *Engine) retryWithoutTools(ctx context.Context, env Envelope, contents []Content, events chan<- ServerEvent, full *strings.Builder) {
	const instruction = "\n\nAnswer directly, do not attempt to call tools."
	text, _, _, err := e.streamOnce(ctx, env, contents, nil, instruction, events)
	if err != nil {
		e.logger.Warn("retry without tools failed", "error", err)
		return
	}
	full.WriteString(text)
}

// editPhase runs one extra call with the catalog restricted to the mutating
// tools when the model described a fix it never applied. Returned calls are
// executed; there is no further looping. Reports whether a mutation ran.
func (e *Engine) editPhase(ctx context.Context, env Envelope, contents []Content, events chan<- ServerEvent, full *strings.Builder) bool {
	contents = append(contents, TextContent("user",
		"You described a fix but never applied it. Call edit_file or write_file now."))
	tools := e.registry.Restricted("edit_file", "write_file")

	text, calls, _, err := e.streamOnce(ctx, env, contents, tools, "", events)
	if err != nil {
		e.logger.Warn("edit phase call failed", "error", err)
		return false
	}
	full.WriteString(text)
	if len(calls) == 0 {
		return false
	}
	_, outcomes := e.dispatcher.Run(ctx, calls, env.MaxIterations, env.CallDepth, events)
	for _, o := range outcomes {
		if mutatingTools[o.Name] && !o.IsError {
			return true
		}
	}
	return false
}

// synthesisPhase runs one final call with no tools when the model produced
// work but almost no prose, and appends the returned text.
func (e *Engine) synthesisPhase(ctx context.Context, env Envelope, contents []Content, events chan<- ServerEvent, full *strings.Builder) {
	contents = append(contents, TextContent("user", "Write your structured report now."))
	text, _, _, err := e.streamOnce(ctx, env, contents, nil, "", events)
	if err != nil {
		e.logger.Warn("synthesis phase call failed", "error", err)
		return
	}
	full.WriteString(text)
}

// persist writes the conversation trail and usage row without blocking the
// response. Only top-level requests persist; delegated sub-runs are part of
// the parent's trail. Store failures are logged, never surfaced.
func (e *Engine) persist(env Envelope, req ExecuteRequest, rid, fullText string, latency time.Duration, success bool) {
	if e.store == nil || env.CallDepth > 0 {
		return
	}
	logger := e.logger
	store := e.store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		// A request that failed without producing output leaves no message
		// trail; only usage accounting records the attempt.
		if env.SessionID != "" && (success || fullText != "") {
			if err := store.SaveMessage(ctx, rid, env.SessionID, "user", req.Prompt, env.Model, env.PersonaID); err != nil {
				logger.Warn("user message persist failed", "error", err)
			}
			if err := store.SaveMessage(ctx, rid, env.SessionID, "assistant", fullText, env.Model, env.PersonaID); err != nil {
				logger.Warn("assistant message persist failed", "error", err)
			}
		}
		inToks := EstimateTokens(env.SystemPrompt) + EstimateTokens(env.FinalUserPrompt)
		outToks := EstimateTokens(fullText)
		if err := store.RecordUsage(ctx, env.PersonaID, env.Model, inToks, outToks, latency.Milliseconds(), success, ModelTier(env.Model)); err != nil {
			logger.Warn("usage persist failed", "error", err)
		}
	}()
}

// fail emits an error event and returns the matching error.
func (e *Engine) fail(events chan<- ServerEvent, span Span, code, msg string) error {
	emitFinal(events, ServerEvent{Type: EventError, Code: code, Message: msg})
	err := fmt.Errorf("%s: %s", code, msg)
	if span != nil {
		span.Error(err)
	}
	e.logger.Error("request failed", "code", code, "message", msg)
	return err
}

// emitFinal delivers terminal events (error, complete) even after the
// request context is cancelled, as long as the consumer is still draining.
func emitFinal(ch chan<- ServerEvent, ev ServerEvent) {
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case ch <- ev:
	case <-t.C:
	}
}

// modelTurn rebuilds the model's turn from the accumulated text and calls,
// echoing each call's thought signature for the replay.
func modelTurn(text string, calls []*StreamFunctionCall) Content {
	var parts []Part
	if text != "" {
		parts = append(parts, Part{Text: text})
	}
	for _, c := range calls {
		parts = append(parts, Part{
			FunctionCall:     &FunctionCall{Name: c.Name, Args: c.Args},
			ThoughtSignature: rawThoughtSignature(c.Raw),
		})
	}
	return Content{Role: "model", Parts: parts}
}

// reminderPart builds the synthetic system note appended to the next user
// turn from iteration three onward.
func reminderPart(contents []Content, iter, maxIter int, mutated bool) Part {
	size := 0
	for _, c := range contents {
		for _, p := range c.Parts {
			size += len(p.Text)
			if p.FunctionResponse != nil {
				size += len(p.FunctionResponse.Response.Result)
			}
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[CONTEXT: ~%dkb across %d msgs, iter %d/%d]", size/1024, len(contents), iter+1, maxIter)
	if mutated {
		b.WriteString(" You have already applied edits.")
	} else {
		b.WriteString(" Remember to call edit_file or write_file when the task requires a change.")
	}
	switch {
	case iter >= wrapUpIteration:
		b.WriteString(" Approaching the iteration limit, wrap up.")
	case iter >= editNudgeIteration:
		b.WriteString(" Consider applying edits now.")
	}
	return Part{Text: b.String()}
}

// hasFixIntent reports whether the accumulated text talks about a change
// without having made one. Matching runs over folded lowercase text so the
// Polish synonyms hit regardless of diacritics.
func hasFixIntent(text string) bool {
	folded := strings.ToLower(Fold(text))
	for _, marker := range []string{"fix", "edit_file", "write_file", "napraw", "popraw", "zmien"} {
		if strings.Contains(folded, marker) {
			return true
		}
	}
	return false
}

// errorCode maps an engine failure to the caller-facing code.
func errorCode(err error) string {
	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return CodeCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var sec *ErrSecurity
	if errors.As(err, &sec) {
		return CodeSecurity
	}
	if errors.Is(err, errStreamRead) {
		return CodeStreamError
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return CodeGeminiError
	}
	return CodeRequestFailed
}
