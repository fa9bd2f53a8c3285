package hydra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Dispatcher deadlines and limits.
const (
	toolCallTimeout    = 30 * time.Second
	agentCallTimeout   = 120 * time.Second
	heartbeatInterval  = 15 * time.Second
	maxParallelTools   = 10
	maxDelegationDepth = 3
)

// DelegateFunc re-enters the engine for a call_agent delegation. It runs the
// full loop for the target persona at the given depth and returns the final
// text. Caller-visible events from the child run go to ch.
type DelegateFunc func(ctx context.Context, agent, task string, depth int, ch chan<- ServerEvent) (string, error)

// Dispatcher executes one iteration's batch of function calls concurrently
// and assembles the next user turn.
type Dispatcher struct {
	registry *ToolRegistry
	delegate DelegateFunc
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher. delegate may be nil, in which case
// call_agent fails as a tool error.
func NewDispatcher(registry *ToolRegistry, delegate DelegateFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = nopLogger
	}
	return &Dispatcher{registry: registry, delegate: delegate, logger: logger}
}

// DispatchOutcome is one completed call, in the batch's original order.
type DispatchOutcome struct {
	Name     string
	Output   ToolOutput
	IsError  bool
	Duration time.Duration
}

// Run executes calls concurrently with per-call deadlines, emitting
// tool_call events in call order before anything runs, tool_result and
// tool_progress events per completion, and a heartbeat every 15 seconds
// while tasks are in flight. The returned parts are the function-response
// parts for the next user turn, in call order, with tool text truncated to
// the iteration budget and thought signatures echoed from the matching call.
func (d *Dispatcher) Run(ctx context.Context, calls []*StreamFunctionCall, iteration, callDepth int, events chan<- ServerEvent) ([]Part, []DispatchOutcome) {
	done := ctx.Done()
	// Events number iterations from 1, matching the iteration event of the
	// same pass; the zero-based index stays internal for the result budget.
	displayIter := iteration + 1
	for _, c := range calls {
		emit(events, done, ServerEvent{Type: EventToolCall, Name: c.Name, Args: c.Args, Iteration: displayIter})
	}

	type indexed struct {
		idx int
		out DispatchOutcome
	}
	resultCh := make(chan indexed, len(calls))

	workCh := make(chan int, len(calls))
	for i := range calls {
		workCh <- i
	}
	close(workCh)

	workers := min(len(calls), maxParallelTools)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range workCh {
				start := time.Now()
				out, isErr := d.runOne(ctx, calls[i], callDepth, events)
				resultCh <- indexed{i, DispatchOutcome{
					Name:     calls[i].Name,
					Output:   out,
					IsError:  isErr,
					Duration: time.Since(start),
				}}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	outcomes := make([]DispatchOutcome, len(calls))
	seen := make([]bool, len(calls))
	completed := 0
collect:
	for completed < len(calls) {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			outcomes[r.idx] = r.out
			seen[r.idx] = true
			completed++
			emit(events, done, ServerEvent{
				Type:      EventToolResult,
				Name:      r.out.Name,
				Success:   !r.out.IsError,
				Summary:   TruncateRunes(r.out.Output.Text, 200),
				Iteration: displayIter,
			})
			emit(events, done, ServerEvent{
				Type:           EventToolProgress,
				Iteration:      displayIter,
				ToolsCompleted: completed,
				ToolsTotal:     len(calls),
			})
			// Delegations stream their own tokens through the shared
			// channel while the child runs, so only regular tool output
			// is rendered here.
			if r.out.Name != CallAgentTool && r.out.Output.Text != "" {
				emit(events, done, ServerEvent{
					Type:      EventToken,
					Content:   fenceToolOutput(r.out.Name, r.out.Output.Text),
					Iteration: displayIter,
				})
			}
		case <-heartbeat.C:
			emit(events, done, ServerEvent{Type: EventHeartbeat})
		case <-done:
			break collect
		}
	}
	for i := range outcomes {
		if !seen[i] {
			outcomes[i] = DispatchOutcome{
				Name:    calls[i].Name,
				Output:  ToolOutput{Text: "TOOL_ERROR: cancelled"},
				IsError: true,
			}
		}
	}

	return d.buildResponses(calls, outcomes, iteration), outcomes
}

// runOne executes a single call under its deadline. Failures are values: the
// returned output text starts with TOOL_ERROR or AGENT_CALL_ERROR and the
// loop continues.
func (d *Dispatcher) runOne(ctx context.Context, call *StreamFunctionCall, callDepth int, events chan<- ServerEvent) (ToolOutput, bool) {
	if call.Name == CallAgentTool {
		return d.runDelegation(ctx, call, callDepth, events)
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	out, err := d.registry.Execute(callCtx, call.Name, call.Args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return ToolOutput{Text: fmt.Sprintf("TOOL_ERROR: timed out after %ds", int(toolCallTimeout.Seconds()))}, true
		}
		return ToolOutput{Text: "TOOL_ERROR: " + err.Error()}, true
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return ToolOutput{Text: fmt.Sprintf("TOOL_ERROR: timed out after %ds", int(toolCallTimeout.Seconds()))}, true
	}
	if isToolError(out.Text) {
		return out, true
	}
	return out, false
}

// runDelegation handles call_agent: depth is enforced before any upstream
// contact, then the engine is re-entered for the target persona.
func (d *Dispatcher) runDelegation(ctx context.Context, call *StreamFunctionCall, callDepth int, events chan<- ServerEvent) (ToolOutput, bool) {
	var params struct {
		Agent string `json:"agent"`
		Task  string `json:"task"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil || params.Agent == "" || params.Task == "" {
		return ToolOutput{Text: "AGENT_CALL_ERROR: call_agent requires agent and task"}, true
	}

	depth := callDepth + 1
	if depth > maxDelegationDepth {
		return ToolOutput{Text: fmt.Sprintf("AGENT_CALL_ERROR: depth limit (%d) reached", maxDelegationDepth)}, true
	}
	if d.delegate == nil {
		return ToolOutput{Text: "AGENT_CALL_ERROR: delegation disabled"}, true
	}

	callCtx, cancel := context.WithTimeout(ctx, agentCallTimeout)
	defer cancel()

	d.logger.Info("delegating to agent", "agent", params.Agent, "depth", depth)
	text, err := d.delegate(callCtx, params.Agent, params.Task, depth, events)
	if err != nil {
		return ToolOutput{Text: "AGENT_CALL_ERROR: " + err.Error()}, true
	}
	return ToolOutput{Text: text}, false
}

// buildResponses assembles the function-response parts for the next user
// turn, in the batch's call order. Each part echoes the thoughtSignature of
// the matching call (signature map keyed by tool name) and carries the tool
// text truncated to the iteration budget, with inline data attached as-is.
func (d *Dispatcher) buildResponses(calls []*StreamFunctionCall, outcomes []DispatchOutcome, iteration int) []Part {
	signatures := make(map[string]string, len(calls))
	for _, c := range calls {
		if sig := rawThoughtSignature(c.Raw); sig != "" {
			signatures[c.Name] = sig
		}
	}

	limit := toolResultLimit(iteration)
	parts := make([]Part, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, Part{
			FunctionResponse: &FunctionResponse{
				Name: o.Name,
				Response: ToolResponse{
					Result:     TruncateRunes(o.Output.Text, limit),
					InlineData: o.Output.InlineData,
				},
			},
			ThoughtSignature: signatures[o.Name],
		})
	}
	return parts
}

// rawThoughtSignature extracts thoughtSignature from a retained raw part.
func rawThoughtSignature(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var part struct {
		ThoughtSignature string `json:"thoughtSignature"`
	}
	if err := json.Unmarshal(raw, &part); err != nil {
		return ""
	}
	return part.ThoughtSignature
}

// fenceToolOutput renders a tool's full output as a fenced markdown block
// so the caller sees it verbatim in the token stream. The fence is widened
// past any backtick run inside the output.
func fenceToolOutput(name, text string) string {
	fence := "```"
	for strings.Contains(text, fence) {
		fence += "`"
	}
	return "\n" + fence + name + "\n" + text + "\n" + fence + "\n"
}

// isToolError reports whether a tool output text is an error value.
func isToolError(text string) bool {
	return len(text) >= 11 && (text[:11] == "TOOL_ERROR:" || (len(text) >= 17 && text[:17] == "AGENT_CALL_ERROR:"))
}
