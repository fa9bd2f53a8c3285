package hydra

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Orchestration patterns.
const (
	PatternPipeline = "pipeline"
	PatternParallel = "parallel"
)

// OrchestrateRequest runs one prompt through several personas at once.
type OrchestrateRequest struct {
	Prompt     string
	Pattern    string // "pipeline" or "parallel"
	Agents     []string
	SessionID  string
	WorkingDir string
}

// Orchestrate runs the prompt through the named personas. Pipeline feeds each
// persona the previous persona's output; parallel runs them concurrently and
// merges outputs under persona headers. Both inherit the engine's global
// deadline and delegation depth rules through Execute.
func (e *Engine) Orchestrate(ctx context.Context, req OrchestrateRequest, events chan<- ServerEvent) (string, error) {
	if len(req.Agents) == 0 {
		return "", e.fail(events, nil, CodeRequestFailed, "orchestrate requires at least one agent")
	}
	switch req.Pattern {
	case PatternPipeline:
		return e.runPipeline(ctx, req, events)
	case PatternParallel:
		return e.runParallel(ctx, req, events)
	default:
		return "", e.fail(events, nil, CodeRequestFailed, "unknown orchestration pattern: "+req.Pattern)
	}
}

// runPipeline executes agents sequentially; each stage sees the previous
// stage's output appended to the original prompt.
func (e *Engine) runPipeline(ctx context.Context, req OrchestrateRequest, events chan<- ServerEvent) (string, error) {
	prompt := req.Prompt
	var out string
	for i, agent := range req.Agents {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		stage := prompt
		if out != "" {
			stage = fmt.Sprintf("%s\n\n## Output of the previous stage (%s)\n\n%s", prompt, req.Agents[i-1], out)
		}
		text, err := e.Execute(ctx, ExecuteRequest{
			Prompt:     stage,
			Mode:       agent,
			SessionID:  req.SessionID,
			WorkingDir: req.WorkingDir,
		}, events)
		if err != nil {
			return out, fmt.Errorf("pipeline stage %s: %w", agent, err)
		}
		out = text
	}
	return out, nil
}

// runParallel executes all agents concurrently against the same prompt and
// merges their outputs in agent order under persona headers.
func (e *Engine) runParallel(ctx context.Context, req OrchestrateRequest, events chan<- ServerEvent) (string, error) {
	results := make([]string, len(req.Agents))
	errs := make([]error, len(req.Agents))

	var wg sync.WaitGroup
	wg.Add(len(req.Agents))
	for i, agent := range req.Agents {
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Execute(ctx, ExecuteRequest{
				Prompt:     req.Prompt,
				Mode:       agent,
				SessionID:  req.SessionID,
				WorkingDir: req.WorkingDir,
			}, events)
		}()
	}
	wg.Wait()

	var b strings.Builder
	var failed []string
	for i, agent := range req.Agents {
		if errs[i] != nil {
			failed = append(failed, agent)
			e.logger.Warn("parallel agent failed", "agent", agent, "error", errs[i])
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", agent, results[i])
	}
	if len(failed) == len(req.Agents) {
		return "", fmt.Errorf("all parallel agents failed: %s", strings.Join(failed, ", "))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
