// Package shell executes commands in the workspace, either directly on the
// host or inside a network-isolated Docker container.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pawelserkowski-lang/hydra"
)

const (
	defaultTimeoutSecs = 30
	maxTimeoutSecs     = 300
	outputCap          = 10_000
)

// blocked substrings abort a command before execution. The sandbox keeps the
// list too; defense does not rely on it alone.
var blocked = []string{
	"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if=", ":(){", "shutdown", "reboot",
}

// Runner executes one command string and returns combined output.
type Runner interface {
	Run(ctx context.Context, command, dir string) (string, error)
}

// Tool implements execute_command. With a nil runner, commands run directly
// on the host in the workspace directory.
type Tool struct {
	root    string
	runner  Runner
	timeout int // seconds
}

// Option configures a shell tool.
type Option func(*Tool)

// WithRunner replaces host execution, e.g. with the Docker sandbox.
func WithRunner(r Runner) Option {
	return func(t *Tool) { t.runner = r }
}

// WithTimeout sets the default command timeout in seconds.
func WithTimeout(secs int) Option {
	return func(t *Tool) { t.timeout = secs }
}

// New creates a shell tool rooted at root.
func New(root string, opts ...Option) *Tool {
	t := &Tool{root: root, timeout: defaultTimeoutSecs}
	for _, opt := range opts {
		opt(t)
	}
	if t.runner == nil {
		t.runner = hostRunner{}
	}
	return t
}

func (t *Tool) Definitions() []hydra.ToolDefinition {
	return []hydra.ToolDefinition{{
		Name:        "execute_command",
		Description: "Execute a shell command in the workspace directory. Returns stdout and stderr. Use for builds, tests, and system inspection.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30, max 300)"}},"required":["command"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (hydra.ToolOutput, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return hydra.ToolOutput{}, fmt.Errorf("invalid args: %w", err)
	}
	if params.Command == "" {
		return hydra.ToolOutput{}, fmt.Errorf("command is required")
	}

	lower := strings.ToLower(params.Command)
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return hydra.ToolOutput{}, fmt.Errorf("command blocked for safety: %s", b)
		}
	}

	timeout := t.timeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > maxTimeoutSecs {
		timeout = maxTimeoutSecs
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	output, err := t.runner.Run(cmdCtx, params.Command, t.root)
	if len(output) > outputCap {
		output = output[:outputCap] + "\n... (truncated)"
	}
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return hydra.ToolOutput{}, fmt.Errorf("command timed out after %ds", timeout)
		}
		if output == "" {
			return hydra.ToolOutput{}, err
		}
		return hydra.ToolOutput{Text: output + "\n(exit: " + err.Error() + ")"}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return hydra.ToolOutput{Text: output}, nil
}

// hostRunner runs commands directly with sh -c in the workspace directory.
type hostRunner struct{}

func (hostRunner) Run(ctx context.Context, command, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	return output, err
}
