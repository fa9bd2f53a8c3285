package hydra

import (
	"context"
	"io"
)

// Credential is what authenticates one upstream call. IsOAuth selects the
// Authorization: Bearer header over the provider API-key header.
type Credential struct {
	Value   string
	IsOAuth bool
}

// GenerateRequest is one upstream model call: system prompt, conversation so
// far, declared tools, and generation parameters. The provider serializes it
// into the wire body; unknown response fields are tolerated on the way back.
type GenerateRequest struct {
	Model      string
	Credential string
	IsOAuth    bool

	SystemPrompt string
	Contents     []Content
	Tools        []ToolDefinition

	Temperature     float64
	TopP            float64
	MaxOutputTokens int
	ThinkingLevel   string // "none" omits thinkingConfig entirely
}

// Provider sends one streaming request to an upstream generative model.
// Stream returns the raw SSE body on success; the caller owns the parse loop
// (StreamParser) and must Close the body. Errors are classified: *ErrHTTP for
// status failures, *ErrLLM otherwise.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req GenerateRequest) (io.ReadCloser, error)
}

// CollectText performs one call and returns the concatenated text tokens.
// Used by the classifier fallback and the post-loop synthesis stage, where
// no caller-visible streaming is needed.
func CollectText(ctx context.Context, p Provider, req GenerateRequest) (string, error) {
	body, err := p.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var out []byte
	parser := NewStreamParser(nil)
	buf := make([]byte, 8192)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if ev.Kind == StreamText {
					out = append(out, ev.Text...)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return string(out), readErr
		}
	}
	for _, ev := range parser.Flush() {
		if ev.Kind == StreamText {
			out = append(out, ev.Text...)
		}
	}
	return string(out), nil
}
