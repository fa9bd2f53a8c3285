package hydra

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// StreamEventKind tags the three event kinds a model stream can produce.
type StreamEventKind int

const (
	// StreamText is an incremental text token.
	StreamText StreamEventKind = iota
	// StreamFunctionCallKind is a function-call proposal.
	StreamFunctionCallKind
	// StreamMalformed signals finishReason=MALFORMED_FUNCTION_CALL with no parts.
	StreamMalformed
)

// StreamFunctionCall is a parsed function-call proposal. Raw retains the
// entire original part object so an adjacent thoughtSignature is preserved
// verbatim when the part is replayed into the next model turn.
type StreamFunctionCall struct {
	Name string
	Args json.RawMessage
	Raw  json.RawMessage
}

// ParsedEvent is one event extracted from the SSE stream.
type ParsedEvent struct {
	Kind StreamEventKind
	Text string
	Call *StreamFunctionCall
}

// StreamParser incrementally parses a server-sent-event stream of model
// deltas. Feed accepts arbitrary byte chunks; complete events are blocks
// terminated by "\n\n". One instance per stream; not safe for concurrent use.
type StreamParser struct {
	buf    []byte
	logger *slog.Logger
}

// NewStreamParser creates a parser. logger may be nil.
func NewStreamParser(logger *slog.Logger) *StreamParser {
	if logger == nil {
		logger = nopLogger
	}
	return &StreamParser{logger: logger}
}

// Feed appends chunk to the buffer and returns all events completed by it,
// in arrival order.
func (p *StreamParser) Feed(chunk []byte) []ParsedEvent {
	p.buf = append(p.buf, chunk...)

	var events []ParsedEvent
	for {
		idx := bytes.Index(p.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		block := p.buf[:idx]
		p.buf = p.buf[idx+2:]
		events = append(events, p.parseBlock(block)...)
	}
	return events
}

// Flush drains any trailing unterminated block at EOF.
func (p *StreamParser) Flush() []ParsedEvent {
	if len(p.buf) == 0 {
		return nil
	}
	block := p.buf
	p.buf = nil
	return p.parseBlock(block)
}

// parseBlock handles one SSE block: every "data: " line carries one JSON
// envelope; "data: [DONE]" and empty data lines are skipped.
func (p *StreamParser) parseBlock(block []byte) []ParsedEvent {
	var events []ParsedEvent
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		events = append(events, p.parseEnvelope(data)...)
	}
	return events
}

// sseEnvelope is the subset of the provider delta we act on. Raw part JSON
// is kept so unknown sibling fields survive.
type sseEnvelope struct {
	Candidates []struct {
		Content struct {
			Parts []json.RawMessage `json:"parts"`
		} `json:"content"`
		FinishReason  string          `json:"finishReason"`
		SafetyRatings json.RawMessage `json:"safetyRatings"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type ssePart struct {
	Text         *string       `json:"text"`
	FunctionCall *FunctionCall `json:"functionCall"`
	Thought      bool          `json:"thought"`
}

func (p *StreamParser) parseEnvelope(data []byte) []ParsedEvent {
	var env sseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.logger.Debug("unparseable stream envelope", "error", err)
		return nil
	}
	if len(env.Candidates) == 0 {
		if env.PromptFeedback != nil && env.PromptFeedback.BlockReason != "" {
			p.logger.Warn("prompt blocked by provider", "reason", env.PromptFeedback.BlockReason)
		}
		return nil
	}

	cand := env.Candidates[0]
	if len(cand.Content.Parts) == 0 {
		if cand.FinishReason == "MALFORMED_FUNCTION_CALL" {
			return []ParsedEvent{{Kind: StreamMalformed}}
		}
		if cand.FinishReason != "" && cand.FinishReason != "STOP" {
			p.logger.Warn("stream ended without parts", "finish_reason", cand.FinishReason)
		}
		return nil
	}

	var events []ParsedEvent
	for _, raw := range cand.Content.Parts {
		var part ssePart
		if err := json.Unmarshal(raw, &part); err != nil {
			p.logger.Debug("unparseable stream part", "error", err)
			continue
		}
		switch {
		case part.FunctionCall != nil:
			events = append(events, ParsedEvent{
				Kind: StreamFunctionCallKind,
				Call: &StreamFunctionCall{
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
					Raw:  append(json.RawMessage(nil), raw...),
				},
			})
		case part.Thought:
			// Thinking deltas are never surfaced as tokens.
		case part.Text != nil && *part.Text != "":
			events = append(events, ParsedEvent{Kind: StreamText, Text: *part.Text})
		}
	}
	return events
}
