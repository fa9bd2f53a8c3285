package hydra

import "encoding/json"

// --- Conversation content (Gemini wire shape) ---

// Part is one element of a conversation turn. Exactly one of the payload
// fields is set. Parts built from model output keep the provider's raw part
// JSON alongside (see StreamFunctionCall.Raw) so unknown fields such as
// thoughtSignature survive round-trips.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

// FunctionCall is a model-proposed tool invocation.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string       `json:"name"`
	Response ToolResponse `json:"response"`
}

// ToolResponse is the nested response object the provider expects.
// Result holds the (possibly truncated) text; InlineData optional binary.
type ToolResponse struct {
	Result     string      `json:"result"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData is base64-encoded binary content with a MIME type.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Content is one conversation turn: a role plus ordered parts.
type Content struct {
	Role  string `json:"role"` // "user" or "model"
	Parts []Part `json:"parts"`
}

// TextContent builds a single-part text turn.
func TextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// --- Personas ---

// Persona is one classification target with its own system prompt, keyword
// set, and optional model/temperature overrides. Immutable per request; the
// process-wide roster is swapped atomically on refresh (see Roster).
type Persona struct {
	ID          string   `json:"id"` // lowercase slug, unique
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Tier        string   `json:"tier"` // "flash", "chat", "thinking"
	Status      string   `json:"status"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`

	SystemPromptOverride  string  `json:"system_prompt_override,omitempty"`
	TemperatureOverride   float64 `json:"temperature_override,omitempty"`
	ModelOverride         string  `json:"model_override,omitempty"`
	ThinkingLevelOverride string  `json:"thinking_level_override,omitempty"`

	// A/B testing: with probability ABSplit the resolved model is ModelB.
	ModelB  string  `json:"model_b,omitempty"`
	ABSplit float64 `json:"ab_split,omitempty"`
}

// --- Turn envelope (computed once per request by the assembler) ---

// Envelope is everything one request needs to drive the model loop.
type Envelope struct {
	PersonaID  string
	Confidence float64
	Reasoning  string

	Model      string
	Credential string
	IsOAuth    bool

	SystemPrompt    string
	FinalUserPrompt string
	FilesLoaded     []string
	Steps           []string

	Temperature     float64
	TopP            float64
	MaxOutputTokens int
	MaxIterations   int
	ThinkingLevel   string
	ResponseStyle   string
	CallDepth       int
	WorkingDir      string
	SessionID       string
	Language        string
}

// --- Tool contracts ---

// ToolDefinition declares one tool to the provider. Parameters is a JSON
// Schema object of shape {"type":"object","properties":{...},"required":[...]}.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolOutput is the uniform result shape every tool returns.
type ToolOutput struct {
	Text       string      `json:"text"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// --- Usage accounting ---

// Usage holds approximate token counts for one request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EstimateTokens approximates the token count of s with the len/4 heuristic.
func EstimateTokens(s string) int {
	return len(s) / 4
}
