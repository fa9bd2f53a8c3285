package hydra

import "encoding/json"

// ServerEventType identifies an event streamed to the caller.
type ServerEventType string

const (
	EventStart        ServerEventType = "start"
	EventPlan         ServerEventType = "plan"
	EventToken        ServerEventType = "token"
	EventIteration    ServerEventType = "iteration"
	EventToolCall     ServerEventType = "tool_call"
	EventToolResult   ServerEventType = "tool_result"
	EventToolProgress ServerEventType = "tool_progress"
	EventError        ServerEventType = "error"
	EventHeartbeat    ServerEventType = "heartbeat"
	EventComplete     ServerEventType = "complete"
	EventPong         ServerEventType = "pong"
)

// ServerEvent is one event on the caller-facing channel. Token order matches
// SSE arrival order strictly; tool_result events arrive per completion.
type ServerEvent struct {
	Type ServerEventType `json:"type"`

	// start
	ID          string   `json:"id,omitempty"`
	Agent       string   `json:"agent,omitempty"`
	Model       string   `json:"model,omitempty"`
	FilesLoaded []string `json:"filesLoaded,omitempty"`

	// plan
	Confidence float64  `json:"confidence,omitempty"`
	Steps      []string `json:"steps,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`

	// token
	Content string `json:"content,omitempty"`

	// iteration / tool_*
	Number    int             `json:"number,omitempty"`
	Max       int             `json:"max,omitempty"`
	Name      string          `json:"name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Iteration int             `json:"iteration,omitempty"`

	// tool_progress
	ToolsCompleted int `json:"toolsCompleted,omitempty"`
	ToolsTotal     int `json:"toolsTotal,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// complete
	DurationMs int64  `json:"durationMs,omitempty"`
	HTML       string `json:"html,omitempty"`
}

// ClientCommand is one caller-issued command on the WebSocket connection.
type ClientCommand struct {
	Type string `json:"type"` // "execute", "orchestrate", "cancel", "ping"

	// execute
	Prompt        string `json:"prompt,omitempty"`
	Mode          string `json:"mode,omitempty"`
	Model         string `json:"model,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	Format        string `json:"format,omitempty"` // "", "html"
	MaxIterations int    `json:"maxIterations,omitempty"`

	// orchestrate
	Pattern string   `json:"pattern,omitempty"`
	Agents  []string `json:"agents,omitempty"`
}

// emit sends ev on ch unless ctx is done. The engine and dispatcher use this
// everywhere so cancellation never blocks on a slow consumer.
func emit(ch chan<- ServerEvent, done <-chan struct{}, ev ServerEvent) {
	select {
	case ch <- ev:
	case <-done:
	}
}
