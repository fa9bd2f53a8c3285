package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/pawelserkowski-lang/hydra"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be < pongWait
	maxMsgSize = 512 * 1024

	eventBuffer = 64
)

// conn is one WebSocket connection. All writes go through send so the
// websocket sees a single writer.
type conn struct {
	ws     *websocket.Conn
	engine Engine
	logger *slog.Logger
	send   chan hydra.ServerEvent

	mu     sync.Mutex
	cancel context.CancelFunc // in-flight request, nil when idle
}

func newConn(ws *websocket.Conn, engine Engine, logger *slog.Logger) *conn {
	return &conn{
		ws:     ws,
		engine: engine,
		logger: logger,
		send:   make(chan hydra.ServerEvent, eventBuffer),
	}
}

// run pumps the connection until the peer disconnects or ctx is cancelled.
func (c *conn) run(ctx context.Context) {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()
	defer c.abort()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd hydra.ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.emit(ctx, hydra.ServerEvent{Type: hydra.EventError, Code: hydra.CodeParseError, Message: "malformed command"})
			continue
		}
		c.dispatch(ctx, cmd)
	}
}

func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case ev := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) dispatch(ctx context.Context, cmd hydra.ClientCommand) {
	switch cmd.Type {
	case "execute":
		c.startRequest(ctx, cmd, false)
	case "orchestrate":
		c.startRequest(ctx, cmd, true)
	case "cancel":
		c.abort()
	case "ping":
		c.emit(ctx, hydra.ServerEvent{Type: hydra.EventPong})
	default:
		c.emit(ctx, hydra.ServerEvent{Type: hydra.EventError, Code: hydra.CodeParseError, Message: "unknown command: " + cmd.Type})
	}
}

// startRequest begins an engine request unless one is already in flight.
func (c *conn) startRequest(ctx context.Context, cmd hydra.ClientCommand, orchestrate bool) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		c.emit(ctx, hydra.ServerEvent{Type: hydra.EventError, Code: hydra.CodeRequestFailed, Message: "a request is already in flight"})
		return
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.runRequest(reqCtx, cmd, orchestrate)
}

// runRequest drives one engine call, forwarding its events to the peer. The
// terminal complete event is held until the engine returns so the final text
// is available for HTML rendering.
func (c *conn) runRequest(ctx context.Context, cmd hydra.ClientCommand, orchestrate bool) {
	defer c.clearInflight()

	events := make(chan hydra.ServerEvent, eventBuffer)
	done := make(chan struct{})
	var result string

	go func() {
		defer close(done)
		var err error
		if orchestrate {
			result, err = c.engine.Orchestrate(ctx, hydra.OrchestrateRequest{
				Prompt:    cmd.Prompt,
				Pattern:   cmd.Pattern,
				Agents:    cmd.Agents,
				SessionID: cmd.SessionID,
			}, events)
		} else {
			result, err = c.engine.Execute(ctx, hydra.ExecuteRequest{
				Prompt:        cmd.Prompt,
				Mode:          cmd.Mode,
				Model:         cmd.Model,
				SessionID:     cmd.SessionID,
				MaxIterations: cmd.MaxIterations,
			}, events)
		}
		if err != nil {
			c.logger.Warn("request finished with error", "error", err)
		}
	}()

	format := normalizeFormat(cmd.Format)
	forward := func(ev hydra.ServerEvent) {
		if ev.Type == hydra.EventComplete {
			<-done
			if format == "html" && result != "" {
				ev.HTML = renderHTML(result)
			}
		}
		c.emit(ctx, ev)
	}

	for {
		select {
		case ev := <-events:
			forward(ev)
			if ev.Type == hydra.EventComplete {
				return
			}
		case <-done:
			// Engine returned. Drain whatever is buffered, then stop.
			for {
				select {
				case ev := <-events:
					forward(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *conn) clearInflight() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}

// abort cancels the in-flight request, if any.
func (c *conn) abort() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
}

// emit queues an event for the write pump, dropping it if the peer is gone.
func (c *conn) emit(ctx context.Context, ev hydra.ServerEvent) {
	select {
	case c.send <- ev:
	case <-ctx.Done():
	}
}

// renderHTML converts the final markdown text to HTML. A render failure
// falls back to no HTML rather than failing the request.
func renderHTML(markdown string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return ""
	}
	return buf.String()
}
