package bus

import (
	"context"

	"github.com/user/sdbus/internal/types"
)

// WithSession runs fn and, if it fails, records an error event for the
// session before returning the error unchanged.
func (c *Client) WithSession(ctx context.Context, sessionID types.SessionID, source string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err != nil {
		c.Emit(ctx, sessionID, types.TypeError, source, map[string]any{
			"where":   "bus.WithSession",
			"message": err.Error(),
		})
	}
	return err
}

// AgentLogger emits the llm.* events of one agent conversation.
type AgentLogger struct {
	client    *Client
	sessionID types.SessionID
	agent     string
}

// NewAgentLogger returns a logger whose events carry agent as both the
// event source and the payload's agent field.
func (c *Client) NewAgentLogger(sessionID types.SessionID, agent string) *AgentLogger {
	return &AgentLogger{client: c, sessionID: sessionID, agent: agent}
}

// UserPrompt records the prompt sent to the model.
func (a *AgentLogger) UserPrompt(ctx context.Context, text string) EmitResult {
	return a.emit(ctx, types.TypeLLMMessage, map[string]any{"role": "user", "text": text})
}

// Token records a streamed fragment of the reply.
func (a *AgentLogger) Token(ctx context.Context, delta string) EmitResult {
	return a.emit(ctx, types.TypeLLMTokens, map[string]any{"delta": delta})
}

// AssistantDone records the complete reply.
func (a *AgentLogger) AssistantDone(ctx context.Context, text string) EmitResult {
	return a.emit(ctx, types.TypeLLMMessage, map[string]any{"role": "assistant", "text": text})
}

// ToolCall records a tool invocation requested by the model.
func (a *AgentLogger) ToolCall(ctx context.Context, name string, args any) EmitResult {
	return a.emit(ctx, types.TypeLLMToolCall, map[string]any{"name": name, "args": args})
}

func (a *AgentLogger) emit(ctx context.Context, eventType string, payload map[string]any) EmitResult {
	payload["agent"] = a.agent
	return a.client.Emit(ctx, a.sessionID, eventType, a.agent, payload)
}
