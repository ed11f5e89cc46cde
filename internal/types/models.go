package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// EventVersion is the schema tag written into every event.
const EventVersion = 1

// Conventional event types. The bus does not enforce this vocabulary.
const (
	TypeCommandStarted  = "command.started"
	TypeCommandStdout   = "command.stdout"
	TypeCommandStderr   = "command.stderr"
	TypeCommandFinished = "command.finished"
	TypeLLMMessage      = "llm.message"
	TypeLLMTokens       = "llm.tokens"
	TypeLLMToolCall     = "llm.tool_call"
	TypeStatusUpdate    = "status.update"
	TypeError           = "error"
)

type Event struct {
	Version   int            `json:"v"`
	Timestamp time.Time      `json:"ts"`
	Type      string         `json:"type"`
	SessionID SessionID      `json:"session_id"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent stamps a version-1 event with the current UTC time.
func NewEvent(sessionID SessionID, eventType, source string, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		Version:   EventVersion,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		SessionID: sessionID,
		Source:    source,
		Payload:   payload,
	}
}

// UnmarshalJSON keeps integral payload numbers as int64 instead of float64.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var raw struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Event(raw.plain)
	e.Payload = nil

	if len(raw.Payload) == 0 || bytes.Equal(raw.Payload, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw.Payload))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return err
	}
	for k, v := range payload {
		payload[k] = normalizeNumbers(v)
	}
	e.Payload = payload
	return nil
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, child := range val {
			val[k] = normalizeNumbers(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = normalizeNumbers(child)
		}
		return val
	default:
		return v
	}
}

// Session is one row of the session registry.
type Session struct {
	SessionID SessionID `json:"session_id"`
	Name      string    `json:"name"`
	CWD       string    `json:"cwd"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
