package hub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/sdbus/internal/types"
)

// Inbound operations. The hub never answers a frame; subscribers receive
// bare Event objects, identical for replay and live delivery.
const (
	OpSubscribe = "subscribe"
	OpPublish   = "publish"
)

// ErrMalformedFrame marks an inbound frame that is dropped.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a client-to-hub request.
type Frame struct {
	Op        string          `json:"op"`
	SessionID types.SessionID `json:"session_id"`
	Event     *types.Event    `json:"event,omitempty"`
	// Persisted tells the hub the publisher already appended the event to
	// the session log, so the hub only fans it out.
	Persisted bool `json:"persisted,omitempty"`
}

// DecodeFrame parses and validates one inbound frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session_id", ErrMalformedFrame)
	}
	switch frame.Op {
	case OpSubscribe:
	case OpPublish:
		if frame.Event == nil {
			return nil, fmt.Errorf("%w: publish without event", ErrMalformedFrame)
		}
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrMalformedFrame, frame.Op)
	}
	return &frame, nil
}

// SubscribeFrame encodes a subscribe request.
func SubscribeFrame(sessionID types.SessionID) ([]byte, error) {
	return json.Marshal(Frame{Op: OpSubscribe, SessionID: sessionID})
}

// PublishFrame encodes a publish request.
func PublishFrame(sessionID types.SessionID, event *types.Event, persisted bool) ([]byte, error) {
	return json.Marshal(Frame{Op: OpPublish, SessionID: sessionID, Event: event, Persisted: persisted})
}
