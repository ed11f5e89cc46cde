package types

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned by SessionRegistry.Get for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

type EventLog interface {
	Append(ctx context.Context, sessionID SessionID, event *Event) error
	ReadAll(ctx context.Context, sessionID SessionID) ([]*Event, error)
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*Event, error)
}

type SessionRegistry interface {
	Register(ctx context.Context, sessionID SessionID, name, cwd string) (*Session, error)
	List(ctx context.Context, limit int) ([]*Session, error)
	Get(ctx context.Context, sessionID SessionID) (*Session, error)
}
