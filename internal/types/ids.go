package types

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

type SessionID string

// ErrInvalidSessionID is returned when a session id cannot be used as a
// single file name under the sessions root.
var ErrInvalidSessionID = errors.New("invalid session id")

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// ResolveSessionID returns override when it is set, otherwise a fresh id.
// Callers pass the value of SD_SESSION_ID.
func ResolveSessionID(override string) SessionID {
	if id := strings.TrimSpace(override); id != "" {
		return SessionID(id)
	}
	return NewSessionID()
}

// Validate reports whether the id is usable as a log file name.
func (id SessionID) Validate() error {
	s := string(id)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return ErrInvalidSessionID
	}
	return nil
}
