// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/sdbus/internal/types"

// Compile-time interface compliance checks.
var _ types.EventLog = (*EventLog)(nil)
var _ types.SessionRegistry = (*Registry)(nil)
