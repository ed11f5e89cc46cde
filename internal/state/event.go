// internal/state/event.go
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/user/sdbus/internal/metrics"
	"github.com/user/sdbus/internal/types"
	"github.com/user/sdbus/pkg/logger"
)

// EventLog is a JSONL-backed append-only event log.
// Events are stored per-session in <root>/<sessionID>.jsonl, one event per
// line. A path override replaces the derived location for every session.
type EventLog struct {
	root     string
	override string
	log      *logger.Logger

	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithPathOverride sends every session's events to path.
func WithPathOverride(path string) EventLogOption {
	return func(e *EventLog) { e.override = path }
}

// WithLogger sets the logger used for dropped lines.
func WithLogger(l *logger.Logger) EventLogOption {
	return func(e *EventLog) { e.log = l }
}

// NewEventLog creates a new file-backed EventLog rooted at the given directory.
func NewEventLog(root string, opts ...EventLogOption) *EventLog {
	e := &EventLog{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logger.OrGlobal(e.log)
	return e
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (e *EventLog) getLock(sessionID types.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[sessionID] = lock
	return lock
}

// Path returns the log file for the session.
func (e *EventLog) Path(sessionID types.SessionID) (string, error) {
	if e.override != "" {
		return e.override, nil
	}
	if err := sessionID.Validate(); err != nil {
		return "", fmt.Errorf("%w: %q", err, sessionID)
	}
	return filepath.Join(e.root, string(sessionID)+".jsonl"), nil
}

// Append writes the event as a single line. The line is handed to the
// kernel in one write call so concurrent appenders never interleave.
func (e *EventLog) Append(_ context.Context, sessionID types.SessionID, event *types.Event) (err error) {
	defer func() { metrics.RecordAppend(err) }()

	path, err := e.Path(sessionID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync events file: %w", err)
	}
	return nil
}

// ReadAll returns every parseable event in log order. A missing file is an
// empty log. Lines that fail to parse are skipped.
func (e *EventLog) ReadAll(ctx context.Context, sessionID types.SessionID) ([]*types.Event, error) {
	events, _, err := e.ReadFrom(ctx, sessionID, 0, true)
	return events, err
}

// ReadFrom returns the events stored after byte offset and the offset just
// past the last consumed line. With includePartial false an unterminated
// final line is left for the next call, which is what followers want.
func (e *EventLog) ReadFrom(_ context.Context, sessionID types.SessionID, offset int64, includePartial bool) ([]*types.Event, int64, error) {
	path, err := e.Path(sessionID)
	if err != nil {
		if errors.Is(err, types.ErrInvalidSessionID) {
			return nil, offset, nil
		}
		return nil, offset, err
	}

	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, fmt.Errorf("seek events file: %w", err)
		}
	}

	var events []*types.Event
	reader := bufio.NewReader(f)
	for {
		line, readErr := reader.ReadBytes('\n')
		terminated := len(line) > 0 && line[len(line)-1] == '\n'
		if readErr != nil && readErr != io.EOF {
			return events, offset, fmt.Errorf("read events file: %w", readErr)
		}
		if len(line) == 0 || (!terminated && !includePartial) {
			break
		}
		offset += int64(len(line))
		if event := e.parseLine(sessionID, line); event != nil {
			events = append(events, event)
		}
		if readErr == io.EOF {
			break
		}
	}
	return events, offset, nil
}

func (e *EventLog) parseLine(sessionID types.SessionID, line []byte) *types.Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	var event types.Event
	if err := json.Unmarshal(line, &event); err != nil {
		e.log.Debug("skipping unparseable log line",
			zap.String("session_id", string(sessionID)),
			zap.Error(err),
		)
		return nil
	}
	return &event
}

// Tail returns the last N events for the given session.
func (e *EventLog) Tail(ctx context.Context, sessionID types.SessionID, limit int) ([]*types.Event, error) {
	events, err := e.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of readable events for the given session.
func (e *EventLog) Count(ctx context.Context, sessionID types.SessionID) (int64, error) {
	events, err := e.ReadAll(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}
