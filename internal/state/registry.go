// internal/state/registry.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/sdbus/internal/types"
	"github.com/user/sdbus/pkg/logger"
)

// MaxSessions bounds the registry to the most recently touched rows.
const MaxSessions = 1000

const registryVersion = 1

type registryFile struct {
	Version  int              `json:"version"`
	Sessions []*types.Session `json:"sessions"`
}

// Registry is a JSON-file-backed index of session metadata, most recently
// touched first. The whole file is rewritten on every mutation.
type Registry struct {
	path string
	log  *logger.Logger
	now  func() time.Time
	mu   sync.RWMutex
}

// NewRegistry creates a Registry stored at path.
func NewRegistry(path string, log *logger.Logger) *Registry {
	return &Registry{
		path: path,
		log:  logger.OrGlobal(log),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the index file location.
func (r *Registry) Path() string {
	return r.path
}

// load reads the index. Missing or corrupt files yield an empty index.
func (r *Registry) load() *registryFile {
	empty := &registryFile{Version: registryVersion, Sessions: []*types.Session{}}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("read session index failed, treating as empty", zap.String("path", r.path), zap.Error(err))
		}
		return empty
	}

	var idx registryFile
	if err := json.Unmarshal(data, &idx); err != nil || idx.Sessions == nil {
		r.log.Warn("corrupt session index, treating as empty", zap.String("path", r.path), zap.Error(err))
		return empty
	}
	if idx.Version == 0 {
		idx.Version = registryVersion
	}

	sessions := idx.Sessions[:0]
	for _, s := range idx.Sessions {
		if s != nil && s.SessionID != "" {
			sessions = append(sessions, s)
		}
	}
	idx.Sessions = sessions
	return &idx
}

// save marshals with indentation and writes atomically.
func (r *Registry) save(idx *registryFile) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	// Atomic write: each writer gets its own temp file, then renames it.
	f, err := os.CreateTemp(filepath.Dir(r.path), "index-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Chmod(0o644)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// Register inserts or updates the session and moves it to the front.
// CreatedAt is kept from the first registration.
func (r *Registry) Register(_ context.Context, sessionID types.SessionID, name, cwd string) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.load()
	now := r.now()

	row := &types.Session{
		SessionID: sessionID,
		Name:      name,
		CWD:       cwd,
		CreatedAt: now,
		UpdatedAt: now,
	}

	rest := make([]*types.Session, 0, len(idx.Sessions)+1)
	for _, s := range idx.Sessions {
		if s.SessionID == sessionID {
			row.CreatedAt = s.CreatedAt
			continue
		}
		rest = append(rest, s)
	}

	idx.Sessions = append([]*types.Session{row}, rest...)
	if len(idx.Sessions) > MaxSessions {
		idx.Sessions = idx.Sessions[:MaxSessions]
	}

	if err := r.save(idx); err != nil {
		return nil, err
	}
	return row, nil
}

// List returns up to limit sessions, most recently touched first. A limit
// of zero or less returns every row.
func (r *Registry) List(_ context.Context, limit int) ([]*types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.load().Sessions
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(_ context.Context, sessionID types.SessionID) (*types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.load().Sessions {
		if s.SessionID == sessionID {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, sessionID)
}
