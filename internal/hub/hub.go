// Package hub implements the broadcast hub: per-session subscriber sets,
// replay of the durable log on subscribe, and append-then-fan-out on
// publish.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/user/sdbus/internal/metrics"
	"github.com/user/sdbus/internal/types"
	"github.com/user/sdbus/pkg/logger"
)

// DefaultMaxPending is the live backlog allowed per subscriber before
// frames are dropped for it.
const DefaultMaxPending = 1024

// ErrHubClosed is returned once the hub has been shut down.
var ErrHubClosed = errors.New("hub closed")

// Hub tracks which subscribers follow which sessions. It is never the
// source of truth for history; every publish is appended to the event log
// before it is fanned out.
type Hub struct {
	events types.EventLog
	log    *logger.Logger

	mu          sync.RWMutex
	closed      bool
	subs        map[types.SessionID]map[*Subscriber]struct{}
	memberships map[*Subscriber]map[types.SessionID]struct{}

	locksMu sync.Mutex
	locks   map[types.SessionID]*sync.Mutex
}

// New creates a Hub backed by the given event log.
func New(events types.EventLog, log *logger.Logger) *Hub {
	return &Hub{
		events:      events,
		log:         logger.OrGlobal(log),
		subs:        make(map[types.SessionID]map[*Subscriber]struct{}),
		memberships: make(map[*Subscriber]map[types.SessionID]struct{}),
		locks:       make(map[types.SessionID]*sync.Mutex),
	}
}

// sessionLock serialises replay and publish for one session. Different
// sessions never share a lock.
func (h *Hub) sessionLock(sessionID types.SessionID) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()

	if lock, ok := h.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	h.locks[sessionID] = lock
	return lock
}

// Subscribe queues the session's history for sub, in log order, and then
// adds sub to the session's subscriber set. Both happen under the session
// lock so every later publish is queued after the replay.
func (h *Hub) Subscribe(ctx context.Context, sub *Subscriber, sessionID types.SessionID) error {
	lock := h.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	history, err := h.events.ReadAll(ctx, sessionID)
	if err != nil {
		h.log.Warn("replay read failed, continuing with live delivery",
			zap.String("session_id", string(sessionID)),
			zap.Error(err),
		)
		history = nil
	}

	for _, event := range history {
		frame, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := sub.enqueue(frame, true); err != nil {
			return fmt.Errorf("replay to subscriber %d: %w", sub.ID(), err)
		}
		metrics.HubReplayedEventsTotal.Inc()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	select {
	case <-sub.Done():
		h.mu.Unlock()
		return ErrSubscriberClosed
	default:
	}
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	joined, ok := h.memberships[sub]
	if !ok {
		joined = make(map[types.SessionID]struct{})
		h.memberships[sub] = joined
	}
	joined[sessionID] = struct{}{}
	h.mu.Unlock()

	metrics.HubSubscriptionsTotal.Inc()
	h.log.Debug("subscribed",
		zap.Uint64("subscriber", sub.ID()),
		zap.String("session_id", string(sessionID)),
		zap.Int("replayed", len(history)),
	)
	return nil
}

// Publish appends the event to the session log, unless the publisher
// already did, and then sends it to every current subscriber of the
// session, the publisher included. A failed append is returned but does
// not stop delivery; a failed send to one subscriber never affects others.
func (h *Hub) Publish(ctx context.Context, sessionID types.SessionID, event *types.Event, persisted bool) error {
	// The frame's session wins over whatever the event claims.
	event.SessionID = sessionID
	frame, err := json.Marshal(event)
	if err != nil {
		metrics.RecordPublish(err)
		return fmt.Errorf("marshal event: %w", err)
	}

	lock := h.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var appendErr error
	if !persisted {
		if appendErr = h.events.Append(ctx, sessionID, event); appendErr != nil {
			h.log.Warn("durable append failed, delivering live only",
				zap.String("session_id", string(sessionID)),
				zap.Error(appendErr),
			)
		}
	}
	metrics.RecordPublish(appendErr)

	for _, sub := range h.subscribers(sessionID) {
		if err := sub.Send(frame); err != nil {
			metrics.HubFanoutDroppedTotal.Inc()
			h.log.Debug("dropped frame for subscriber",
				zap.Uint64("subscriber", sub.ID()),
				zap.String("session_id", string(sessionID)),
				zap.Error(err),
			)
		}
	}
	return appendErr
}

// attach records a connection's subscriber before it joins any session so
// Close reaches it too.
func (h *Hub) attach(sub *Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.memberships[sub]; !ok {
		h.memberships[sub] = make(map[types.SessionID]struct{})
	}
	return nil
}

// subscribers returns a snapshot so fan-out never holds the registry lock.
func (h *Hub) subscribers(sessionID types.SessionID) []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.subs[sessionID]
	out := make([]*Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

// Remove drops sub from every session it joined and closes it. It is safe
// to call while a fan-out to sub is in flight.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	for sessionID := range h.memberships[sub] {
		if set, ok := h.subs[sessionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
	}
	delete(h.memberships, sub)
	h.mu.Unlock()

	sub.Close()
}

// SubscriberCount returns the number of live subscribers of a session.
func (h *Hub) SubscriberCount(sessionID types.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// ActiveSessions returns the number of sessions with at least one subscriber.
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes and closes every subscriber. Later subscribes fail with
// ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.memberships))
	for sub := range h.memberships {
		subs = append(subs, sub)
	}
	h.subs = make(map[types.SessionID]map[*Subscriber]struct{})
	h.memberships = make(map[*Subscriber]map[types.SessionID]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
