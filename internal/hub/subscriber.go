package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrSubscriberClosed is returned when sending to a closed subscriber.
	ErrSubscriberClosed = errors.New("subscriber closed")
	// ErrSubscriberSlow is returned when a subscriber's live backlog is full.
	ErrSubscriberSlow = errors.New("subscriber backlog full")
)

var subscriberSeq atomic.Uint64

type queued struct {
	frame  []byte
	replay bool
}

// Subscriber is the outbound side of one hub connection. Frames are queued
// in order and drained by the connection's writer; Send never blocks.
type Subscriber struct {
	id         uint64
	maxPending int

	mu     sync.Mutex
	queue  []queued
	live   int
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// NewSubscriber creates a subscriber whose live backlog holds at most
// maxPending frames. Replay frames are never refused.
func NewSubscriber(maxPending int) *Subscriber {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Subscriber{
		id:         subscriberSeq.Add(1),
		maxPending: maxPending,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() uint64 {
	return s.id
}

// Send queues a live frame.
func (s *Subscriber) Send(frame []byte) error {
	return s.enqueue(frame, false)
}

func (s *Subscriber) enqueue(frame []byte, replay bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriberClosed
	}
	if !replay {
		if s.live >= s.maxPending {
			s.mu.Unlock()
			return ErrSubscriberSlow
		}
		s.live++
	}
	s.queue = append(s.queue, queued{frame: frame, replay: replay})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a frame is queued, the subscriber is closed, or ctx is
// done. Queued frames are discarded once the subscriber is closed.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSubscriberClosed
		}
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue[0] = queued{}
			s.queue = s.queue[1:]
			if !next.replay {
				s.live--
			}
			s.mu.Unlock()
			return next.frame, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns the number of queued frames, replay included. Only live
// frames count against the backlog limit.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done is closed when the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery. It is idempotent and safe to call concurrently
// with Send.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	s.live = 0
	close(s.done)
}
