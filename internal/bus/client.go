// Package bus is the producer and consumer side of the session event bus.
// Emit appends to the durable log and publishes to the hub on a best-effort
// basis; Subscribe follows a session through the hub and reconnects on its
// own; Follow polls the durable log when no hub is available.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/user/sdbus/internal/hub"
	"github.com/user/sdbus/internal/metrics"
	"github.com/user/sdbus/internal/types"
	"github.com/user/sdbus/pkg/logger"
)

// DefaultReconnectDelay is the fixed wait between subscribe attempts.
const DefaultReconnectDelay = time.Second

// EventLog is the durable log a Client writes to and follows.
type EventLog interface {
	types.EventLog
	ReadFrom(ctx context.Context, sessionID types.SessionID, offset int64, includePartial bool) ([]*types.Event, int64, error)
}

// EmitResult reports what happened to one emitted event. Neither failure
// stops the other path.
type EmitResult struct {
	Event      *types.Event
	PersistErr error
	PublishErr error
}

// OK reports whether the event was both persisted and published.
func (r EmitResult) OK() bool {
	return r.PersistErr == nil && r.PublishErr == nil
}

// Client emits and follows session events. The zero value is not usable;
// create one with NewClient.
type Client struct {
	events         EventLog
	transport      Transport
	log            *logger.Logger
	reconnectDelay time.Duration
	sendTimeout    time.Duration

	mu   sync.Mutex
	conn Conn
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the hub transport. Without one the client runs in
// durable-log-only mode.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithLogger sets the client logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithReconnectDelay sets the wait between subscribe attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithSendTimeout bounds a single publish write, so a stalled hub costs an
// emitter at most this long.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Client) { c.sendTimeout = d }
}

// NewClient creates a Client that appends to events.
func NewClient(events EventLog, opts ...Option) *Client {
	c := &Client{
		events:         events,
		transport:      DisabledTransport{},
		reconnectDelay: DefaultReconnectDelay,
		sendTimeout:    DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logger.OrGlobal(c.log)
	if c.transport == nil {
		c.transport = DisabledTransport{}
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	return c
}

// Emit builds an event, appends it to the session log and publishes it to
// the hub. It never panics and waits at most for one dial and one write.
func (c *Client) Emit(ctx context.Context, sessionID types.SessionID, eventType, source string, payload map[string]any) EmitResult {
	event := types.NewEvent(sessionID, eventType, source, payload)
	result := EmitResult{Event: event}
	log := c.log.WithSession(string(sessionID))

	if err := c.events.Append(ctx, sessionID, event); err != nil {
		result.PersistErr = err
		log.Warn("failed to persist event",
			zap.String("type", eventType),
			zap.Error(err),
		)
	}

	// If the local append failed the hub gets a second chance at it.
	frame, err := hub.PublishFrame(sessionID, event, result.PersistErr == nil)
	if err != nil {
		result.PublishErr = fmt.Errorf("encode publish frame: %w", err)
		return result
	}
	if err := c.publish(ctx, frame); err != nil {
		result.PublishErr = err
		if !errors.Is(err, ErrHubDisabled) {
			log.Debug("publish to hub failed", zap.Error(err))
		}
	}
	return result
}

func (c *Client) publish(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.transport.Dial(ctx)
		if err != nil {
			return err
		}
		c.conn = conn
		go c.discardInbound(conn)
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	if err := c.conn.Send(sendCtx, frame); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// discardInbound reads the publish connection so control frames are
// answered and a hub restart is noticed before the next emit.
func (c *Client) discardInbound(conn Conn) {
	for {
		if _, err := conn.Receive(context.Background()); err != nil {
			break
		}
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// Close drops the cached hub connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Subscribe follows a session through the hub: the session's history is
// replayed first, then live events, each passed to onEvent in receipt
// order. When the connection cannot be opened or drops, Subscribe waits the
// reconnect delay and subscribes again, which replays history again.
// It returns when ctx is done, or ErrHubDisabled if there is no hub.
func (c *Client) Subscribe(ctx context.Context, sessionID types.SessionID, onEvent func(*types.Event)) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(c.reconnectDelay), ctx)
	log := c.log.WithSession(string(sessionID))
	for {
		err := c.subscribeOnce(ctx, sessionID, onEvent)
		if errors.Is(err, ErrHubDisabled) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		log.Debug("hub subscription lost, reconnecting",
			zap.Duration("delay", wait),
			zap.Error(err),
		)
		metrics.ClientReconnectsTotal.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) subscribeOnce(ctx context.Context, sessionID types.SessionID, onEvent func(*types.Event)) error {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	frame, err := hub.SubscribeFrame(sessionID)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.log.Debug("dropping unparseable frame", zap.Error(err))
			continue
		}
		onEvent(&event)
	}
}
