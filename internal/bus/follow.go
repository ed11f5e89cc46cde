package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/user/sdbus/internal/types"
)

// DefaultFollowInterval is the poll period used by Follow.
const DefaultFollowInterval = 500 * time.Millisecond

// Follow is the hub-less fallback for Subscribe. It passes every complete
// line already in the session log to onEvent, then polls for lines appended
// later. A line still being written is picked up on a later poll.
func (c *Client) Follow(ctx context.Context, sessionID types.SessionID, interval time.Duration, onEvent func(*types.Event)) error {
	if interval <= 0 {
		interval = DefaultFollowInterval
	}

	var offset int64
	poll := func() {
		events, next, err := c.events.ReadFrom(ctx, sessionID, offset, false)
		if err != nil {
			c.log.Debug("follow read failed", zap.String("session_id", string(sessionID)), zap.Error(err))
		}
		offset = next
		for _, event := range events {
			onEvent(event)
		}
	}

	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			poll()
		}
	}
}
