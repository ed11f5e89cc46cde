package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrHubDisabled is returned by DisabledTransport.
var ErrHubDisabled = errors.New("hub disabled")

// Transport opens connections to the hub.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one hub connection. Send and Receive may be used from different
// goroutines, but neither may be called concurrently with itself.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// DisabledTransport never connects. It selects durable-log-only mode.
type DisabledTransport struct{}

// Dial always fails with ErrHubDisabled.
func (DisabledTransport) Dial(context.Context) (Conn, error) {
	return nil, ErrHubDisabled
}

// DefaultDialTimeout bounds a single connection attempt.
const DefaultDialTimeout = 2 * time.Second

// WebSocketTransport dials the hub's websocket endpoint.
type WebSocketTransport struct {
	URL         string
	DialTimeout time.Duration
}

// NewWebSocketTransport creates a transport for url, e.g.
// ws://127.0.0.1:52321/ws.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{URL: url, DialTimeout: DefaultDialTimeout}
}

// Dial opens a websocket connection, giving up after DialTimeout.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", t.URL, err)
	}
	return newWSConn(ws), nil
}

type wsConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, closed: make(chan struct{})}
}

// watch closes the connection when ctx is done so a blocked read or write
// returns. The returned func stops the watch.
func (c *wsConn) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		case <-c.closed:
		}
	}()
	return func() { close(stop) }
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	defer c.watch(ctx)()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	defer c.watch(ctx)()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}
