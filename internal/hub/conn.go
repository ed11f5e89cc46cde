package hub

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/user/sdbus/internal/metrics"
	"github.com/user/sdbus/pkg/logger"
)

// ConnConfig bounds a single hub connection.
type ConnConfig struct {
	MaxPending   int
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultConnConfig returns limits suited to a local developer machine.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxPending:   DefaultMaxPending,
		ReadLimit:    8 << 20,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// ServeConn runs one websocket connection until the peer disconnects, the
// hub closes the subscriber, or ctx is done. Frames from the peer are
// handled one at a time in arrival order.
func (h *Hub) ServeConn(ctx context.Context, ws *websocket.Conn, cfg ConnConfig) {
	sub := NewSubscriber(cfg.MaxPending)
	log := h.log.With(zap.Uint64("subscriber", sub.ID()), zap.String("remote_addr", ws.RemoteAddr().String()))

	if err := h.attach(sub); err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	metrics.IncrementConnections()
	defer metrics.DecrementConnections()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, ws, sub, cfg, log)
	}()

	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}
	log.Debug("connection opened")

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				log.Debug("connection read failed", zap.Error(err))
			}
			break
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.dispatch(ctx, sub, data, log)
	}

	h.Remove(sub)
	cancel()
	<-writerDone
	log.Debug("connection closed")
}

func (h *Hub) dispatch(ctx context.Context, sub *Subscriber, data []byte, log *logger.Logger) {
	frame, err := DecodeFrame(data)
	if err != nil {
		metrics.HubMalformedFramesTotal.Inc()
		log.Debug("dropping frame", zap.Error(err))
		return
	}

	switch frame.Op {
	case OpSubscribe:
		if err := h.Subscribe(ctx, sub, frame.SessionID); err != nil {
			log.Debug("subscribe failed", zap.String("session_id", string(frame.SessionID)), zap.Error(err))
		}
	case OpPublish:
		// Append failures are logged by Publish and do not close the connection.
		_ = h.Publish(ctx, frame.SessionID, frame.Event, frame.Persisted)
	}
}

// writeLoop is the only goroutine writing to ws. It closes ws on exit so
// the reader unblocks.
func (h *Hub) writeLoop(ctx context.Context, ws *websocket.Conn, sub *Subscriber, cfg ConnConfig, log *logger.Logger) {
	defer ws.Close()

	var ping <-chan time.Time
	if cfg.PingInterval > 0 {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			frame, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if cfg.WriteTimeout > 0 {
				_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				if !isExpectedClose(err) {
					log.Debug("connection write failed", zap.Error(err))
				}
				sub.Close()
				return
			}
		case <-ping:
			deadline := time.Now().Add(cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				sub.Close()
				return
			}
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// isExpectedClose reports whether err is a normal connection termination.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
