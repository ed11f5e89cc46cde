package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/sdbus/internal/state"
	"github.com/user/sdbus/internal/types"
)

type testServer struct {
	*httptest.Server
	hub      *Hub
	events   *state.EventLog
	registry *state.Registry
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	events := state.NewEventLog(dir)
	registry := state.NewRegistry(filepath.Join(dir, "index.json"), nil)
	h := New(events, nil)
	srv := httptest.NewServer(NewServer(h, events, nil, WithRegistry(registry)))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &testServer{Server: srv, hub: h, events: events, registry: registry}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, data []byte) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) *types.Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event types.Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return &event
}

// waitForSubscribers polls until the hub has registered n subscribers.
func waitForSubscribers(t *testing.T, h *Hub, sessionID types.SessionID, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount(sessionID) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketPublishReachesSubscriber(t *testing.T) {
	ts := setupServer(t)

	subscriber := ts.dial(t)
	frame, _ := SubscribeFrame("s1")
	sendFrame(t, subscriber, frame)
	waitForSubscribers(t, ts.hub, "s1", 1)

	publisher := ts.dial(t)
	event := types.NewEvent("s1", types.TypeCommandStarted, "runner", map[string]any{"cmd": "ls"})
	frame, _ = PublishFrame("s1", event, false)
	sendFrame(t, publisher, frame)

	got := readEvent(t, subscriber)
	if got.Type != types.TypeCommandStarted || got.Payload["cmd"] != "ls" {
		t.Errorf("unexpected event: %+v", got)
	}

	stored, err := ts.events.ReadAll(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("expected hub to append the event, got %d stored", len(stored))
	}
}

func TestWebSocketReplayOnSubscribe(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	for _, typ := range []string{types.TypeCommandStarted, types.TypeCommandFinished} {
		if err := ts.events.Append(ctx, "s1", types.NewEvent("s1", typ, "runner", nil)); err != nil {
			t.Fatal(err)
		}
	}

	ws := ts.dial(t)
	frame, _ := SubscribeFrame("s1")
	sendFrame(t, ws, frame)

	if got := readEvent(t, ws); got.Type != types.TypeCommandStarted {
		t.Errorf("expected command.started first, got %s", got.Type)
	}
	if got := readEvent(t, ws); got.Type != types.TypeCommandFinished {
		t.Errorf("expected command.finished second, got %s", got.Type)
	}
}

func TestWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	ts := setupServer(t)

	ws := ts.dial(t)
	sendFrame(t, ws, []byte("not json"))
	sendFrame(t, ws, []byte(`{"op":"bogus","session_id":"s1"}`))

	frame, _ := SubscribeFrame("s1")
	sendFrame(t, ws, frame)
	waitForSubscribers(t, ts.hub, "s1", 1)

	frame, _ = PublishFrame("s1", types.NewEvent("s1", types.TypeStatusUpdate, "t", nil), false)
	sendFrame(t, ws, frame)
	if got := readEvent(t, ws); got.Type != types.TypeStatusUpdate {
		t.Errorf("unexpected event type %s", got.Type)
	}
}

func TestWebSocketDisconnectRemovesSubscriber(t *testing.T) {
	ts := setupServer(t)

	ws := ts.dial(t)
	frame, _ := SubscribeFrame("s1")
	sendFrame(t, ws, frame)
	waitForSubscribers(t, ts.hub, "s1", 1)

	ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.SubscriberCount("s1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestAPISessions(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	for _, id := range []types.SessionID{"s1", "s2"} {
		if _, err := ts.registry.Register(ctx, id, string(id)+"-name", "/tmp"); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(ts.URL + "/api/sessions?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var sessions []types.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "s2" {
		t.Errorf("expected most recent session only, got %+v", sessions)
	}
}

func TestAPISession(t *testing.T) {
	ts := setupServer(t)
	if _, err := ts.registry.Register(context.Background(), "s1", "demo", "/tmp"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/sessions/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var session types.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		t.Fatal(err)
	}
	if session.SessionID != "s1" || session.Name != "demo" {
		t.Errorf("unexpected session: %+v", session)
	}

	missing, err := http.Get(ts.URL + "/api/sessions/missing")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", missing.StatusCode)
	}
}

func TestAPISessionsWithoutRegistry(t *testing.T) {
	events := state.NewEventLog(t.TempDir())
	srv := NewServer(New(events, nil), events, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestAPISessionEvents(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := ts.events.Append(ctx, "s1", testEvent("s1", i)); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(ts.URL + "/api/sessions/s1/events?limit=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var events []*types.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if payloadN(t, events[0]) != 3 || payloadN(t, events[1]) != 4 {
		t.Error("expected the last two events in log order")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	events := state.NewEventLog(t.TempDir())
	h := New(events, nil)
	srv := NewServer(h, events, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected open connection to be closed on shutdown")
	}
}
