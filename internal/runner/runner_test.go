package runner

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"unicode/utf8"

	"github.com/user/sdbus/internal/bus"
	"github.com/user/sdbus/internal/redact"
	"github.com/user/sdbus/internal/state"
	"github.com/user/sdbus/internal/types"
)

type recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *recorder) Emit(_ context.Context, sessionID types.SessionID, eventType, source string, payload map[string]any) bus.EmitResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	event := types.NewEvent(sessionID, eventType, source, payload)
	r.events = append(r.events, event)
	return bus.EmitResult{Event: event}
}

func (r *recorder) ofType(eventType string) []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) joined(eventType string) string {
	var sb strings.Builder
	for _, e := range r.ofType(eventType) {
		sb.WriteString(e.Payload["chunk"].(string))
	}
	return sb.String()
}

func TestRunStreamsOutput(t *testing.T) {
	rec := &recorder{}
	var stdout, stderr bytes.Buffer

	code, err := Run(context.Background(), rec, "s1", "sh", []string{"-c", "echo out; echo err >&2; exit 3"}, Options{
		Env:    []string{"API_TOKEN=hunter2"},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}

	if rec.events[0].Type != types.TypeCommandStarted {
		t.Fatalf("expected command.started first, got %s", rec.events[0].Type)
	}
	if last := rec.events[len(rec.events)-1]; last.Type != types.TypeCommandFinished {
		t.Fatalf("expected command.finished last, got %s", last.Type)
	}

	if got := rec.joined(types.TypeCommandStdout); got != "out\n" {
		t.Errorf("stdout events: %q", got)
	}
	if got := rec.joined(types.TypeCommandStderr); got != "err\n" {
		t.Errorf("stderr events: %q", got)
	}
	if stdout.String() != "out\n" || stderr.String() != "err\n" {
		t.Errorf("tee mismatch: stdout=%q stderr=%q", stdout.String(), stderr.String())
	}

	started := rec.ofType(types.TypeCommandStarted)[0]
	if started.Payload["cmd"] != "sh" {
		t.Errorf("unexpected started payload: %v", started.Payload)
	}
	if started.Source != DefaultSource {
		t.Errorf("expected source %q, got %q", DefaultSource, started.Source)
	}
	env := started.Payload["env_masked"].(map[string]string)
	if env["API_TOKEN"] != redact.Marker {
		t.Errorf("secret not masked: %q", env["API_TOKEN"])
	}
	if env["SD_SESSION_ID"] != "s1" {
		t.Errorf("expected SD_SESSION_ID in child env, got %q", env["SD_SESSION_ID"])
	}

	finished := rec.ofType(types.TypeCommandFinished)[0]
	if finished.Payload["exit_code"] != 3 {
		t.Errorf("expected exit_code 3, got %#v", finished.Payload["exit_code"])
	}
	if _, ok := finished.Payload["duration_ms"].(int64); !ok {
		t.Errorf("expected duration_ms, got %#v", finished.Payload["duration_ms"])
	}
}

func TestRunPassesSessionID(t *testing.T) {
	rec := &recorder{}
	if _, err := Run(context.Background(), rec, "abc-123", "sh", []string{"-c", "printf %s \"$SD_SESSION_ID\""}, Options{}); err != nil {
		t.Fatal(err)
	}
	if got := rec.joined(types.TypeCommandStdout); got != "abc-123" {
		t.Errorf("child saw SD_SESSION_ID=%q", got)
	}
}

func TestRunStartFailure(t *testing.T) {
	rec := &recorder{}
	code, err := Run(context.Background(), rec, "s1", "/nonexistent/binary", nil, Options{})
	if err == nil {
		t.Fatal("expected start error")
	}
	if code != -1 {
		t.Errorf("expected -1, got %d", code)
	}
	errs := rec.ofType(types.TypeError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if errs[0].Payload["where"] != "runner.Run" || errs[0].Payload["message"] == "" {
		t.Errorf("unexpected error payload: %v", errs[0].Payload)
	}
	if len(rec.ofType(types.TypeCommandFinished)) != 0 {
		t.Error("command.finished must not follow a start failure")
	}
}

func TestRunLargeOutputIsChunked(t *testing.T) {
	rec := &recorder{}
	// 150000 bytes of output spans at least three chunks.
	code, err := Run(context.Background(), rec, "s1", "sh", []string{"-c", "head -c 150000 /dev/zero | tr '\\0' x"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}

	chunks := rec.ofType(types.TypeCommandStdout)
	if len(chunks) < 3 {
		t.Errorf("expected at least 3 chunks, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		n := len(c.Payload["chunk"].(string))
		if n > ChunkSize {
			t.Errorf("chunk of %d bytes exceeds %d", n, ChunkSize)
		}
		total += n
	}
	if total != 150000 {
		t.Errorf("expected 150000 bytes, got %d", total)
	}
}

func TestRunIntoEventLog(t *testing.T) {
	events := state.NewEventLog(t.TempDir())
	client := bus.NewClient(events)
	ctx := context.Background()

	if _, err := Run(ctx, client, "s1", "sh", []string{"-c", "exit 0"}, Options{}); err != nil {
		t.Fatal(err)
	}

	stored, err := events.ReadAll(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected started and finished, got %d events", len(stored))
	}
	if code, ok := stored[1].Payload["exit_code"].(int64); !ok || code != 0 {
		t.Errorf("expected integer exit_code 0, got %#v", stored[1].Payload["exit_code"])
	}
}

func TestPumpKeepsRunesWhole(t *testing.T) {
	// One byte per read forces every multi-byte rune to straddle reads.
	input := strings.Repeat("héllo wörld ", 10)
	var chunks []string
	if err := pump(iotest.OneByteReader(strings.NewReader(input)), io.Discard, func(c string) {
		chunks = append(chunks, c)
	}); err != nil {
		t.Fatal(err)
	}
	for _, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk split a rune: %q", c)
		}
	}
	if got := strings.Join(chunks, ""); got != input {
		t.Errorf("reassembled output differs: %q", got)
	}
}

func TestRuneBoundary(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"abc", 3},
		{"ab\xc3", 2},
		{"ab\xc3\xa9", 4},
		{"\xe2\x82", 0},
		{"\xe2\x82\xac", 3},
	}
	for _, tt := range tests {
		if got := runeBoundary([]byte(tt.input)); got != tt.want {
			t.Errorf("runeBoundary(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
