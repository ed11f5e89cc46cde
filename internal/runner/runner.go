// Package runner launches a child process and streams its lifecycle and
// output into a session as command.* events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/user/sdbus/internal/bus"
	"github.com/user/sdbus/internal/redact"
	"github.com/user/sdbus/internal/types"
)

// ChunkSize is the largest output chunk carried by one event.
const ChunkSize = 64000

// DefaultSource is the source recorded on runner events.
const DefaultSource = "sd"

// Emitter publishes one event. *bus.Client implements it.
type Emitter interface {
	Emit(ctx context.Context, sessionID types.SessionID, eventType, source string, payload map[string]any) bus.EmitResult
}

// Options configures a run.
type Options struct {
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is added to the inherited environment as KEY=VALUE pairs.
	Env []string
	// Stdout and Stderr receive a copy of the child's output.
	Stdout io.Writer
	Stderr io.Writer
	Source string
}

// Run starts name with args, emits command.started, one command.stdout or
// command.stderr event per output chunk, and command.finished with the
// exit code. The child sees the session in SD_SESSION_ID. The exit code of
// a child killed by a signal is 128 plus the signal number.
func Run(ctx context.Context, emitter Emitter, sessionID types.SessionID, name string, args []string, opts Options) (int, error) {
	source := opts.Source
	if source == "" {
		source = DefaultSource
	}
	cwd := opts.Dir
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}
	env := append(os.Environ(), "SD_SESSION_ID="+string(sessionID))
	env = append(env, opts.Env...)

	// One emit at a time keeps live delivery in log order.
	var emitMu sync.Mutex
	emit := func(eventType string, payload map[string]any) {
		emitMu.Lock()
		defer emitMu.Unlock()
		emitter.Emit(ctx, sessionID, eventType, source, payload)
	}

	if args == nil {
		args = []string{}
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	cmd.Env = env

	started := time.Now()
	emit(types.TypeCommandStarted, map[string]any{
		"cmd":        name,
		"argv":       args,
		"cwd":        cwd,
		"env_masked": redact.Environ(env),
	})

	fail := func(err error) (int, error) {
		emit(types.TypeError, map[string]any{
			"where":   "runner.Run",
			"message": err.Error(),
		})
		return -1, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start %s: %w", name, err))
	}

	var g errgroup.Group
	g.Go(func() error {
		return pump(stdout, opts.Stdout, func(chunk string) { emit(types.TypeCommandStdout, map[string]any{"chunk": chunk}) })
	})
	g.Go(func() error {
		return pump(stderr, opts.Stderr, func(chunk string) { emit(types.TypeCommandStderr, map[string]any{"chunk": chunk}) })
	})
	pumpErr := g.Wait()
	waitErr := cmd.Wait()

	code, err := exitCode(cmd, waitErr)
	if err != nil {
		return fail(err)
	}
	emit(types.TypeCommandFinished, map[string]any{
		"exit_code":   code,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	if pumpErr != nil {
		return code, fmt.Errorf("read output: %w", pumpErr)
	}
	return code, nil
}

func exitCode(cmd *exec.Cmd, waitErr error) (int, error) {
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return -1, fmt.Errorf("wait: %w", waitErr)
		}
	}
	state := cmd.ProcessState
	if state == nil {
		return -1, fmt.Errorf("wait: %w", waitErr)
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return state.ExitCode(), nil
}

// pump copies r to tee and hands it to emit in chunks of at most ChunkSize
// bytes. Chunks end on a rune boundary when the input is valid UTF-8.
func pump(r io.Reader, tee io.Writer, emit func(string)) error {
	buf := make([]byte, ChunkSize)
	pending := 0
	for {
		n, err := r.Read(buf[pending:])
		if n > 0 {
			if tee != nil {
				_, _ = tee.Write(buf[pending : pending+n])
			}
			pending += n
			cut := runeBoundary(buf[:pending])
			if cut == 0 && pending == len(buf) {
				cut = pending
			}
			if cut > 0 {
				emit(string(buf[:cut]))
				pending = copy(buf, buf[cut:pending])
			}
		}
		if err != nil {
			if pending > 0 {
				emit(string(buf[:pending]))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// runeBoundary returns the length of the longest prefix of b that does not
// end inside a multi-byte UTF-8 sequence.
func runeBoundary(b []byte) int {
	// A rune is at most utf8.UTFMax bytes, so only the tail needs checking.
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return len(b)
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return len(b)
			}
			return len(b) - i
		}
	}
	return len(b)
}
