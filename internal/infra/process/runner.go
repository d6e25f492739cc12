// Package process runs external command-line tools with streamed, line-split output.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrTimeout   = errors.New("process timed out")
	ErrCancelled = errors.New("process cancelled")
)

const (
	// DefaultTailSize is how much of each stream Result keeps.
	DefaultTailSize = 64 * 1024

	maxLineSize = 16 * 1024 * 1024
)

// Command describes one process invocation.
type Command struct {
	Path     string
	Args     []string
	Dir      string
	Timeout  time.Duration // 0 = no limit
	OnStdout func(line string)
	OnStderr func(line string)
}

// Result is the outcome of a run. Faults are reported in Err, never panicked.
type Result struct {
	Success   bool
	ExitCode  int
	Stdout    string
	Stderr    string
	Err       error
	TimedOut  bool
	Cancelled bool
	Duration  time.Duration
}

// Executor runs commands. Runner is the production implementation.
type Executor interface {
	Run(ctx context.Context, cmd Command) Result
}

// Runner launches processes and kills the whole process tree on cancellation.
type Runner struct {
	// KillGrace bounds how long Run waits for output pipes after the process is killed.
	KillGrace time.Duration
	TailSize  int
}

// NewRunner creates a Runner with default limits.
func NewRunner() *Runner {
	return &Runner{
		KillGrace: 5 * time.Second,
		TailSize:  DefaultTailSize,
	}
}

// Run starts the command and blocks until it exits, is cancelled, or times out.
func (r *Runner) Run(ctx context.Context, c Command) (res Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = Result{ExitCode: -1, Err: fmt.Errorf("process runner panic: %v", p)}
		}
		res.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1, Err: ErrCancelled, Cancelled: true}
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	prepareTreeKill(cmd)
	cmd.WaitDelay = r.KillGrace

	// Writer-backed streams let Wait bound the copy with WaitDelay, so a
	// detached grandchild holding the pipe open cannot block Run.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	slog.Debug("Starting process", "path", c.Path, "args", c.Args, "dir", c.Dir)

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return Result{ExitCode: -1, Err: fmt.Errorf("failed to start %s: %w", c.Path, err)}
	}

	tailSize := r.TailSize
	if tailSize <= 0 {
		tailSize = DefaultTailSize
	}
	outTail := newTailBuffer(tailSize)
	errTail := newTailBuffer(tailSize)

	// One mutex for both streams keeps callbacks serialized.
	var cbMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(stdoutR, outTail, c.OnStdout, &cbMu)
	}()
	go func() {
		defer wg.Done()
		pump(stderrR, errTail, c.OnStderr, &cbMu)
	}()

	waitErr := cmd.Wait()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		slog.Warn("Process output still open after exit, closed it", "path", c.Path)
		waitErr = nil
	}
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()

	res = Result{
		ExitCode: -1,
		Stdout:   outTail.String(),
		Stderr:   errTail.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case waitErr == nil && res.ExitCode == 0:
		res.Success = true
	case ctx.Err() != nil:
		res.Cancelled = true
		res.Err = ErrCancelled
	case runCtx.Err() != nil:
		res.TimedOut = true
		res.Err = ErrTimeout
	default:
		var exitErr *exec.ExitError
		if waitErr == nil || errors.As(waitErr, &exitErr) {
			res.Err = fmt.Errorf("%s exited with code %d", c.Path, res.ExitCode)
		} else {
			res.Err = fmt.Errorf("wait %s: %w", c.Path, waitErr)
		}
	}

	slog.Debug("Process finished",
		"path", c.Path,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"cancelled", res.Cancelled,
	)

	return res
}

func pump(r io.Reader, tail *tailBuffer, cb func(string), mu *sync.Mutex) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		line := scanner.Text()
		tail.WriteLine(line)
		if cb != nil {
			deliver(cb, line, mu)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Output scanner stopped", "error", err)
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func deliver(cb func(string), line string, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Output callback panicked", "panic", p)
		}
	}()
	cb(line)
}

// splitByNewlineOrCR splits on '\n' or '\r' so carriage-return progress
// updates arrive as separate lines. Empty lines are dropped.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
