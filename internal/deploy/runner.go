package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxOutputLines caps accumulated output; the sink still sees every line
	maxOutputLines = 10000
	maxLineBytes   = 1024 * 1024
	// waitDelay bounds how long Wait keeps reading pipes after the child has
	// exited or been killed
	waitDelay = 5 * time.Second
)

// Stream identifies which pipe a line came from
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineFunc receives each output line as it is produced
type LineFunc func(stream Stream, line string)

// Command is one subprocess invocation
type Command struct {
	Name string
	Args []string
	Dir  string
}

// RunResult is what a finished subprocess left behind
type RunResult struct {
	ExitCode int
	// Output interleaves stdout and stderr in arrival order, capped at
	// maxOutputLines plus a truncation marker
	Output   []string
	Duration time.Duration
}

// Runner executes a command to completion. A non-zero exit is reported via
// RunResult.ExitCode; the error is reserved for spawn failures, timeouts and
// cancellation, in which case the partial RunResult is still returned.
type Runner interface {
	Run(ctx context.Context, cmd Command, onLine LineFunc) (*RunResult, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	// Timeout bounds the whole run; zero means no limit beyond ctx
	Timeout time.Duration
}

// Run starts cmd, streams both pipes to onLine and waits for exit. On
// timeout or cancellation the whole process tree is killed; pipes still held
// open by surviving descendants are closed after waitDelay.
func (r *ExecRunner) Run(ctx context.Context, c Command, onLine LineFunc) (*RunResult, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay

	capture := &outputCapture{onLine: onLine}
	stdout := &lineWriter{capture: capture, stream: Stdout}
	stderr := &lineWriter{capture: capture, stream: Stderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	var killed atomic.Bool
	startProcessGroup(cmd)
	cmd.Cancel = func() error {
		killed.Store(true)
		return killProcessTree(cmd)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	result := &RunResult{
		Output:   capture.snapshot(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	// Cancel only fires while the process is still running, so a child that
	// exited by itself keeps its own exit code even if ctx expired later.
	if killed.Load() {
		result.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && r.Timeout > 0 {
			return result, fmt.Errorf("%s timed out after %v", c.Name, r.Timeout)
		}
		return result, fmt.Errorf("%s cancelled: %w", c.Name, context.Cause(ctx))
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay):
			// exited cleanly but a descendant kept the pipes open
		default:
			return result, fmt.Errorf("failed waiting for %s: %w", c.Name, waitErr)
		}
	}
	return result, nil
}

type outputCapture struct {
	onLine LineFunc

	mu        sync.Mutex
	lines     []string
	truncated bool
}

func (c *outputCapture) add(stream Stream, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.lines) < maxOutputLines {
		c.lines = append(c.lines, line)
	} else if !c.truncated {
		c.lines = append(c.lines, "[... output truncated: limit reached ...]")
		c.truncated = true
	}
	// inside the mutex so the sink sees the same order as the capture
	if c.onLine != nil {
		c.onLine(stream, line)
	}
}

func (c *outputCapture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines
}

// lineWriter splits a pipe into lines for outputCapture. Lines longer than
// maxLineBytes are emitted in chunks so the writer never stops consuming.
type lineWriter struct {
	capture *outputCapture
	stream  Stream
	buf     []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineBytes {
		w.emit(w.buf[:maxLineBytes])
		w.buf = w.buf[maxLineBytes:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	w.capture.add(w.stream, string(bytes.TrimSuffix(line, []byte("\r"))))
}
