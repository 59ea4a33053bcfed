// Package runner supervises external build-tool invocations. Exactly one
// build or run is in flight at a time; the supervised process runs in its
// own process group with a wall-clock timeout, a bounded output sink, and
// a filtered environment, and the whole tree is killed on violation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	defaultTimeout = 5 * time.Minute

	// defaultOutputCeiling caps how many bytes the sink captures before
	// the execution is aborted. A runaway simulation writing gigabytes of
	// log output is terminated, not buffered.
	defaultOutputCeiling = 10 << 20 // 10 MB

	// defaultTailBytes is how much of the captured output is returned to
	// the caller. Never the whole sink.
	defaultTailBytes = 100 << 10 // 100 KB

	// pollInterval is how often the supervisor wakes to re-check the
	// sink size while waiting for the child.
	pollInterval = 200 * time.Millisecond
)

// ErrBusy is returned by Acquire when a build or run is already in flight.
// Callers report it as a conflict; there is no queue.
var ErrBusy = errors.New("another build or run is already in progress")

// ErrStartFailed is the generic start failure surfaced to callers. The
// underlying OS error is logged, never returned.
var ErrStartFailed = errors.New("command failed to start")

// TimeoutError reports an execution killed at its deadline. Output holds
// the captured tail so the caller can see what the command was doing.
type TimeoutError struct {
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out (limit: %s)", e.Timeout)
}

// OutputLimitError reports an execution killed for exceeding the output
// ceiling. Treated exactly like a timeout: tree killed, tail returned.
type OutputLimitError struct {
	Limit  int64
	Output string
}

func (e *OutputLimitError) Error() string {
	return fmt.Sprintf("execution output exceeded %d bytes", e.Limit)
}

// Spec defines one supervised execution.
type Spec struct {
	Command []string      // Program and arguments, e.g. ["make", "run"].
	Dir     string        // Working directory. Must be sandbox-resolved.
	Timeout time.Duration // Zero = guard default.
}

// Result is the outcome of a completed execution.
type Result struct {
	ExitCode  int
	Output    string // Trailing tail of combined stdout+stderr.
	Truncated bool   // True if the tail is shorter than what was captured.
	Duration  time.Duration
}

// Config configures the guard.
type Config struct {
	DefaultTimeout time.Duration
	OutputCeiling  int64  // Max bytes captured before aborting. 0 = 10 MB.
	TailBytes      int    // Bytes of output returned to callers. 0 = 100 KB.
	EnvPrefix      string // Extra env vars forwarded by prefix, e.g. "OLB_".
}

// Guard runs and supervises external commands. The embedded slot
// serializes all build/run activity process-wide.
type Guard struct {
	slot sync.Mutex // acquired via TryLock only, never blocking

	cfg     Config
	baseEnv []string // filtered once at construction
	logger  *slog.Logger

	// active is the sink of the in-flight execution, exposed for live
	// output streaming. Nil when idle.
	activeMu sync.Mutex
	active   *sink
}

// NewGuard creates a guard. The child environment is computed once here:
// the ambient environment is immutable for the process lifetime, and the
// filter is a pure function of it.
func NewGuard(cfg Config, logger *slog.Logger) *Guard {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.OutputCeiling == 0 {
		cfg.OutputCeiling = defaultOutputCeiling
	}
	if cfg.TailBytes == 0 {
		cfg.TailBytes = defaultTailBytes
	}
	return &Guard{
		cfg:     cfg,
		baseEnv: filteredEnv(cfg.EnvPrefix),
		logger:  logger,
	}
}

// Acquire claims the execution slot without blocking. On success it
// returns a release function that must run on every exit path; when the
// slot is held it returns ErrBusy immediately.
func (g *Guard) Acquire() (release func(), err error) {
	if !g.slot.TryLock() {
		return nil, ErrBusy
	}
	var once sync.Once
	return func() {
		once.Do(g.slot.Unlock)
	}, nil
}

// Run starts and supervises one command. The caller must hold the
// execution slot (see Acquire).
//
// The child gets its own process group so that everything it spawns can
// be killed as one unit. Combined stdout+stderr spills to a temp file
// with a byte ceiling; the supervisor waits on the child and wakes
// periodically to re-check the sink size. Timeout and output overflow
// are handled identically: SIGKILL to the whole group, then a direct
// kill of the immediate child as a backstop.
func (g *Guard) Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = g.cfg.DefaultTimeout
	}

	snk, err := newSink(g.cfg.OutputCeiling)
	if err != nil {
		g.logger.Error("creating output sink", slog.String("error", err.Error()))
		return nil, ErrStartFailed
	}
	defer snk.Close()

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = g.baseEnv
	cmd.Stdout = snk
	cmd.Stderr = snk
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	g.logger.Info("executing command",
		slog.Any("command", spec.Command),
		slog.String("dir", spec.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		// Full detail stays in the log; the caller gets a generic error
		// so OS internals never reach an untrusted client.
		g.logger.Error("command start failed",
			slog.Any("command", spec.Command),
			slog.String("error", err.Error()),
		)
		return nil, ErrStartFailed
	}

	g.setActive(snk)
	defer g.setActive(nil)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			duration := time.Since(start)
			if snk.Overflowed() {
				// The child finished, but only after blowing the
				// ceiling between two polls.
				return nil, &OutputLimitError{Limit: g.cfg.OutputCeiling, Output: g.tail(snk)}
			}
			exitCode := 0
			if waitErr != nil {
				var exitErr *exec.ExitError
				if !errors.As(waitErr, &exitErr) {
					g.logger.Error("command wait failed", slog.String("error", waitErr.Error()))
					return nil, ErrStartFailed
				}
				exitCode = exitErr.ExitCode()
			}
			tail, truncated := snk.Tail(g.cfg.TailBytes)
			g.logger.Info("command completed",
				slog.Int("exit_code", exitCode),
				slog.Duration("duration", duration),
				slog.Int64("output_bytes", snk.Size()),
			)
			return &Result{
				ExitCode:  exitCode,
				Output:    tail,
				Truncated: truncated,
				Duration:  duration,
			}, nil

		case <-deadline.C:
			g.killTree(cmd)
			<-done
			g.logger.Warn("command timed out",
				slog.Any("command", spec.Command),
				slog.Duration("timeout", timeout),
			)
			return nil, &TimeoutError{Timeout: timeout, Output: g.tail(snk)}

		case <-ticker.C:
			if snk.Overflowed() {
				g.killTree(cmd)
				<-done
				g.logger.Warn("command output exceeded ceiling",
					slog.Any("command", spec.Command),
					slog.Int64("ceiling", g.cfg.OutputCeiling),
				)
				return nil, &OutputLimitError{Limit: g.cfg.OutputCeiling, Output: g.tail(snk)}
			}

		case <-ctx.Done():
			g.killTree(cmd)
			<-done
			return nil, ctx.Err()
		}
	}
}

// Stream reads captured output of the in-flight execution starting at
// offset. Returns active=false when no execution is running; the offset
// to resume from is returned alongside the chunk.
func (g *Guard) Stream(offset int64, max int) (chunk []byte, next int64, active bool) {
	g.activeMu.Lock()
	snk := g.active
	g.activeMu.Unlock()
	if snk == nil {
		return nil, offset, false
	}
	chunk, next = snk.ReadFrom(offset, max)
	return chunk, next, true
}

func (g *Guard) setActive(snk *sink) {
	g.activeMu.Lock()
	g.active = snk
	g.activeMu.Unlock()
}

// tail returns the captured tail for error reporting.
func (g *Guard) tail(snk *sink) string {
	s, _ := snk.Tail(g.cfg.TailBytes)
	return s
}

// killTree terminates the child's entire process group, then the child
// itself in case the group kill failed or the command managed to leave
// the group.
func (g *Guard) killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative PID targets the whole process group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		g.logger.Warn("process group kill failed",
			slog.Int("pgid", cmd.Process.Pid),
			slog.String("error", err.Error()),
		)
	}
	_ = cmd.Process.Kill()
}
