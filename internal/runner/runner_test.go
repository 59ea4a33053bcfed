package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func newTestGuard(t *testing.T, cfg Config) *Guard {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGuard(cfg, logger)
}

func TestRun_ExitCode(t *testing.T) {
	g := newTestGuard(t, Config{})
	res, err := g.Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo building; exit 3"},
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "building") {
		t.Errorf("output = %q, want it to contain %q", res.Output, "building")
	}
	if res.Truncated {
		t.Error("small output reported as truncated")
	}
}

func TestRun_CombinedOutput(t *testing.T) {
	g := newTestGuard(t, Config{})
	res, err := g.Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo out; echo err >&2"},
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Errorf("output = %q, want both streams captured", res.Output)
	}
}

func TestRun_TimeoutKillsProcessTree(t *testing.T) {
	g := newTestGuard(t, Config{})
	pidFile := filepath.Join(t.TempDir(), "pid")

	// The shell backgrounds a sleep and records its PID: the grandchild
	// must die with the group, not linger after the shell is killed.
	_, err := g.Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "sleep 30 & echo $! > " + pidFile + "; wait"},
		Dir:     t.TempDir(),
		Timeout: 500 * time.Millisecond,
	})

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Run = %v, want TimeoutError", err)
	}

	data, readErr := os.ReadFile(pidFile)
	if readErr != nil {
		t.Fatalf("reading pid file: %v", readErr)
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr != nil {
		t.Fatalf("parsing pid: %v", convErr)
	}

	// Give the kernel a moment to reap.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			return // gone
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("grandchild pid %d still alive after timeout kill", pid)
}

func TestRun_OutputCeiling(t *testing.T) {
	g := newTestGuard(t, Config{OutputCeiling: 4096, TailBytes: 1024})

	_, err := g.Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "while :; do echo aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa; done"},
		Dir:     t.TempDir(),
		Timeout: 10 * time.Second,
	})

	var limitErr *OutputLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Run = %v, want OutputLimitError", err)
	}
	if !strings.HasPrefix(limitErr.Output, truncationMarker) {
		t.Errorf("tail missing truncation marker: %q", limitErr.Output[:min(len(limitErr.Output), 40)])
	}
}

func TestRun_TailTruncation(t *testing.T) {
	g := newTestGuard(t, Config{TailBytes: 16})

	res, err := g.Run(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo 0123456789; echo abcdefghij; echo THE-END"},
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Truncated {
		t.Fatal("want truncated result")
	}
	if !strings.HasPrefix(res.Output, truncationMarker) {
		t.Errorf("output missing truncation marker: %q", res.Output)
	}
	if !strings.Contains(res.Output, "THE-END") {
		t.Errorf("tail lost the trailing output: %q", res.Output)
	}
}

func TestRun_StartFailure(t *testing.T) {
	g := newTestGuard(t, Config{})
	_, err := g.Run(context.Background(), Spec{
		Command: []string{"/nonexistent/binary"},
		Dir:     t.TempDir(),
	})
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("Run = %v, want ErrStartFailed", err)
	}
}

func TestRun_EnvironmentFiltered(t *testing.T) {
	t.Setenv("LBFORGE_TEST_SECRET", "do-not-leak")
	t.Setenv("OLB_TEST_FLAG", "forwarded")

	// The guard snapshots the environment at construction.
	g := newTestGuard(t, Config{EnvPrefix: "OLB_"})
	res, err := g.Run(context.Background(), Spec{
		Command: []string{"env"},
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(res.Output, "do-not-leak") {
		t.Error("ambient secret leaked into child environment")
	}
	if !strings.Contains(res.Output, "OLB_TEST_FLAG=forwarded") {
		t.Error("prefixed variable not forwarded to child")
	}
}

func TestAcquire_SingleFlight(t *testing.T) {
	g := newTestGuard(t, Config{})

	release, err := g.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := g.Acquire(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire = %v, want ErrBusy", err)
	}

	release()
	release() // idempotent

	release2, err := g.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}

func TestAcquire_ConcurrentExactlyOneWinner(t *testing.T) {
	g := newTestGuard(t, Config{})

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	var releases []func()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, err := g.Acquire(); err == nil {
				mu.Lock()
				winners++
				releases = append(releases, release)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
	for _, r := range releases {
		r()
	}
}

func TestStream_NoActiveExecution(t *testing.T) {
	g := newTestGuard(t, Config{})
	if _, _, active := g.Stream(0, 1024); active {
		t.Error("Stream reported an active execution on an idle guard")
	}
}
