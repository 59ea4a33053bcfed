package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	records := []Execution{
		{CasePath: "laminar/cavity2d", Kind: KindBuild, Status: StatusCompleted, ExitCode: 0, Duration: 3 * time.Second, StartedAt: base},
		{CasePath: "laminar/cavity2d", Kind: KindRun, Status: StatusTimeout, ExitCode: -1, Duration: 10 * time.Minute, Truncated: true, StartedAt: base.Add(time.Minute)},
		{CasePath: "turbulence/nozzle3d", Kind: KindBuild, Status: StatusFailed, ExitCode: 2, Duration: time.Second, StartedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		id, err := s.RecordExecution(ctx, rec)
		if err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
		if id == "" {
			t.Fatal("RecordExecution returned an empty ID")
		}
	}

	all, err := s.RecentExecutions(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentExecutions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d executions, want 3", len(all))
	}
	if all[0].CasePath != "turbulence/nozzle3d" {
		t.Errorf("newest first: got %s", all[0].CasePath)
	}

	cavity, err := s.RecentExecutions(ctx, "laminar/cavity2d", 10)
	if err != nil {
		t.Fatalf("RecentExecutions(case): %v", err)
	}
	if len(cavity) != 2 {
		t.Fatalf("got %d executions for case, want 2", len(cavity))
	}
	if cavity[0].Kind != KindRun || cavity[0].Status != StatusTimeout || !cavity[0].Truncated {
		t.Errorf("unexpected newest case execution: %+v", cavity[0])
	}
	if cavity[0].Duration != 10*time.Minute {
		t.Errorf("duration round-trip = %v, want 10m", cavity[0].Duration)
	}
}

func TestRecentExecutions_Limit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.RecordExecution(ctx, Execution{
			CasePath:  "laminar/cavity2d",
			Kind:      KindBuild,
			Status:    StatusCompleted,
			StartedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.RecentExecutions(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d executions, want 2", len(got))
	}
}

func TestOpen_BadDriver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if _, err := Open(Config{Driver: "mysql"}, logger); err == nil {
		t.Error("Open accepted an unsupported driver")
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
}

func TestPruneExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		_, err := s.RecordExecution(ctx, Execution{
			CasePath:  "laminar/cavity2d",
			Kind:      KindRun,
			Status:    StatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := s.PruneExecutions(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PruneExecutions: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned %d rows, want 2", pruned)
	}

	left, err := s.RecentExecutions(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Errorf("got %d executions after prune, want 2", len(left))
	}
}
