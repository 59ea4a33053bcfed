// Package scheduler runs recurring maintenance jobs on cron schedules:
// rate limiter sweeps, execution history pruning, and similar
// housekeeping that should not live in request handlers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultPollInterval = 15 * time.Second

// Scheduler fires registered jobs when their cron schedule is due.
type Scheduler struct {
	parser       cron.Parser
	pollInterval time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	jobs []*job

	now func() time.Time
}

type job struct {
	name     string
	schedule cron.Schedule
	run      func(ctx context.Context)
	next     time.Time
}

// New creates a Scheduler. A zero pollInterval selects the default.
func New(pollInterval time.Duration, logger *slog.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Scheduler{
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pollInterval: pollInterval,
		logger:       logger,
		now:          time.Now,
	}
}

// Add registers a job under a five-field cron expression.
func (s *Scheduler) Add(name, expr string, run func(ctx context.Context)) error {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parsing schedule for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		schedule: schedule,
		run:      run,
		next:     schedule.Next(s.now()),
	})
	return nil
}

// Start begins the polling loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "maintenance scheduler started",
			slog.Duration("poll_interval", s.pollInterval),
			slog.Int("jobs", len(s.jobs)),
		)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("maintenance scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick fires every due job and advances its next run time. Jobs run
// inline: maintenance work is short and serializing it keeps the
// housekeeping predictable.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
			j.next = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		start := time.Now()
		j.run(ctx)
		s.logger.DebugContext(ctx, "maintenance job ran",
			slog.String("job", j.name),
			slog.Duration("took", time.Since(start)),
		)
	}
}
