package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"authenticity-platform/pkg/logger"
	"authenticity-platform/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

var ErrDuplicateJob = errors.New("job already registered")

// Job is a periodic task. Next, when set, computes the next run from the current time (used
// for wall-clock aligned jobs); otherwise the job runs every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Next     func(now time.Time) time.Time
	Run      func(ctx context.Context) error
}

func (j Job) next(now time.Time) time.Time {
	if j.Next != nil {
		return j.Next(now)
	}
	return now.Add(j.Interval)
}

type entry struct {
	job     Job
	nextRun time.Time
}

// Scheduler runs registered jobs when they are due. Job failures and panics are logged and
// counted, never propagated.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	clock   func() time.Time
	log     *slog.Logger

	// runMu serializes RunDue so a slow tick never overlaps the next one.
	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(l *slog.Logger) *Scheduler {
	return &Scheduler{clock: time.Now, log: l}
}

func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Register schedules the first run one period after now.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" || j.Run == nil || (j.Next == nil && j.Interval <= 0) {
		return fmt.Errorf("invalid job %q", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == j.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name)
		}
	}
	s.entries = append(s.entries, &entry{job: j, nextRun: j.next(s.clock())})
	return nil
}

// NextRun reports when the named job is due next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == name {
			return e.nextRun, true
		}
	}
	return time.Time{}, false
}

// RunDue runs every job whose next run is not after now, concurrently, and waits for them.
// It returns the names of the jobs that ran.
func (s *Scheduler) RunDue(ctx context.Context) []string {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.clock()
	var due []Job
	s.mu.Lock()
	for _, e := range s.entries {
		if !e.nextRun.After(now) {
			due = append(due, e.job)
			e.nextRun = e.job.next(now)
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	names := make([]string, 0, len(due))
	for _, j := range due {
		j := j
		names = append(names, j.Name)
		g.Go(func() error {
			s.run(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
	return names
}

func (s *Scheduler) run(ctx context.Context, j Job) {
	l := s.log.With("job", j.Name)
	ctx = logger.With(ctx, l)
	start := time.Now()

	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			l.Error("job panicked", "panic", r)
		}
		metrics.JobRuns.WithLabelValues(j.Name, status).Inc()
		l.Debug("job finished", "status", status, "duration", time.Since(start))
	}()

	if err := j.Run(ctx); err != nil {
		status = "error"
		l.Error("job failed", "err", err)
	}
}

// Start ticks every tick until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context, tick time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.group = g
	s.mu.Unlock()

	g.Go(func() error {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				s.RunDue(ctx)
			}
		}
	})
	s.log.Info("scheduler started", "tick", tick, "jobs", len(s.entries))
}

// Stop cancels the tick loop and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = g.Wait()
	s.log.Info("scheduler stopped")
}
