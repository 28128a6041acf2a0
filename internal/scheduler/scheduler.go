package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"iot-kpi/internal/logging"
	"iot-kpi/internal/observability/metrics"
)

var (
	// ErrUnknownJob indicates a job name that was never registered.
	ErrUnknownJob = errors.New("scheduler: unknown job")
	// ErrBusy indicates the job is already running.
	ErrBusy = errors.New("scheduler: job already running")
)

// JobFunc runs one stage and returns a summary for callers.
type JobFunc func(ctx context.Context) (any, error)

// Options configures a Scheduler.
type Options struct {
	Retries    int
	RetryDelay time.Duration
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

type job struct {
	name     string
	interval time.Duration
	run      JobFunc
	mu       *sync.Mutex
}

// Scheduler runs registered jobs on their own intervals. Runs of one job
// never overlap; a tick that finds the job busy is skipped.
type Scheduler struct {
	jobs       map[string]*job
	retries    int
	retryDelay time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New constructs an empty scheduler.
func New(opts Options) *Scheduler {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		jobs:       make(map[string]*job),
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		clock:      opts.Clock,
		logger:     logging.OrNop(opts.Logger).With("component", "scheduler"),
	}
}

// Register adds a job. A non-positive interval registers a run-once job
// that Start does not tick.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) error {
	if name == "" || fn == nil {
		return errors.New("scheduler: job name and func are required")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	s.jobs[name] = &job{name: name, interval: interval, run: fn, mu: &sync.Mutex{}}
	return nil
}

// RegisterVariant adds a run-once job that shares the lock of base, so a
// variant never overlaps a run of base and the reverse.
func (s *Scheduler) RegisterVariant(name, base string, fn JobFunc) error {
	if name == "" || fn == nil {
		return errors.New("scheduler: job name and func are required")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}
	b, ok := s.jobs[base]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, base)
	}
	s.jobs[name] = &job{name: name, run: fn, mu: b.mu}
	return nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start ticks every periodic job until ctx is done. Wait blocks until the
// loops have exited.
func (s *Scheduler) Start(ctx context.Context) {
	for _, name := range s.Jobs() {
		j := s.jobs[name]
		if j.interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, j)
		}()
		s.logger.Info("job scheduled", "job", j.name, "interval", j.interval.String())
	}
}

// Wait blocks until every loop started by Start has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	ticker := s.clock.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := s.execute(ctx, j); err != nil && !errors.Is(err, ErrBusy) {
				s.logger.Error("scheduled run failed", "job", j.name, "err", err)
			}
		}
	}
}

// RunOnce runs a job now, with retries, and returns its summary.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (any, error) {
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j *job) (any, error) {
	if !j.mu.TryLock() {
		s.logger.Warn("job still running, skipping", "job", j.name)
		return nil, fmt.Errorf("%w: %s", ErrBusy, j.name)
	}
	defer j.mu.Unlock()

	start := s.clock.Now()
	var (
		summary  any
		err      error
		attempts int
	)
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying job", "job", j.name, "attempt", attempt+1, "err", err)
			if waitErr := s.sleep(ctx, s.retryDelay); waitErr != nil {
				err = errors.Join(err, waitErr)
				break
			}
		}
		attempts++
		summary, err = j.run(ctx)
		if err == nil {
			break
		}
	}

	duration := s.clock.Since(start)
	if err != nil {
		metrics.ObserveStage(j.name, metrics.ResultError, duration)
		s.logger.Error("job failed", "job", j.name, "attempts", attempts, "duration_ms", duration.Milliseconds(), "err", err)
		return summary, err
	}
	metrics.ObserveStage(j.name, metrics.ResultSuccess, duration)
	s.logger.Info("job complete", "job", j.name, "duration_ms", duration.Milliseconds())
	return summary, nil
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}
