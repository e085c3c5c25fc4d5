// Package scheduler runs named periodic tasks on an injectable clock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairscope/internal/clock"
	"pairscope/internal/logger"
	"pairscope/internal/metrics"
)

var (
	ErrStarted     = errors.New("scheduler: already started")
	ErrInvalidTask = errors.New("scheduler: task needs a name, a positive interval and a run func")
)

// Task is one periodic job. Run is never invoked concurrently with itself:
// ticks that arrive while it is still running are dropped.
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler owns one goroutine per task.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger
	prom   *metrics.Metrics

	mu      sync.Mutex
	tasks   []Task
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty Scheduler.
func New(clk clock.Clock, log *slog.Logger, prom *metrics.Metrics) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{clock: clk, logger: log, prom: prom}
}

// Add registers a task. Tasks must be added before Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Interval <= 0 || t.Run == nil {
		return fmt.Errorf("%w: %q", ErrInvalidTask, t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Start launches every task. The tasks stop when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop cancels all tasks and waits for in-flight runs to return, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(t.Interval)
	defer ticker.Stop()

	if t.RunOnStart {
		s.runOnce(ctx, t)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.runOnce(ctx, t)
		}
	}
}

// runOnce executes one cycle with its own cycle id. A panicking task is
// logged and counted as an error; the loop keeps going.
func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	start := s.clock.Now()
	ctx = logger.WithCycleID(ctx, logger.NewCycleID(t.Name, start))

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.Run(ctx)
	}()

	elapsed := s.clock.Now().Sub(start)
	if s.prom != nil {
		s.prom.TaskDuration.WithLabelValues(t.Name).Observe(elapsed.Seconds())
	}
	attrs := append(logger.CycleAttrs(ctx), slog.String("task", t.Name), slog.Duration("elapsed", elapsed))
	if err != nil && !errors.Is(err, context.Canceled) {
		if s.prom != nil {
			s.prom.TaskErrors.WithLabelValues(t.Name).Inc()
		}
		s.logger.Error("task failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	s.logger.Debug("task done", attrs...)
}
