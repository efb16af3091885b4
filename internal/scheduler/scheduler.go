package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is one periodic entry point. Run should treat lease contention as success.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	interval time.Duration
	jobs     []Job
	byName   map[string]Job

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, jobs ...Job) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if len(jobs) == 0 {
		return nil, errors.New("at least one job is required")
	}

	byName := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		if j.Name == "" || j.Run == nil {
			return nil, fmt.Errorf("job %q: name and run func are required", j.Name)
		}
		if _, dup := byName[j.Name]; dup {
			return nil, fmt.Errorf("job %q registered twice", j.Name)
		}
		byName[j.Name] = j
	}

	return &Scheduler{
		interval: interval,
		jobs:     jobs,
		byName:   byName,
		done:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("scheduler started", "interval", s.interval.String(), "jobs", len(s.jobs))

		s.tick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for the in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// RunNow runs one job synchronously outside the loop.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.safeRun(ctx, j)
}

// tick runs every job concurrently; one failing job does not cancel the others.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()

	var g errgroup.Group
	for _, j := range s.jobs {
		g.Go(func() error {
			if err := s.safeRun(ctx, j); err != nil {
				slog.Error("scheduler job failed", "job", j.Name, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) safeRun(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler job panic recovered", "job", j.Name, "panic", r)
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
	}()
	return j.Run(ctx)
}
