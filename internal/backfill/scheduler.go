package backfill

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"chain-event-ingest/internal/domain"
)

// ErrRunInProgress is returned when a backfill is requested while one runs.
var ErrRunInProgress = errors.New("backfill already running")

// Runner is the part of Orchestrator the scheduler drives.
type Runner interface {
	RunLookback(ctx context.Context, hours int, trigger domain.RunTrigger) (*domain.ProcessingRun, error)
}

// Scheduler runs a lookback backfill on an interval. Scheduled and manual
// runs share one in-flight guard, so at most one backfill runs at a time.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	hours    int
	logger   *log.Logger

	mu      sync.Mutex
	running bool
	lastRun time.Time
	runs    int
}

// NewScheduler creates a scheduler. nil logger uses log.Default().
func NewScheduler(runner Runner, interval time.Duration, hours int, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		hours:    hours,
		logger:   logger,
	}
}

// Run triggers a backfill immediately and then on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Printf("Starting backfill scheduler (interval: %v, lookback: %dh)...", s.interval, s.hours)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.RunLookback(ctx, s.hours, domain.TriggerScheduled)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Println("Backfill already running, skipping...")
	case err != nil && ctx.Err() == nil:
		s.logger.Printf("Scheduled backfill error: %v", err)
	}
}

// RunLookback runs one lookback backfill unless another is in flight.
func (s *Scheduler) RunLookback(ctx context.Context, hours int, trigger domain.RunTrigger) (*domain.ProcessingRun, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.lastRun = time.Now()
		s.runs++
		s.mu.Unlock()
	}()

	return s.runner.RunLookback(ctx, hours, trigger)
}

// Stats returns the number of completed runs and when the last one ended.
func (s *Scheduler) Stats() (runs int, lastRun time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.lastRun
}
