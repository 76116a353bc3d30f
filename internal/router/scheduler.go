package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"membrane/internal/logging"
)

// Scheduler runs the router's periodic ticks — discovery pass and
// keep-alive sweep — as named gocron.DurationJob entries rather
// than the cron-expression jobs the rest of the corpus schedules, since the
// router's ticks run on sub-second intervals a cron string can't express.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	logger    *slog.Logger
}

// NewScheduler creates a started Scheduler.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("router: create scheduler: %w", err)
	}
	sched := &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		logger:    logging.Default(logger),
	}
	s.Start()
	return sched, nil
}

// AddInterval registers a named job that calls fn every d. The name must
// be unique.
func (s *Scheduler) AddInterval(name string, d time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("router: scheduled job already exists: %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.DurationJob(d),
		gocron.NewTask(fn),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("router: create scheduled job %s: %w", name, err)
	}
	s.jobs[name] = j
	s.logger.Info("scheduled job added", "name", name, "interval", d)
	return nil
}

// Stop shuts down the underlying scheduler, waiting for any in-flight tick
// to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler.Shutdown()
}
