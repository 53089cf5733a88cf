package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Job defines the interface for any periodic task that can be scheduled.
type Job interface {
	Name() string
	Run(ctx context.Context)
}

type registration struct {
	job      Job
	interval time.Duration
}

// Scheduler manages the registration and execution of periodic jobs. Each job
// runs on its own goroutine; the next run of a job is timed from the end of
// the previous one, so runs of the same job never overlap.
type Scheduler struct {
	mu   sync.Mutex
	jobs []registration
	wg   sync.WaitGroup
}

// NewScheduler creates and returns a new Scheduler instance.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Register adds a job to the scheduler's list. Jobs with a non-positive
// interval are rejected.
func (s *Scheduler) Register(j Job, interval time.Duration) {
	if interval <= 0 {
		log.Error().Msgf("Invalid interval %s for job '%s', skipping.", interval, j.Name())
		return
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, registration{job: j, interval: interval})
	s.mu.Unlock()
	log.Info().Msgf("Job '%s' registered with interval %s.", j.Name(), interval)
}

// Start launches all registered jobs. It returns immediately; use Wait to
// block until every job has observed ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("Scheduler starting...")

	s.mu.Lock()
	jobs := append([]registration(nil), s.jobs...)
	s.mu.Unlock()

	for _, r := range jobs {
		s.wg.Add(1)
		go s.runJob(ctx, r.job, r.interval)
	}

	log.Info().Msgf("%d jobs started.", len(jobs))
}

// Wait blocks until all started jobs have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, j Job, interval time.Duration) {
	defer s.wg.Done()

	// Run immediately on start
	log.Debug().Msgf("Running job '%s' for the first time.", j.Name())
	j.Run(ctx)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			log.Trace().Msgf("Running job '%s'.", j.Name())
			j.Run(ctx)
			timer.Reset(interval)
		case <-ctx.Done():
			log.Info().Msgf("Job '%s' received shutdown signal.", j.Name())
			return
		}
	}
}
