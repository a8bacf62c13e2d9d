package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lucid-vigil/healthguard/pkg/config"
)

// Job defines the interface for any periodic task that can be scheduled.
type Job interface {
	Name() string
	Run(ctx context.Context)
}

// Scheduler manages the registration and execution of periodic jobs.
type Scheduler struct {
	jobs   []Job
	config *config.Config
	wg     sync.WaitGroup
}

// NewScheduler creates and returns a new Scheduler instance.
func NewScheduler(cfg *config.Config) *Scheduler {
	return &Scheduler{
		config: cfg,
	}
}

// RegisterJob adds a job to the scheduler's list.
func (s *Scheduler) RegisterJob(j Job) {
	s.jobs = append(s.jobs, j)
	log.Info().Msgf("Job '%s' registered.", j.Name())
}

// Start launches all enabled jobs with their configured intervals.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("Scheduler starting...")

	for _, job := range s.jobs {
		jobConfig := s.config.GetJobConfig(job.Name())
		if jobConfig == nil || !jobConfig.Enabled {
			log.Info().Msgf("Job '%s' is disabled or not configured, skipping.", job.Name())
			continue
		}

		duration, err := time.ParseDuration(jobConfig.Interval)
		if err != nil || duration <= 0 {
			log.Error().Err(err).Msgf("Invalid interval for job '%s', skipping.", job.Name())
			continue
		}

		log.Info().Msgf("Starting job '%s' with interval %s", job.Name(), duration)
		s.wg.Add(1)
		go s.runJob(ctx, job, duration)
	}

	log.Info().Msg("All configured jobs started.")
}

// Wait blocks until every started job has observed cancellation.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, j Job, interval time.Duration) {
	defer s.wg.Done()

	// Run immediately on start
	log.Debug().Msgf("Running job '%s' for the first time.", j.Name())
	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Debug().Msgf("Running job '%s'.", j.Name())
			j.Run(ctx)
		case <-ctx.Done():
			log.Info().Msgf("Job '%s' received shutdown signal.", j.Name())
			return
		}
	}
}
