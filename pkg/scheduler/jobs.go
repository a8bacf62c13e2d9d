package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
)

const (
	RiskSweepJobName    = "risk_sweep"
	ModelRetrainJobName = "model_retrain"
)

// Sweeper recomputes endpoint risk for every tenant.
type Sweeper interface {
	SweepAll(ctx context.Context) (int, error)
}

// Retrainer rebuilds every tenant's anomaly model.
type Retrainer interface {
	RetrainAll(ctx context.Context, workers int) (int, error)
}

// cpuPercent samples host CPU usage; replaced in tests.
var cpuPercent = func(ctx context.Context) (float64, error) {
	usage, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil || len(usage) == 0 {
		return 0, err
	}
	return usage[0], nil
}

// RiskSweepJob periodically refreshes every endpoint risk record.
type RiskSweepJob struct {
	sweeper Sweeper
}

func NewRiskSweepJob(sweeper Sweeper) *RiskSweepJob {
	return &RiskSweepJob{sweeper: sweeper}
}

func (j *RiskSweepJob) Name() string { return RiskSweepJobName }

func (j *RiskSweepJob) Run(ctx context.Context) {
	start := time.Now()
	updated, err := j.sweeper.SweepAll(ctx)
	if err != nil {
		log.Error().Err(err).Str("job", j.Name()).Msg("Risk sweep failed.")
		return
	}
	log.Info().Str("job", j.Name()).Int("endpoints", updated).Dur("took", time.Since(start)).Msg("Risk sweep finished.")
}

// ModelRetrainJob periodically retrains tenant models. Training is CPU
// heavy, so a run is skipped while the host is above maxCPUPercent.
type ModelRetrainJob struct {
	retrainer     Retrainer
	workers       int
	maxCPUPercent float64
}

// NewModelRetrainJob creates the retraining job. maxCPUPercent <= 0 disables
// the CPU guard.
func NewModelRetrainJob(retrainer Retrainer, workers int, maxCPUPercent float64) *ModelRetrainJob {
	return &ModelRetrainJob{retrainer: retrainer, workers: workers, maxCPUPercent: maxCPUPercent}
}

func (j *ModelRetrainJob) Name() string { return ModelRetrainJobName }

func (j *ModelRetrainJob) Run(ctx context.Context) {
	if j.maxCPUPercent > 0 {
		usage, err := cpuPercent(ctx)
		if err != nil {
			log.Warn().Err(err).Str("job", j.Name()).Msg("Could not sample CPU usage, retraining anyway.")
		} else if usage > j.maxCPUPercent {
			log.Warn().Str("job", j.Name()).
				Float64("cpu_percent", usage).
				Float64("max_cpu_percent", j.maxCPUPercent).
				Msg("Host is busy, skipping model retraining.")
			return
		}
	}

	start := time.Now()
	trained, err := j.retrainer.RetrainAll(ctx, j.workers)
	if err != nil {
		log.Error().Err(err).Str("job", j.Name()).Msg("Model retraining failed.")
		return
	}
	log.Info().Str("job", j.Name()).Int("tenants", trained).Dur("took", time.Since(start)).Msg("Model retraining finished.")
}
