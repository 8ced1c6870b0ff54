package workers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"rival_scrooper/scraper"
	"rival_scrooper/services"
)

const RecoveryMessage = "timed out (restart recovery)"

// RecoveryWorker fails jobs that have been active longer than the stuck
// threshold. It never resumes their provider calls.
type RecoveryWorker struct {
	jobs      *services.JobService
	finisher  JobFinisher
	threshold time.Duration
	log       *zap.SugaredLogger
}

func NewRecoveryWorker(jobs *services.JobService, finisher JobFinisher, threshold time.Duration, log *zap.SugaredLogger) *RecoveryWorker {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	return &RecoveryWorker{
		jobs:      jobs,
		finisher:  finisher,
		threshold: threshold,
		log:       log.Named("recovery"),
	}
}

// Sweep returns the number of jobs it failed.
func (w *RecoveryWorker) Sweep(ctx context.Context) (int, error) {
	stuck, err := w.jobs.ListStuck(ctx, w.threshold)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, job := range stuck {
		if err := w.finisher.FailJob(ctx, job.ID, RecoveryMessage, scraper.SourceRecovery); err != nil {
			w.log.Errorw("failed to recover stuck job", "job_id", job.ID, "error", err)
			continue
		}
		failed++
	}
	if failed > 0 {
		w.log.Infow("recovered stuck jobs", "count", failed, "threshold", w.threshold)
	}
	return failed, nil
}
