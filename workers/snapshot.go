package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"rival_scrooper/config"
	"rival_scrooper/metrics"
	"rival_scrooper/models"
	"rival_scrooper/scraper"
	"rival_scrooper/services"
)

const (
	progressBandLow  = 30
	progressBandHigh = 80
)

// JobFinisher moves jobs to a terminal state and reports progress on them.
type JobFinisher interface {
	Finish(ctx context.Context, jobID string, posts []models.ProviderPost, followers *int, source string) error
	FailJob(ctx context.Context, jobID, message, source string) error
	Progress(ctx context.Context, companyID, jobID string, pct int, message string)
}

// SnapshotWorker polls the provider for tickets it handed out and finishes
// the owning jobs once data is ready.
type SnapshotWorker struct {
	snapshots *services.SnapshotService
	checker   scraper.StatusChecker
	finisher  JobFinisher
	cfg       config.PollerConfig
	mu        sync.Mutex
	triggerCh chan struct{}
	now       func() time.Time
	log       *zap.SugaredLogger
}

func NewSnapshotWorker(snapshots *services.SnapshotService, checker scraper.StatusChecker, finisher JobFinisher, cfg config.PollerConfig, log *zap.SugaredLogger) *SnapshotWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Minute
	}
	return &SnapshotWorker{
		snapshots: snapshots,
		checker:   checker,
		finisher:  finisher,
		cfg:       cfg,
		triggerCh: make(chan struct{}, 1),
		now:       time.Now,
		log:       log.Named("poller"),
	}
}

// Trigger causes the worker to sweep immediately
func (w *SnapshotWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *SnapshotWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("snapshot poller stopping")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		case <-w.triggerCh:
			w.Sweep(ctx)
		}
	}
}

// Sweep checks every pending snapshot once, oldest first. A sweep that starts
// while another is still running is skipped.
func (w *SnapshotWorker) Sweep(ctx context.Context) {
	if !w.mu.TryLock() {
		w.log.Debug("previous sweep still running, skipping")
		return
	}
	defer w.mu.Unlock()

	pending, err := w.snapshots.Pending(ctx)
	if err != nil {
		w.log.Errorw("failed to list pending snapshots", "error", err)
		return
	}
	metrics.SnapshotsPending.Set(float64(len(pending)))
	if len(pending) == 0 {
		return
	}
	w.log.Debugw("checking pending snapshots", "count", len(pending))

	for i := range pending {
		if i > 0 && w.cfg.EntryDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.EntryDelay):
			}
		}
		if ctx.Err() != nil {
			return
		}
		w.check(ctx, &pending[i])
	}
}

func (w *SnapshotWorker) check(ctx context.Context, snap *models.PendingSnapshot) {
	log := w.log.With("snapshot_id", snap.SnapshotID, "job_id", snap.JobID)

	if age := snap.Age(w.now()); age > w.cfg.MaxAge {
		w.expire(ctx, snap, fmt.Sprintf("timed out waiting for provider after %s", age.Round(time.Minute)))
		return
	}
	if snap.Exhausted() {
		w.expire(ctx, snap, fmt.Sprintf("max attempts (%d) reached waiting for provider", snap.MaxAttempts))
		return
	}

	status, err := w.checker.CheckStatus(ctx, snap.SnapshotID)
	if rerr := w.snapshots.RecordCheck(ctx, snap); rerr != nil {
		log.Warnw("failed to record snapshot check", "error", rerr)
	}
	if err != nil {
		log.Warnw("status check failed, will retry next sweep", "attempts", snap.Attempts, "error", err)
		return
	}

	switch status.State {
	case scraper.SnapshotReady:
		var followers *int
		if status.Profile != nil {
			followers = status.Profile.Followers
		}
		if err := w.finisher.Finish(ctx, snap.JobID, status.Posts, followers, scraper.SourcePoller); err != nil {
			log.Errorw("failed to finish job from snapshot", "error", err)
			return
		}
		if err := w.snapshots.Resolve(ctx, snap.SnapshotID); err != nil {
			log.Warnw("failed to delete resolved snapshot", "error", err)
		}
		log.Infow("snapshot ready", "posts", len(status.Posts))

	case scraper.SnapshotFailed:
		msg := "provider snapshot failed"
		if status.Message != "" {
			msg += ": " + status.Message
		}
		w.expire(ctx, snap, msg)

	default:
		w.finisher.Progress(ctx, snap.CompanyID, snap.JobID, bandProgress(snap.Attempts, snap.MaxAttempts),
			fmt.Sprintf("processing in background (check %d/%d)", snap.Attempts, snap.MaxAttempts))
	}
}

func (w *SnapshotWorker) expire(ctx context.Context, snap *models.PendingSnapshot, reason string) {
	if err := w.snapshots.Resolve(ctx, snap.SnapshotID); err != nil {
		w.log.Warnw("failed to delete snapshot", "snapshot_id", snap.SnapshotID, "error", err)
	}
	if err := w.finisher.FailJob(ctx, snap.JobID, reason, scraper.SourcePoller); err != nil {
		w.log.Errorw("failed to fail job", "job_id", snap.JobID, "error", err)
		return
	}
	w.log.Infow("snapshot abandoned", "snapshot_id", snap.SnapshotID, "job_id", snap.JobID, "reason", reason)
}

// bandProgress maps check attempts onto the 30-80 progress band.
func bandProgress(attempts, maxAttempts int) int {
	if maxAttempts <= 0 {
		return progressBandLow
	}
	if attempts > maxAttempts {
		attempts = maxAttempts
	}
	return progressBandLow + (progressBandHigh-progressBandLow)*attempts/maxAttempts
}
