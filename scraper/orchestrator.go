package scraper

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"rival_scrooper/config"
	"rival_scrooper/events"
	"rival_scrooper/metrics"
	"rival_scrooper/models"
	"rival_scrooper/queue"
	"rival_scrooper/services"
	"rival_scrooper/storage"
)

const (
	SourceOrchestrator = "orchestrator"
	SourcePoller       = "poller"
	SourceRecovery     = "recovery"
)

// Caller is the serialized path to the provider.
type Caller interface {
	Enqueue(ctx context.Context, req Request) (*Result, error)
}

type TaskEnqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any, opts queue.EnqueueOptions) (*models.Task, error)
}

// Invalidator drops cached reads for a target after new data lands.
type Invalidator interface {
	InvalidateTarget(companyID, targetID string)
}

type OrchestratorConfig struct {
	RetryAttempts        int
	RetryBaseDelay       time.Duration
	ProfileRetryDelay    time.Duration
	ProfileRetryAttempts int
	PostsDelayMin        time.Duration
	PostsDelayMax        time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		RetryAttempts:        2,
		RetryBaseDelay:       5 * time.Second,
		ProfileRetryDelay:    60 * time.Second,
		ProfileRetryAttempts: 3,
		PostsDelayMin:        5 * time.Second,
		PostsDelayMax:        30 * time.Second,
	}
}

type Deps struct {
	Jobs       *services.JobService
	Snapshots  *services.SnapshotService
	Posts      *services.PostService
	Domain     storage.DomainStore
	Serializer Caller
	Queue      TaskEnqueuer
	Emitter    events.Emitter
	Archive    storage.Archive // optional
	Cache      Invalidator     // optional
	Platforms  map[string]*config.PlatformConfig
}

// Orchestrator drives a scrape job from request to a terminal state. Each
// phase runs inside a durable queue task; the orchestrator itself holds no
// job state between calls.
type Orchestrator struct {
	cfg OrchestratorConfig
	Deps
	log *zap.SugaredLogger
}

func NewOrchestrator(cfg OrchestratorConfig, deps Deps, log *zap.SugaredLogger) *Orchestrator {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Nop{}
	}
	return &Orchestrator{cfg: cfg, Deps: deps, log: log.Named("orchestrator")}
}

// RequestScrape records a scrape request and queues its first phase. When the
// target already has an active job, that job is returned and nothing is queued.
func (o *Orchestrator) RequestScrape(ctx context.Context, in services.CreateJobInput) (*models.ScrapeJob, bool, error) {
	if err := o.Jobs.Validate(in); err != nil {
		return nil, false, errors.Wrap(err, "invalid scrape request")
	}

	existing, err := o.Jobs.FindPendingForTarget(ctx, in.CompanyID, in.TargetID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		metrics.JobsDeduplicated.Inc()
		o.log.Infow("scrape already active for target", "job_id", existing.ID, "target_id", in.TargetID, "status", existing.Status)
		return existing, false, nil
	}

	job, err := o.Jobs.Create(ctx, in)
	if err != nil {
		return nil, false, err
	}

	taskType := TaskScrapePosts
	if job.ScrapeType != models.ScrapeTypePosts {
		taskType = TaskScrapeProfile
	}
	if _, err := o.Queue.Enqueue(ctx, taskType, JobPayload{JobID: job.ID}, queue.EnqueueOptions{}); err != nil {
		msg := "failed to queue scrape: " + err.Error()
		if ferr := o.Jobs.MarkFailed(ctx, job.ID, msg); ferr != nil {
			o.log.Errorw("failed to mark unqueued job failed", "job_id", job.ID, "error", ferr)
		}
		return nil, false, errors.Wrap(err, "enqueue scrape task")
	}
	return job, true, nil
}

// RunJob fetches a target's posts and either stores them or hands the
// provider ticket to the poller. Provider failures end the job; only
// infrastructure errors are returned.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	job, target, err := o.load(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	if ok, err := o.start(ctx, job, target); !ok {
		return err
	}

	req := Request{
		Op:       OpPosts,
		Platform: job.Platform,
		URL:      job.TargetURL,
		Mode:     ClassifyURL(job.TargetURL),
	}
	o.progress(ctx, job, 30, "fetching posts")

	res, err := o.fetchWithRetry(ctx, job, req)
	if err != nil {
		if isShutdown(ctx, err) {
			return err
		}
		return o.fail(ctx, job, err.Error(), SourceOrchestrator)
	}
	o.archive(ctx, job, "posts", res.Raw)

	if res.IsTicket() {
		return o.trackSnapshot(ctx, job, res.SnapshotID)
	}

	var followers *int
	if res.Profile != nil {
		followers = res.Profile.Followers
	}
	return o.Finish(ctx, job.ID, res.Posts, followers, SourceOrchestrator)
}

// RunProfile fetches the company or profile page, records it and schedules the posts phase.
func (o *Orchestrator) RunProfile(ctx context.Context, jobID string) error {
	job, target, err := o.load(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	if ok, err := o.start(ctx, job, target); !ok {
		return err
	}
	o.progress(ctx, job, 20, "fetching profile")

	res, err := o.fetchWithRetry(ctx, job, o.profileRequest(job))
	if err != nil {
		if isShutdown(ctx, err) {
			return err
		}
		return o.failProfile(ctx, job, target, err.Error())
	}
	o.archive(ctx, job, "profile", res.Raw)

	if res.IsTicket() {
		return o.scheduleProfileRetry(ctx, job, target, 1)
	}
	return o.applyProfile(ctx, job, target, res.Profile)
}

// RetryProfile re-asks for profile data the provider was still preparing.
func (o *Orchestrator) RetryProfile(ctx context.Context, jobID string, attempt int) error {
	job, target, err := o.load(ctx, jobID)
	if err != nil || job == nil {
		return err
	}

	res, err := o.Serializer.Enqueue(ctx, o.profileRequest(job))
	if err != nil {
		if isShutdown(ctx, err) {
			return err
		}
		return o.failProfile(ctx, job, target, err.Error())
	}
	o.archive(ctx, job, fmt.Sprintf("profile-retry-%d", attempt), res.Raw)

	if res.IsTicket() {
		if attempt >= o.cfg.ProfileRetryAttempts {
			return o.failProfile(ctx, job, target,
				fmt.Sprintf("profile data still processing after %d attempts", attempt))
		}
		return o.scheduleProfileRetry(ctx, job, target, attempt+1)
	}
	return o.applyProfile(ctx, job, target, res.Profile)
}

// Finish stores a job's posts and completes it. A job that became terminal
// in the meantime keeps its state and the batch is discarded.
func (o *Orchestrator) Finish(ctx context.Context, jobID string, posts []models.ProviderPost, followers *int, source string) error {
	job, err := o.Jobs.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.IsTerminal() {
		o.log.Infow("discarding late results", "job_id", jobID, "posts", len(posts), "source", source)
		return nil
	}

	count, err := o.Posts.Ingest(ctx, job, posts, followers)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.fail(ctx, job, "failed to store posts: "+err.Error(), source)
	}
	o.progress(ctx, job, 90, fmt.Sprintf("stored %d new posts", count))

	if err := o.Jobs.MarkCompleted(ctx, job.ID, count); err != nil {
		if errors.Is(err, storage.ErrJobTerminal) {
			o.log.Infow("job finished elsewhere, keeping its status", "job_id", job.ID)
			return nil
		}
		return err
	}

	metrics.JobsTotal.WithLabelValues(string(models.JobStatusCompleted), source).Inc()
	metrics.PostsStored.Add(float64(count))
	if o.Cache != nil {
		o.Cache.InvalidateTarget(job.CompanyID, job.TargetID)
	}
	o.Emitter.Emit(job.CompanyID, models.EventScrapeCompleted, models.ScrapeCompletedEvent{
		JobID:        job.ID,
		TargetID:     job.TargetID,
		PostsScraped: count,
	})
	return nil
}

// FailJob marks a job failed by id. Already terminal jobs are left alone.
func (o *Orchestrator) FailJob(ctx context.Context, jobID, message, source string) error {
	job, err := o.Jobs.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	return o.fail(ctx, job, message, source)
}

// Progress records and announces a progress step for an active job.
func (o *Orchestrator) Progress(ctx context.Context, companyID, jobID string, pct int, message string) {
	if err := o.Jobs.UpdateProgress(ctx, jobID, pct, models.JobUpdate{}); err != nil {
		o.log.Debugw("progress not recorded", "job_id", jobID, "error", err)
		return
	}
	o.Emitter.Emit(companyID, models.EventScrapeProgress, models.ScrapeProgressEvent{
		JobID:    jobID,
		Progress: pct,
		Message:  message,
	})
}

func (o *Orchestrator) fail(ctx context.Context, job *models.ScrapeJob, message, source string) error {
	if err := o.Jobs.MarkFailed(ctx, job.ID, message); err != nil {
		if errors.Is(err, storage.ErrJobTerminal) {
			o.log.Infow("job already terminal, not failing it", "job_id", job.ID, "reason", message)
			return nil
		}
		return err
	}
	if err := o.Snapshots.DropForJob(ctx, job.ID); err != nil {
		o.log.Warnw("failed to drop pending snapshots", "job_id", job.ID, "error", err)
	}

	metrics.JobsTotal.WithLabelValues(string(models.JobStatusFailed), source).Inc()
	o.Emitter.Emit(job.CompanyID, models.EventScrapeFailed, models.ScrapeFailedEvent{
		JobID:    job.ID,
		TargetID: job.TargetID,
		Error:    message,
	})
	return nil
}

func (o *Orchestrator) failProfile(ctx context.Context, job *models.ScrapeJob, target *models.Target, message string) error {
	if err := o.fail(ctx, job, message, SourceOrchestrator); err != nil {
		return err
	}
	if target.IsCompetitor() {
		o.Emitter.Emit(job.CompanyID, models.EventCompetitorSyncFailed, models.SyncFailedEvent{
			CompetitorID: target.ID,
			Name:         target.Name,
			Error:        message,
		})
	}
	return nil
}

// load returns the job and its target, or nil when there is nothing to run.
func (o *Orchestrator) load(ctx context.Context, jobID string) (*models.ScrapeJob, *models.Target, error) {
	job, err := o.Jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		o.log.Warnw("job not found", "job_id", jobID)
		return nil, nil, nil
	}
	if job.Status.IsTerminal() {
		o.log.Infow("job already terminal, skipping", "job_id", jobID, "status", job.Status)
		return nil, nil, nil
	}

	target, err := o.Domain.GetTarget(ctx, job.TargetID)
	if err != nil {
		return nil, nil, err
	}
	if target == nil {
		o.log.Warnw("target not found, leaving job for recovery", "job_id", jobID, "target_id", job.TargetID)
		return nil, nil, nil
	}
	return job, target, nil
}

func (o *Orchestrator) start(ctx context.Context, job *models.ScrapeJob, target *models.Target) (bool, error) {
	wasPending := job.Status == models.JobStatusPending
	if err := o.Jobs.MarkStarted(ctx, job.ID); err != nil {
		if errors.Is(err, storage.ErrJobTerminal) {
			return false, nil
		}
		return false, err
	}
	job.Status = models.JobStatusInProgress

	if wasPending {
		o.Emitter.Emit(job.CompanyID, models.EventScrapeStarted, models.ScrapeStartedEvent{
			JobID:      job.ID,
			TargetID:   job.TargetID,
			TargetName: target.Name,
		})
	}
	return true, nil
}

func (o *Orchestrator) fetchWithRetry(ctx context.Context, job *models.ScrapeJob, req Request) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		res, err := o.Serializer.Enqueue(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrProviderStatus) || isShutdown(ctx, err) {
			break
		}
		if attempt < o.cfg.RetryAttempts {
			o.log.Warnw("provider call failed, retrying", "job_id", job.ID, "attempt", attempt, "error", err)
			o.progress(ctx, job, 30, fmt.Sprintf("retrying (attempt %d/%d)", attempt+1, o.cfg.RetryAttempts))
			if err := sleepCtx(ctx, o.cfg.RetryBaseDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) trackSnapshot(ctx context.Context, job *models.ScrapeJob, snapshotID string) error {
	maxAttempts := 0
	if p, ok := o.Platforms[job.Platform]; ok {
		maxAttempts = p.MaxPollAttempts
	}
	if _, err := o.Snapshots.Track(ctx, job, snapshotID, maxAttempts); err != nil {
		return o.fail(ctx, job, "failed to track provider snapshot: "+err.Error(), SourceOrchestrator)
	}
	o.log.Infow("waiting on provider snapshot", "job_id", job.ID, "snapshot_id", snapshotID)
	o.progress(ctx, job, 30, "processing in background")
	return nil
}

func (o *Orchestrator) profileRequest(job *models.ScrapeJob) Request {
	return Request{
		Op:       OperationFor(job.ScrapeType),
		Platform: job.Platform,
		URL:      job.TargetURL,
		Mode:     ClassifyURL(job.TargetURL),
	}
}

func (o *Orchestrator) scheduleProfileRetry(ctx context.Context, job *models.ScrapeJob, target *models.Target, attempt int) error {
	_, err := o.Queue.Enqueue(ctx, TaskRetrySnapshot, JobPayload{JobID: job.ID, Attempt: attempt},
		queue.EnqueueOptions{Delay: o.cfg.ProfileRetryDelay})
	if err != nil {
		return o.failProfile(ctx, job, target, "failed to schedule profile retry: "+err.Error())
	}
	o.progress(ctx, job, 25, fmt.Sprintf("profile processing in background (check %d/%d)", attempt, o.cfg.ProfileRetryAttempts))
	return nil
}

func (o *Orchestrator) applyProfile(ctx context.Context, job *models.ScrapeJob, target *models.Target, data *ProfileData) error {
	var stats services.ProfileStats
	if data != nil {
		stats = services.ProfileStats{
			Name:              data.Name,
			ProfilePictureURL: data.ProfilePictureURL,
			Followers:         data.Followers,
		}
	}

	profile, err := o.Posts.ApplyProfile(ctx, job.TargetID, job.Platform, job.TargetURL, stats)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.failProfile(ctx, job, target, "failed to store profile: "+err.Error())
	}

	if target.IsCompetitor() {
		o.Emitter.Emit(job.CompanyID, models.EventCompetitorProfileReady, models.ProfileReadyEvent{
			CompetitorID:      target.ID,
			Name:              firstNonEmpty(stats.Name, target.Name),
			ProfilePictureURL: profile.ProfilePictureURL,
			Followers:         profile.Followers,
		})
	}
	return o.schedulePosts(ctx, job, target)
}

func (o *Orchestrator) schedulePosts(ctx context.Context, job *models.ScrapeJob, target *models.Target) error {
	delay := o.cfg.PostsDelayMin
	if spread := o.cfg.PostsDelayMax - o.cfg.PostsDelayMin; spread > 0 {
		delay += rand.N(spread)
	}

	if _, err := o.Queue.Enqueue(ctx, TaskScrapePosts, JobPayload{JobID: job.ID}, queue.EnqueueOptions{Delay: delay}); err != nil {
		return o.failProfile(ctx, job, target, "failed to schedule posts: "+err.Error())
	}

	o.progress(ctx, job, 25, "posts scheduled")
	o.Emitter.Emit(job.CompanyID, models.EventScrapeScheduled, models.ScrapeScheduledEvent{
		JobID:        job.ID,
		TargetID:     job.TargetID,
		TargetName:   target.Name,
		DelaySeconds: int(delay.Round(time.Second) / time.Second),
	})
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, job *models.ScrapeJob, pct int, message string) {
	o.Progress(ctx, job.CompanyID, job.ID, pct, message)
}

func (o *Orchestrator) archive(ctx context.Context, job *models.ScrapeJob, label string, raw []byte) {
	if o.Archive == nil || len(raw) == 0 {
		return
	}
	key := storage.ArchiveKey(job.Platform, job.ID, label, time.Now())
	if err := o.Archive.Put(ctx, key, raw); err != nil {
		o.log.Warnw("failed to archive provider payload", "job_id", job.ID, "key", key, "error", err)
	}
}

func isShutdown(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrSerializerClosed)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
