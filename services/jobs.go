package services

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"rival_scrooper/identity"
	"rival_scrooper/models"
	"rival_scrooper/storage"
)

// CreateJobInput is everything needed to record a scrape request.
type CreateJobInput struct {
	CompanyID  string            `json:"companyId" validate:"required"`
	TargetID   string            `json:"targetId" validate:"required"`
	TargetURL  string            `json:"targetUrl" validate:"required,url"`
	Platform   string            `json:"platform" validate:"required"`
	ScrapeType models.ScrapeType `json:"scrapeType" validate:"required,oneof=company profile posts"`
}

// JobService is the durable record of scrape jobs.
type JobService struct {
	store    storage.JobStore
	validate *validator.Validate
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewJobService(store storage.JobStore, log *zap.SugaredLogger) *JobService {
	return &JobService{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		log:      log.Named("jobs"),
	}
}

func (s *JobService) Validate(in CreateJobInput) error {
	return s.validate.Struct(in)
}

func (s *JobService) Create(ctx context.Context, in CreateJobInput) (*models.ScrapeJob, error) {
	if err := s.Validate(in); err != nil {
		return nil, errors.Wrap(err, "invalid scrape job")
	}

	job := &models.ScrapeJob{
		ID:         uuid.New().String(),
		CompanyID:  in.CompanyID,
		TargetID:   in.TargetID,
		TargetURL:  identity.NormalizeURL(in.TargetURL),
		Platform:   in.Platform,
		ScrapeType: in.ScrapeType,
		Status:     models.JobStatusPending,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.log.Infow("job created", "job_id", job.ID, "company_id", job.CompanyID, "target_id", job.TargetID, "type", job.ScrapeType)
	return job, nil
}

func (s *JobService) MarkStarted(ctx context.Context, id string) error {
	if err := s.checkTransition(ctx, id, models.JobStatusInProgress); err != nil {
		return err
	}
	return s.store.StartJob(ctx, id, s.now())
}

func (s *JobService) UpdateProgress(ctx context.Context, id string, progress int, upd models.JobUpdate) error {
	return s.store.UpdateJobProgress(ctx, id, clampProgress(progress), upd)
}

func (s *JobService) MarkCompleted(ctx context.Context, id string, postsScraped int) error {
	if err := s.checkTransition(ctx, id, models.JobStatusCompleted); err != nil {
		return err
	}
	if err := s.store.CompleteJob(ctx, id, postsScraped, s.now()); err != nil {
		return err
	}
	s.log.Infow("job completed", "job_id", id, "posts_scraped", postsScraped)
	return nil
}

func (s *JobService) MarkFailed(ctx context.Context, id, message string) error {
	if err := s.checkTransition(ctx, id, models.JobStatusFailed); err != nil {
		return err
	}
	if err := s.store.FailJob(ctx, id, message, s.now()); err != nil {
		return err
	}
	s.log.Warnw("job failed", "job_id", id, "error", message)
	return nil
}

// checkTransition rejects a status change the job's current status does not
// allow. The store's guarded UPDATE still catches a race with another writer.
func (s *JobService) checkTransition(ctx context.Context, id string, next models.JobStatus) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.Wrapf(storage.ErrNotFound, "scrape job %s", id)
	}
	if !job.Status.CanTransition(next) {
		return errors.Wrapf(storage.ErrJobTerminal, "scrape job %s cannot move from %s to %s", id, job.Status, next)
	}
	return nil
}

// FindPendingForTarget returns the pending or in-progress job for a target, or nil.
func (s *JobService) FindPendingForTarget(ctx context.Context, companyID, targetID string) (*models.ScrapeJob, error) {
	return s.store.FindActiveJob(ctx, companyID, targetID)
}

func (s *JobService) FindByID(ctx context.Context, id string) (*models.ScrapeJob, error) {
	return s.store.GetJob(ctx, id)
}

func (s *JobService) ListByCompany(ctx context.Context, companyID string, filter models.JobFilter) ([]models.ScrapeJob, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.store.ListJobs(ctx, companyID, filter)
}

// ListStuck returns active jobs created more than threshold ago.
func (s *JobService) ListStuck(ctx context.Context, threshold time.Duration) ([]models.ScrapeJob, error) {
	return s.store.ListActiveJobsCreatedBefore(ctx, s.now().Add(-threshold))
}

// CleanupOlderThan deletes completed and failed jobs older than the given number of days.
func (s *JobService) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteTerminalJobsBefore(ctx, s.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Infow("old jobs deleted", "count", n, "older_than_days", days)
	}
	return n, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
