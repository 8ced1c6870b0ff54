package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"rival_scrooper/models"
)

var (
	// ErrNotFound is returned when an update targets a row that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobTerminal is returned when an update targets a completed or failed job.
	ErrJobTerminal = errors.New("job is already terminal")
)

type JobStore interface {
	CreateJob(ctx context.Context, job *models.ScrapeJob) error
	GetJob(ctx context.Context, id string) (*models.ScrapeJob, error)
	StartJob(ctx context.Context, id string, at time.Time) error
	UpdateJobProgress(ctx context.Context, id string, progress int, upd models.JobUpdate) error
	CompleteJob(ctx context.Context, id string, postsScraped int, at time.Time) error
	FailJob(ctx context.Context, id, message string, at time.Time) error
	FindActiveJob(ctx context.Context, companyID, targetID string) (*models.ScrapeJob, error)
	ListJobs(ctx context.Context, companyID string, filter models.JobFilter) ([]models.ScrapeJob, error)
	ListActiveJobsCreatedBefore(ctx context.Context, before time.Time) ([]models.ScrapeJob, error)
	DeleteTerminalJobsBefore(ctx context.Context, before time.Time) (int64, error)
}

type SnapshotStore interface {
	CreatePendingSnapshot(ctx context.Context, snap *models.PendingSnapshot) error
	ListPendingSnapshots(ctx context.Context) ([]models.PendingSnapshot, error)
	RecordSnapshotCheck(ctx context.Context, snapshotID string, attempts int, at time.Time) error
	DeletePendingSnapshot(ctx context.Context, snapshotID string) error
	DeletePendingSnapshotsForJob(ctx context.Context, jobID string) error
}

// DomainStore holds the competitor data the scrape pipeline writes.
type DomainStore interface {
	GetTarget(ctx context.Context, id string) (*models.Target, error)
	UpsertTarget(ctx context.Context, t *models.Target) error
	GetSocialProfile(ctx context.Context, targetID, platform string) (*models.SocialProfile, error)
	UpsertSocialProfile(ctx context.Context, p *models.SocialProfile) error
	GetPostByExternalID(ctx context.Context, targetID, profileID, externalID string) (*models.Post, error)
	// CreatePost writes a new post with its first snapshot and analysis atomically.
	CreatePost(ctx context.Context, p *models.Post, first *models.PostSnapshot, a *models.PostAnalysis) error
	CreatePostSnapshot(ctx context.Context, s *models.PostSnapshot) error
	CountPosts(ctx context.Context, profileID string) (int, error)
	ListPosts(ctx context.Context, targetID, profileID string, limit int) ([]models.Post, error)
	CreatePlatformSnapshot(ctx context.Context, s *models.PlatformSnapshot) error
}

// Archive keeps raw provider payloads for later inspection.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
}
