package services

import (
	"context"
	"time"

	"rival_scrooper/models"
	"rival_scrooper/storage"
)

// SnapshotService tracks provider tickets until the poller resolves them.
type SnapshotService struct {
	store storage.SnapshotStore
	now   func() time.Time
}

func NewSnapshotService(store storage.SnapshotStore) *SnapshotService {
	return &SnapshotService{store: store, now: time.Now}
}

func (s *SnapshotService) Track(ctx context.Context, job *models.ScrapeJob, snapshotID string, maxAttempts int) (*models.PendingSnapshot, error) {
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	snap := &models.PendingSnapshot{
		SnapshotID:  snapshotID,
		JobID:       job.ID,
		CompanyID:   job.CompanyID,
		TargetID:    job.TargetID,
		TargetURL:   job.TargetURL,
		Platform:    job.Platform,
		MaxAttempts: maxAttempts,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreatePendingSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Pending lists tracked snapshots, oldest first.
func (s *SnapshotService) Pending(ctx context.Context) ([]models.PendingSnapshot, error) {
	return s.store.ListPendingSnapshots(ctx)
}

// RecordCheck counts one status check against the snapshot.
func (s *SnapshotService) RecordCheck(ctx context.Context, snap *models.PendingSnapshot) error {
	now := s.now().UTC()
	if err := s.store.RecordSnapshotCheck(ctx, snap.SnapshotID, snap.Attempts+1, now); err != nil {
		return err
	}
	snap.Attempts++
	snap.LastCheckedAt = &now
	return nil
}

func (s *SnapshotService) Resolve(ctx context.Context, snapshotID string) error {
	return s.store.DeletePendingSnapshot(ctx, snapshotID)
}

func (s *SnapshotService) DropForJob(ctx context.Context, jobID string) error {
	return s.store.DeletePendingSnapshotsForJob(ctx, jobID)
}
