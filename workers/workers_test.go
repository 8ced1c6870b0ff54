package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"rival_scrooper/config"
	"rival_scrooper/models"
	"rival_scrooper/queue"
	"rival_scrooper/scraper"
	"rival_scrooper/services"
	"rival_scrooper/storage"
)

type ticketCaller struct{ snapshotID string }

func (c ticketCaller) Enqueue(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
	return &scraper.Result{SnapshotID: c.snapshotID}, nil
}

type scriptedChecker struct {
	calls  atomic.Int32
	status *scraper.StatusResult
	err    error
}

func (c *scriptedChecker) CheckStatus(ctx context.Context, snapshotID string) (*scraper.StatusResult, error) {
	c.calls.Add(1)
	return c.status, c.err
}

type eventLog struct {
	mu    sync.Mutex
	types []string
	data  []any
}

func (e *eventLog) Emit(companyID, eventType string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, eventType)
	e.data = append(e.data, data)
}

func (e *eventLog) last() (string, any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.types) == 0 {
		return "", nil
	}
	return e.types[len(e.types)-1], e.data[len(e.data)-1]
}

type fixture struct {
	store     *storage.SQLiteStore
	jobs      *services.JobService
	snapshots *services.SnapshotService
	orch      *scraper.Orchestrator
	events    *eventLog
	checker   *scriptedChecker
	poller    *SnapshotWorker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.UpsertTarget(context.Background(), &models.Target{
		ID: "t1", CompanyID: "c1", Name: "Rival Inc", Kind: models.TargetKindCompetitor, CreatedAt: time.Now(),
	}))

	f := &fixture{
		store:     store,
		jobs:      services.NewJobService(store, log),
		snapshots: services.NewSnapshotService(store),
		events:    &eventLog{},
		checker:   &scriptedChecker{status: &scraper.StatusResult{State: scraper.SnapshotProcessing}},
	}
	f.orch = scraper.NewOrchestrator(scraper.DefaultOrchestratorConfig(), scraper.Deps{
		Jobs:       f.jobs,
		Snapshots:  f.snapshots,
		Posts:      services.NewPostService(store, services.DefaultMaxPostsPerBatch, log),
		Domain:     store,
		Serializer: ticketCaller{snapshotID: "s_1"},
		Queue:      queue.New(store, log),
		Emitter:    f.events,
		Platforms:  map[string]*config.PlatformConfig{"linkedin": config.DefaultPlatform()},
	}, log)
	f.poller = NewSnapshotWorker(f.snapshots, f.checker, f.orch,
		config.PollerConfig{Interval: time.Hour, MaxAge: 30 * time.Minute}, log)
	return f
}

// ticketedJob runs a posts job whose provider call returns a ticket.
func (f *fixture) ticketedJob(t *testing.T) *models.ScrapeJob {
	t.Helper()
	ctx := context.Background()
	job, created, err := f.orch.RequestScrape(ctx, services.CreateJobInput{
		CompanyID: "c1", TargetID: "t1", TargetURL: "https://www.linkedin.com/company/rival-inc",
		Platform: "linkedin", ScrapeType: models.ScrapeTypePosts,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.orch.RunJob(ctx, job.ID))
	return job
}

func (f *fixture) job(t *testing.T, id string) *models.ScrapeJob {
	t.Helper()
	job, err := f.jobs.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (f *fixture) pending(t *testing.T) []models.PendingSnapshot {
	t.Helper()
	p, err := f.snapshots.Pending(context.Background())
	require.NoError(t, err)
	return p
}

func threePosts() []models.ProviderPost {
	posts := make([]models.ProviderPost, 3)
	for i := range posts {
		at := time.Date(2026, 2, 1+i, 9, 0, 0, 0, time.UTC)
		posts[i] = models.ProviderPost{ID: fmt.Sprintf("%d", 7100000000000000000+i), Text: "p", PostedAt: &at}
	}
	return posts
}

func TestSnapshotWorker_ReadyCompletesJob(t *testing.T) {
	f := newFixture(t)
	job := f.ticketedJob(t)
	require.Equal(t, models.JobStatusInProgress, f.job(t, job.ID).Status)
	require.Len(t, f.pending(t), 1)

	f.checker.status = &scraper.StatusResult{State: scraper.SnapshotReady, Posts: threePosts()}
	f.poller.Sweep(context.Background())

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 3, got.PostsScraped)
	assert.Empty(t, f.pending(t))

	typ, data := f.events.last()
	assert.Equal(t, models.EventScrapeCompleted, typ)
	assert.Equal(t, 3, data.(models.ScrapeCompletedEvent).PostsScraped)
}

func TestSnapshotWorker_ProcessingReportsBandProgress(t *testing.T) {
	f := newFixture(t)
	job := f.ticketedJob(t)

	f.poller.Sweep(context.Background())
	f.poller.Sweep(context.Background())

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.NotNil(t, pending[0].LastCheckedAt)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusInProgress, got.Status)
	assert.GreaterOrEqual(t, got.Progress, 30)
	assert.LessOrEqual(t, got.Progress, 80)

	typ, data := f.events.last()
	assert.Equal(t, models.EventScrapeProgress, typ)
	assert.Contains(t, data.(models.ScrapeProgressEvent).Message, "check 2/60")
}

func TestSnapshotWorker_ExpiresOldSnapshot(t *testing.T) {
	f := newFixture(t)
	job := f.ticketedJob(t)
	f.poller.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	f.poller.Sweep(context.Background())

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timed out")
	assert.Empty(t, f.pending(t))
	assert.Zero(t, f.checker.calls.Load(), "expired snapshots are not checked")

	typ, _ := f.events.last()
	assert.Equal(t, models.EventScrapeFailed, typ)
}

func TestSnapshotWorker_MaxAttempts(t *testing.T) {
	f := newFixture(t)
	job := f.ticketedJob(t)
	snap := f.pending(t)[0]
	require.NoError(t, f.store.RecordSnapshotCheck(context.Background(), snap.SnapshotID, snap.MaxAttempts, time.Now()))

	f.poller.Sweep(context.Background())

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "max attempts")
	assert.Empty(t, f.pending(t))
}

func TestSnapshotWorker_ProviderErrorFailsJob(t *testing.T) {
	f := newFixture(t)
	job := f.ticketedJob(t)
	f.checker.status = &scraper.StatusResult{State: scraper.SnapshotFailed, Message: "quota exceeded"}

	f.poller.Sweep(context.Background())

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "quota exceeded")
	assert.Empty(t, f.pending(t))
}

func TestSnapshotWorker_CheckErrorKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	job := f.ticketedJob(t)
	f.checker.status = nil
	f.checker.err = fmt.Errorf("connection refused")

	f.poller.Sweep(context.Background())

	assert.Equal(t, models.JobStatusInProgress, f.job(t, job.ID).Status)
	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestSnapshotWorker_SkipsOverlappingSweep(t *testing.T) {
	f := newFixture(t)
	f.ticketedJob(t)

	f.poller.mu.Lock()
	f.poller.Sweep(context.Background())
	f.poller.mu.Unlock()

	assert.Zero(t, f.checker.calls.Load())
}

func TestBandProgress(t *testing.T) {
	assert.Equal(t, 30, bandProgress(0, 60))
	assert.Equal(t, 55, bandProgress(30, 60))
	assert.Equal(t, 80, bandProgress(60, 60))
	assert.Equal(t, 80, bandProgress(99, 60))
	assert.Equal(t, 30, bandProgress(3, 0))
}

func TestRecoveryWorker_FailsOnlyStuckJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := &models.ScrapeJob{
		ID: "stale", CompanyID: "c1", TargetID: "t1", TargetURL: "https://www.linkedin.com/company/rival-inc",
		Platform: "linkedin", ScrapeType: models.ScrapeTypePosts, Status: models.JobStatusInProgress,
		CreatedAt: time.Now().Add(-11 * time.Minute),
	}
	fresh := &models.ScrapeJob{
		ID: "fresh", CompanyID: "c1", TargetID: "t2", TargetURL: "https://www.linkedin.com/company/other",
		Platform: "linkedin", ScrapeType: models.ScrapeTypePosts, Status: models.JobStatusPending,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, f.store.CreateJob(ctx, stale))
	require.NoError(t, f.store.CreateJob(ctx, fresh))

	w := NewRecoveryWorker(f.jobs, f.orch, 10*time.Minute, zap.NewNop().Sugar())
	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.job(t, "stale")
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, RecoveryMessage, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, models.JobStatusPending, f.job(t, "fresh").Status)

	typ, _ := f.events.last()
	assert.Equal(t, models.EventScrapeFailed, typ)

	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
