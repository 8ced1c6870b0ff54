package scraper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"rival_scrooper/config"
	"rival_scrooper/models"
	"rival_scrooper/queue"
	"rival_scrooper/services"
	"rival_scrooper/storage"
)

// fakeProvider answers each operation from a scripted function and records calls.
type fakeProvider struct {
	mu       sync.Mutex
	calls    []Request
	starts   []time.Time
	inFlight int
	maxInFl  int
	hold     time.Duration

	respond func(n int, req Request) (*Result, error)
	status  func(snapshotID string) (*StatusResult, error)
}

func (f *fakeProvider) do(ctx context.Context, req Request) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.starts = append(f.starts, time.Now())
	n := len(f.calls)
	f.inFlight++
	if f.inFlight > f.maxInFl {
		f.maxInFl = f.inFlight
	}
	f.mu.Unlock()

	if f.hold > 0 {
		time.Sleep(f.hold)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.respond == nil {
		return &Result{}, nil
	}
	return f.respond(n, req)
}

func (f *fakeProvider) ScrapeCompany(ctx context.Context, platform, url string) (*Result, error) {
	return f.do(ctx, Request{Op: OpCompany, Platform: platform, URL: url})
}

func (f *fakeProvider) ScrapeProfile(ctx context.Context, platform, url string) (*Result, error) {
	return f.do(ctx, Request{Op: OpProfile, Platform: platform, URL: url})
}

func (f *fakeProvider) DiscoverPosts(ctx context.Context, platform, url string, mode DiscoveryMode, rng *DateRange) (*Result, error) {
	return f.do(ctx, Request{Op: OpPosts, Platform: platform, URL: url, Mode: mode, Range: rng})
}

func (f *fakeProvider) CheckStatus(ctx context.Context, snapshotID string) (*StatusResult, error) {
	if f.status == nil {
		return &StatusResult{State: SnapshotProcessing}, nil
	}
	return f.status(snapshotID)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type emitted struct {
	CompanyID string
	Type      string
	Data      any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(companyID, eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{CompanyID: companyID, Type: eventType, Data: data})
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingEmitter) find(eventType string) (emitted, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return emitted{}, false
}

type enqueued struct {
	Type    string
	Payload any
	Opts    queue.EnqueueOptions
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (q *recordingQueue) Enqueue(ctx context.Context, taskType string, payload any, opts queue.EnqueueOptions) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, enqueued{Type: taskType, Payload: payload, Opts: opts})
	return &models.Task{ID: fmt.Sprintf("task-%d", len(q.tasks)), Type: taskType}, nil
}

type recordingCache struct {
	mu      sync.Mutex
	targets []string
}

func (c *recordingCache) InvalidateTarget(companyID, targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, companyID+"/"+targetID)
}

type harness struct {
	store    *storage.SQLiteStore
	provider *fakeProvider
	emitter  *recordingEmitter
	queue    *recordingQueue
	cache    *recordingCache
	serial   *Serializer
	orch     *Orchestrator
}

func newHarness(t *testing.T, provider *fakeProvider) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertTarget(ctx, &models.Target{
		ID: "t1", CompanyID: "c1", Name: "Rival Inc", Kind: models.TargetKindCompetitor, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.UpsertTarget(ctx, &models.Target{
		ID: "own", CompanyID: "c1", Name: "Us", Kind: models.TargetKindCompany, CreatedAt: time.Now(),
	}))

	serial := NewSerializer(provider, 0, log)
	t.Cleanup(serial.Close)

	h := &harness{
		store:    store,
		provider: provider,
		emitter:  &recordingEmitter{},
		queue:    &recordingQueue{},
		cache:    &recordingCache{},
		serial:   serial,
	}

	cfg := DefaultOrchestratorConfig()
	cfg.RetryBaseDelay = time.Millisecond
	h.orch = h.newOrchestrator(cfg, h.queue)
	return h
}

func (h *harness) newOrchestrator(cfg OrchestratorConfig, q TaskEnqueuer) *Orchestrator {
	log := zap.NewNop().Sugar()
	return NewOrchestrator(cfg, Deps{
		Jobs:       services.NewJobService(h.store, log),
		Snapshots:  services.NewSnapshotService(h.store),
		Posts:      services.NewPostService(h.store, services.DefaultMaxPostsPerBatch, log),
		Domain:     h.store,
		Serializer: h.serial,
		Queue:      q,
		Emitter:    h.emitter,
		Cache:      h.cache,
		Platforms:  map[string]*config.PlatformConfig{"linkedin": config.DefaultPlatform()},
	}, log)
}

// withTaskQueue rewires the orchestrator onto the durable SQLite queue and
// returns a worker serving the scrape task types. Scheduling delays are zero
// so follow-up tasks are due at once.
func (h *harness) withTaskQueue(t *testing.T) *queue.Worker {
	t.Helper()
	log := zap.NewNop().Sugar()

	cfg := DefaultOrchestratorConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.ProfileRetryDelay = 0
	cfg.PostsDelayMin = 0
	cfg.PostsDelayMax = 0
	h.orch = h.newOrchestrator(cfg, queue.New(h.store, log))

	reg := queue.NewRegistry()
	RegisterHandlers(reg, h.orch)
	return queue.NewWorker(h.store, reg, queue.WorkerConfig{Workers: 1, PollInterval: time.Millisecond}, log)
}

// drain runs due tasks until none is left, failing after limit tasks.
func drain(t *testing.T, w *queue.Worker, limit int) int {
	t.Helper()
	ran := 0
	for {
		processed, err := w.ProcessNext(context.Background())
		require.NoError(t, err)
		if !processed {
			return ran
		}
		ran++
		require.LessOrEqual(t, ran, limit, "queue did not settle")
	}
}

func (h *harness) request(t *testing.T, targetID string, scrapeType models.ScrapeType) (*models.ScrapeJob, bool) {
	t.Helper()
	job, created, err := h.orch.RequestScrape(context.Background(), services.CreateJobInput{
		CompanyID:  "c1",
		TargetID:   targetID,
		TargetURL:  "https://www.linkedin.com/company/rival-inc/",
		Platform:   "linkedin",
		ScrapeType: scrapeType,
	})
	require.NoError(t, err)
	return job, created
}

func (h *harness) job(t *testing.T, id string) *models.ScrapeJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func samplePosts(n int) []models.ProviderPost {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	followers := 1500
	posts := make([]models.ProviderPost, 0, n)
	for i := 0; i < n; i++ {
		posted := base.Add(time.Duration(i) * time.Hour)
		posts = append(posts, models.ProviderPost{
			ID:              fmt.Sprintf("70%017d", i+1),
			URL:             fmt.Sprintf("https://www.linkedin.com/posts/rival_activity-70%017d", i+1),
			Text:            fmt.Sprintf("post %d", i+1),
			PostedAt:        &posted,
			Likes:           10 + i,
			Comments:        i,
			AuthorFollowers: &followers,
		})
	}
	return posts
}
