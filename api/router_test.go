package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"rival_scrooper/models"
	"rival_scrooper/services"
)

type fakeScrapes struct {
	got      services.CreateJobInput
	existing *models.ScrapeJob
}

func (f *fakeScrapes) RequestScrape(ctx context.Context, in services.CreateJobInput) (*models.ScrapeJob, bool, error) {
	f.got = in
	if err := validator.New().Struct(in); err != nil {
		return nil, false, err
	}
	if f.existing != nil {
		return f.existing, false, nil
	}
	return &models.ScrapeJob{ID: "j1", CompanyID: in.CompanyID, TargetID: in.TargetID, Status: models.JobStatusPending}, true, nil
}

type fakeJobs struct {
	jobs   map[string]*models.ScrapeJob
	filter models.JobFilter
}

func (f *fakeJobs) FindByID(ctx context.Context, id string) (*models.ScrapeJob, error) {
	return f.jobs[id], nil
}

func (f *fakeJobs) ListByCompany(ctx context.Context, companyID string, filter models.JobFilter) ([]models.ScrapeJob, error) {
	f.filter = filter
	var out []models.ScrapeJob
	for _, j := range f.jobs {
		if j.CompanyID == companyID {
			out = append(out, *j)
		}
	}
	return out, nil
}

type fakePosts struct{ calls int }

func (f *fakePosts) ListPosts(ctx context.Context, targetID, profileID string, limit int) ([]models.Post, error) {
	f.calls++
	return []models.Post{{ID: "p1", TargetID: targetID, ProfileID: profileID}}, nil
}

type mapCache map[string][]models.Post

func (m mapCache) Get(targetID, profileID string) ([]models.Post, bool) {
	p, ok := m[targetID+"|"+profileID]
	return p, ok
}

func (m mapCache) Generation(string) uint64 { return 0 }

func (m mapCache) Set(targetID, profileID string, _ uint64, posts []models.Post) bool {
	m[targetID+"|"+profileID] = posts
	return true
}

func newTestRouter(scrapes *fakeScrapes, jobs *fakeJobs, posts *fakePosts) http.Handler {
	return NewRouter(Deps{
		Scrapes: scrapes,
		Jobs:    jobs,
		Posts:   posts,
		Cache:   mapCache{},
	}, zap.NewNop().Sugar()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateScrape(t *testing.T) {
	scrapes := &fakeScrapes{}
	h := newTestRouter(scrapes, &fakeJobs{}, &fakePosts{})

	rec := do(t, h, http.MethodPost, "/api/companies/c1/scrapes",
		`{"targetId":"t1","targetUrl":"https://www.linkedin.com/company/rival","scrapeType":"company"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp scrapeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Created)
	assert.Equal(t, "j1", resp.Job.ID)
	assert.Equal(t, "c1", scrapes.got.CompanyID)
	assert.Equal(t, "linkedin", scrapes.got.Platform)
	assert.Equal(t, models.ScrapeTypeCompany, scrapes.got.ScrapeType)
}

func TestCreateScrape_ExistingJob(t *testing.T) {
	scrapes := &fakeScrapes{existing: &models.ScrapeJob{ID: "old", Status: models.JobStatusInProgress}}
	h := newTestRouter(scrapes, &fakeJobs{}, &fakePosts{})

	rec := do(t, h, http.MethodPost, "/api/companies/c1/scrapes",
		`{"targetId":"t1","targetUrl":"https://www.linkedin.com/company/rival"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"created":false`)
	assert.Contains(t, rec.Body.String(), `"id":"old"`)
}

func TestCreateScrape_BadInput(t *testing.T) {
	h := newTestRouter(&fakeScrapes{}, &fakeJobs{}, &fakePosts{})

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/companies/c1/scrapes", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/companies/c1/scrapes",
		`{"targetId":"t1","targetUrl":"nope"}`).Code)
}

func TestGetJob(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]*models.ScrapeJob{
		"j1": {ID: "j1", CompanyID: "c1", Status: models.JobStatusFailed, ErrorMessage: "timed out"},
	}}
	h := newTestRouter(&fakeScrapes{}, jobs, &fakePosts{})

	rec := do(t, h, http.MethodGet, "/api/jobs/j1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error_message":"timed out"`)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/jobs/missing", "").Code)
}

func TestListJobs(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]*models.ScrapeJob{
		"j1": {ID: "j1", CompanyID: "c1", Status: models.JobStatusPending},
		"j2": {ID: "j2", CompanyID: "c2", Status: models.JobStatusPending},
	}}
	h := newTestRouter(&fakeScrapes{}, jobs, &fakePosts{})

	rec := do(t, h, http.MethodGet, "/api/companies/c1/jobs?status=pending&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []models.ScrapeJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "j1", got[0].ID)
	assert.Equal(t, models.JobStatusPending, jobs.filter.Status)
	assert.Equal(t, 10, jobs.filter.Limit)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/companies/c1/jobs?status=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/companies/c1/jobs?limit=x", "").Code)

	rec = do(t, h, http.MethodGet, "/api/companies/nobody/jobs", "")
	assert.Equal(t, "[]", rec.Body.String())
}

func TestListPosts_UsesCache(t *testing.T) {
	posts := &fakePosts{}
	h := newTestRouter(&fakeScrapes{}, &fakeJobs{}, posts)

	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodGet, "/api/targets/t1/posts?profileId=pr1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":"p1"`)
	}
	assert.Equal(t, 1, posts.calls)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(&fakeScrapes{}, &fakeJobs{}, &fakePosts{})
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
