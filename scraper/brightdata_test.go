package scraper

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"rival_scrooper/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *BrightDataClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	platforms := map[string]*config.PlatformConfig{"linkedin": config.DefaultPlatform()}
	return NewBrightDataClient(config.ProviderConfig{APIKey: "secret", BaseURL: srv.URL}, platforms, srv.Client(), zap.NewNop().Sugar())
}

func TestBrightData_DiscoverPostsImmediate(t *testing.T) {
	var gotQuery, gotAuth, gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`[
			{"post_id":"7012345678901234567","url":"https://www.linkedin.com/posts/x","post_text":"hello","date_posted":"2026-03-01T10:00:00.000Z","num_likes":4,"num_comments":1,"images":["a","b"],"user_followers":900},
			{"error":"private post","error_code":"dead_page"}
		]`))
	})

	res, err := client.DiscoverPosts(context.Background(), "linkedin", "https://www.linkedin.com/company/acme", DiscoverByCompanyURL, nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Contains(t, gotQuery, "type=discover_new")
	assert.Contains(t, gotQuery, "discover_by=company_url")
	assert.Contains(t, gotQuery, "dataset_id="+config.DefaultPlatform().PostsDataset)
	assert.JSONEq(t, `[{"url":"https://www.linkedin.com/company/acme"}]`, gotBody)

	assert.False(t, res.IsTicket())
	require.Len(t, res.Posts, 1)
	post := res.Posts[0]
	assert.Equal(t, "7012345678901234567", post.ID)
	assert.Equal(t, "hello", post.Text)
	assert.Equal(t, 4, post.Likes)
	require.NotNil(t, post.PostedAt)
	require.NotNil(t, post.AuthorFollowers)
	assert.Equal(t, 900, *post.AuthorFollowers)
	assert.NotEmpty(t, res.Raw)
}

func TestBrightData_AcceptedReturnsTicket(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"snapshot_id":"s_abc"}`))
	})

	res, err := client.ScrapeCompany(context.Background(), "linkedin", "https://www.linkedin.com/company/acme")
	require.NoError(t, err)
	assert.True(t, res.IsTicket())
	assert.Equal(t, "s_abc", res.SnapshotID)
}

func TestBrightData_CompanyProfile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"Acme","logo":"https://cdn/logo.png","followers":4200}]`))
	})

	res, err := client.ScrapeCompany(context.Background(), "linkedin", "https://www.linkedin.com/company/acme")
	require.NoError(t, err)
	require.NotNil(t, res.Profile)
	assert.Equal(t, "Acme", res.Profile.Name)
	assert.Equal(t, "https://cdn/logo.png", res.Profile.ProfilePictureURL)
	assert.Equal(t, 4200, *res.Profile.Followers)
	assert.Empty(t, res.Posts)
}

func TestBrightData_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		terminal bool
	}{
		{"bad request", http.StatusBadRequest, `{"error":"bad dataset"}`, true},
		{"rate limited", http.StatusTooManyRequests, `slow down`, false},
		{"server error", http.StatusBadGateway, `oops`, false},
		{"all items failed", http.StatusOK, `[{"error":"not found","error_code":"dead_page"}]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.DiscoverPosts(context.Background(), "linkedin", "https://www.linkedin.com/company/acme", "", nil)
			require.Error(t, err)
			assert.Equal(t, tt.terminal, errorsIsProviderStatus(err))
		})
	}
}

func TestBrightData_UnknownPlatform(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := client.ScrapeProfile(context.Background(), "myspace", "https://myspace.com/x")
	assert.True(t, errorsIsProviderStatus(err))
}

func TestBrightData_CheckStatus(t *testing.T) {
	progress := "running"
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/datasets/v3/progress/s_1":
			_, _ = w.Write([]byte(`{"status":"` + progress + `","error":"quota exceeded"}`))
		case "/datasets/v3/snapshot/s_1":
			_, _ = w.Write([]byte(`[{"post_id":"1","post_text":"a"},{"post_id":"2","post_text":"b"},{"post_id":"3","post_text":"c"}]`))
		default:
			http.NotFound(w, r)
		}
	})

	st, err := client.CheckStatus(context.Background(), "s_1")
	require.NoError(t, err)
	assert.Equal(t, SnapshotProcessing, st.State)

	progress = "ready"
	st, err = client.CheckStatus(context.Background(), "s_1")
	require.NoError(t, err)
	assert.Equal(t, SnapshotReady, st.State)
	assert.Len(t, st.Posts, 3)

	progress = "failed"
	st, err = client.CheckStatus(context.Background(), "s_1")
	require.NoError(t, err)
	assert.Equal(t, SnapshotFailed, st.State)
	assert.Equal(t, "quota exceeded", st.Message)
}

func TestBrightData_MissingAPIKey(t *testing.T) {
	client := NewBrightDataClient(config.ProviderConfig{BaseURL: "http://127.0.0.1:1"},
		map[string]*config.PlatformConfig{"linkedin": config.DefaultPlatform()}, nil, zap.NewNop().Sugar())
	_, err := client.ScrapeCompany(context.Background(), "linkedin", "https://www.linkedin.com/company/acme")
	assert.Error(t, err)
}
