package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"rival_scrooper/models"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.RunWithContext(ctx)
		close(done)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, companyID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?companyId=" + companyID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_DeliversToCompanyRoom(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "acme")
	require.Eventually(t, func() bool { return hub.ClientCount("acme") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Emit("acme", models.EventScrapeCompleted, models.ScrapeCompletedEvent{JobID: "j1", TargetID: "t1", PostsScraped: 5})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type      string         `json:"type"`
		CompanyID string         `json:"companyId"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, models.EventScrapeCompleted, got.Type)
	assert.Equal(t, "acme", got.CompanyID)
	assert.Equal(t, "j1", got.Data["jobId"])
	assert.EqualValues(t, 5, got.Data["postsScraped"])
}

func TestHub_IsolatesCompanies(t *testing.T) {
	hub, srv := startHub(t)
	other := dial(t, srv, "globex")
	mine := dial(t, srv, "acme")
	require.Eventually(t, func() bool { return hub.ClientCount("") == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Emit("acme", models.EventScrapeStarted, models.ScrapeStartedEvent{JobID: "j1"})

	require.NoError(t, mine.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := mine.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "other company must not receive the event")
}

func TestHub_RequiresCompany(t *testing.T) {
	_, srv := startHub(t)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_EmitBeforeRunDoesNotBlock(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	for i := 0; i < broadcastBuffer*2; i++ {
		hub.Emit("acme", models.EventScrapeProgress, nil)
	}
	assert.Equal(t, 0, len(hub.broadcast))
}

func TestHub_ClientRemovedOnDisconnect(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "acme")
	require.Eventually(t, func() bool { return hub.ClientCount("acme") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount("acme") == 0 }, 2*time.Second, 10*time.Millisecond)
}
