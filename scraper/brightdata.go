package scraper

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"rival_scrooper/config"
	"rival_scrooper/metrics"
	"rival_scrooper/models"
)

const maxErrorBody = 512

// BrightDataClient talks to the Bright Data datasets API. A scrape call
// either returns items straight away or a snapshot id to poll.
type BrightDataClient struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	platforms map[string]*config.PlatformConfig
	log       *zap.SugaredLogger
}

func NewBrightDataClient(cfg config.ProviderConfig, platforms map[string]*config.PlatformConfig, client *http.Client, log *zap.SugaredLogger) *BrightDataClient {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &BrightDataClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		client:    client,
		platforms: platforms,
		log:       log.Named("brightdata"),
	}
}

type scrapeInput struct {
	URL       string `json:"url"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

func (c *BrightDataClient) ScrapeCompany(ctx context.Context, platform, target string) (*Result, error) {
	p, err := c.platform(platform)
	if err != nil {
		return nil, err
	}
	return c.scrape(ctx, OpCompany, p.CompanyDataset, nil, scrapeInput{URL: target})
}

func (c *BrightDataClient) ScrapeProfile(ctx context.Context, platform, target string) (*Result, error) {
	p, err := c.platform(platform)
	if err != nil {
		return nil, err
	}
	return c.scrape(ctx, OpProfile, p.ProfileDataset, nil, scrapeInput{URL: target})
}

func (c *BrightDataClient) DiscoverPosts(ctx context.Context, platform, target string, mode DiscoveryMode, rng *DateRange) (*Result, error) {
	p, err := c.platform(platform)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = DiscoverByCompanyURL
	}

	input := scrapeInput{URL: target}
	if rng != nil {
		input.StartDate = rng.Start.UTC().Format("2006-01-02T15:04:05.000Z")
		input.EndDate = rng.End.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	query := url.Values{}
	query.Set("type", "discover_new")
	query.Set("discover_by", string(mode))
	return c.scrape(ctx, OpPosts, p.PostsDataset, query, input)
}

// CheckStatus asks for a snapshot's progress and downloads it once ready.
func (c *BrightDataClient) CheckStatus(ctx context.Context, snapshotID string) (*StatusResult, error) {
	start := time.Now()
	defer func() {
		metrics.ProviderCallDuration.WithLabelValues("status").Observe(time.Since(start).Seconds())
	}()

	body, status, err := c.do(ctx, http.MethodGet, "/datasets/v3/progress/"+url.PathEscape(snapshotID), nil)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("status", "error").Inc()
		return nil, err
	}
	if status != http.StatusOK {
		metrics.ProviderCalls.WithLabelValues("status", "error").Inc()
		return nil, statusError(status, body)
	}

	var progress struct {
		Status  string `json:"status"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &progress); err != nil {
		return nil, errors.Wrap(err, "decode snapshot progress")
	}

	switch progress.Status {
	case "ready":
	case "failed":
		metrics.ProviderCalls.WithLabelValues("status", "failed").Inc()
		msg := firstNonEmpty(progress.Error, progress.Message, "snapshot failed")
		return &StatusResult{State: SnapshotFailed, Message: msg, Raw: body}, nil
	default:
		metrics.ProviderCalls.WithLabelValues("status", "processing").Inc()
		return &StatusResult{State: SnapshotProcessing, Raw: body}, nil
	}

	data, status, err := c.do(ctx, http.MethodGet, "/datasets/v3/snapshot/"+url.PathEscape(snapshotID)+"?format=json", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		// progress said ready but the file is still being built
		return &StatusResult{State: SnapshotProcessing, Raw: data}, nil
	}
	if status != http.StatusOK {
		return nil, statusError(status, data)
	}

	parsed, err := c.parseItems(data)
	if err != nil {
		return nil, err
	}
	metrics.ProviderCalls.WithLabelValues("status", "ready").Inc()
	return &StatusResult{State: SnapshotReady, Posts: parsed.Posts, Profile: parsed.Profile, Raw: data}, nil
}

func (c *BrightDataClient) scrape(ctx context.Context, op Operation, dataset string, query url.Values, input scrapeInput) (*Result, error) {
	if c.apiKey == "" {
		return nil, errors.New("BRIGHTDATA_API_KEY not set")
	}
	if dataset == "" {
		return nil, errors.Wrapf(ErrProviderStatus, "no dataset configured for %s", op)
	}

	start := time.Now()
	defer func() {
		metrics.ProviderCallDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}()

	if query == nil {
		query = url.Values{}
	}
	query.Set("dataset_id", dataset)
	query.Set("include_errors", "true")
	query.Set("format", "json")

	payload, err := json.Marshal([]scrapeInput{input})
	if err != nil {
		return nil, errors.Wrap(err, "encode scrape input")
	}

	body, status, err := c.do(ctx, http.MethodPost, "/datasets/v3/scrape?"+query.Encode(), payload)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(string(op), "error").Inc()
		return nil, err
	}

	switch status {
	case http.StatusOK:
	case http.StatusAccepted:
		var ticket struct {
			SnapshotID string `json:"snapshot_id"`
		}
		if err := json.Unmarshal(body, &ticket); err != nil || ticket.SnapshotID == "" {
			return nil, errors.Newf("accepted response without snapshot id: %s", truncate(body))
		}
		metrics.ProviderCalls.WithLabelValues(string(op), "ticket").Inc()
		c.log.Infow("provider returned snapshot", "operation", op, "snapshot_id", ticket.SnapshotID)
		return &Result{SnapshotID: ticket.SnapshotID, Raw: body}, nil
	default:
		metrics.ProviderCalls.WithLabelValues(string(op), "error").Inc()
		return nil, statusError(status, body)
	}

	parsed, err := c.parseItems(body)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(string(op), "error").Inc()
		return nil, err
	}
	parsed.Raw = body
	if parsed.IsTicket() {
		metrics.ProviderCalls.WithLabelValues(string(op), "ticket").Inc()
		return parsed, nil
	}
	metrics.ProviderCalls.WithLabelValues(string(op), "data").Inc()

	if op != OpPosts {
		parsed.Posts = nil
	}
	return parsed, nil
}

func (c *BrightDataClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read provider response")
	}
	return data, resp.StatusCode, nil
}

func (c *BrightDataClient) platform(id string) (*config.PlatformConfig, error) {
	if p, ok := c.platforms[id]; ok {
		return p, nil
	}
	return nil, errors.Wrapf(ErrProviderStatus, "unsupported platform %q", id)
}

// statusError classifies a non-success HTTP status. Client errors other than
// rate limiting will not go away on retry and are reported as ErrProviderStatus.
func statusError(status int, body []byte) error {
	err := errors.Newf("provider returned %d: %s", status, truncate(body))
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return errors.Mark(err, ErrProviderStatus)
	}
	return err
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// brightDataItem covers the fields used from the company, profile and post datasets.
type brightDataItem struct {
	SnapshotID string `json:"snapshot_id"`
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`

	ID            string   `json:"id"`
	PostID        string   `json:"post_id"`
	URL           string   `json:"url"`
	PostText      string   `json:"post_text"`
	Title         string   `json:"title"`
	DatePosted    string   `json:"date_posted"`
	NumLikes      int      `json:"num_likes"`
	NumComments   int      `json:"num_comments"`
	Videos        []string `json:"videos"`
	Images        []string `json:"images"`
	DocumentCover string   `json:"document_cover_image"`
	UserFollowers *int     `json:"user_followers"`

	Name      string `json:"name"`
	Logo      string `json:"logo"`
	Avatar    string `json:"avatar"`
	Followers *int   `json:"followers"`
}

func (it *brightDataItem) isPost() bool {
	return it.PostID != "" || it.DatePosted != "" || it.PostText != ""
}

func (it *brightDataItem) toPost() models.ProviderPost {
	post := models.ProviderPost{
		ID:              it.PostID,
		URL:             it.URL,
		Text:            firstNonEmpty(it.PostText, it.Title),
		Likes:           it.NumLikes,
		Comments:        it.NumComments,
		Videos:          it.Videos,
		Images:          it.Images,
		DocumentURL:     it.DocumentCover,
		AuthorFollowers: it.UserFollowers,
	}
	if post.ID == "" {
		post.ID = it.ID
	}
	post.PostedAt = parseDate(it.DatePosted)
	return post
}

// parseItems decodes a scrape or snapshot body: an array of items, a single
// item, or an array holding one object with a snapshot id.
func (c *BrightDataClient) parseItems(body []byte) (*Result, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		var single json.RawMessage
		if err2 := json.Unmarshal(body, &single); err2 != nil {
			return nil, errors.Wrap(err, "decode provider items")
		}
		raw = []json.RawMessage{single}
	}

	result := &Result{}
	var errs []string
	for _, r := range raw {
		var item brightDataItem
		if err := json.Unmarshal(r, &item); err != nil {
			c.log.Warnw("skipping malformed provider item", "error", err)
			continue
		}
		if item.SnapshotID != "" && len(raw) == 1 && !item.isPost() {
			result.SnapshotID = item.SnapshotID
			return result, nil
		}
		if item.Error != "" {
			msg := item.Error
			if item.ErrorCode != "" {
				msg = item.ErrorCode + ": " + msg
			}
			errs = append(errs, msg)
			continue
		}
		if item.isPost() {
			result.Posts = append(result.Posts, item.toPost())
			continue
		}
		if result.Profile == nil && (item.Name != "" || item.Followers != nil) {
			result.Profile = &ProfileData{
				Name:              item.Name,
				ProfilePictureURL: firstNonEmpty(item.Logo, item.Avatar),
				Followers:         item.Followers,
			}
		}
	}

	if len(errs) > 0 && len(result.Posts) == 0 && result.Profile == nil {
		return nil, errors.Wrapf(ErrProviderStatus, "%s", errs[0])
	}
	return result, nil
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
