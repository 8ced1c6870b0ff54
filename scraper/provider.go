package scraper

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"rival_scrooper/models"
)

var (
	// ErrProviderStatus marks an explicit failure reported by the provider.
	// It is terminal: retrying will not help.
	ErrProviderStatus = errors.New("provider reported failure")
	// ErrSerializerClosed is returned to callers still queued when the serializer shuts down.
	ErrSerializerClosed = errors.New("serializer closed")
)

type Operation string

const (
	OpCompany Operation = "company"
	OpProfile Operation = "profile"
	OpPosts   Operation = "posts"
)

// DiscoveryMode tells the provider how to find posts from a URL.
type DiscoveryMode string

const (
	DiscoverByCompanyURL DiscoveryMode = "company_url"
	DiscoverByProfileURL DiscoveryMode = "profile_url"
)

type DateRange struct {
	Start time.Time
	End   time.Time
}

// Request is one provider call routed through the serializer.
type Request struct {
	Op       Operation
	Platform string
	URL      string
	Mode     DiscoveryMode
	Range    *DateRange
}

type ProfileData struct {
	Name              string
	ProfilePictureURL string
	Followers         *int
}

// Result is either data (Posts and/or Profile) or a ticket (SnapshotID) to poll later.
type Result struct {
	Posts      []models.ProviderPost
	Profile    *ProfileData
	SnapshotID string
	Raw        []byte
}

func (r *Result) IsTicket() bool {
	return r != nil && r.SnapshotID != ""
}

type SnapshotState string

const (
	SnapshotReady      SnapshotState = "ready"
	SnapshotProcessing SnapshotState = "processing"
	SnapshotFailed     SnapshotState = "error"
)

type StatusResult struct {
	State   SnapshotState
	Posts   []models.ProviderPost
	Profile *ProfileData
	Message string
	Raw     []byte
}

// Provider is the third-party scraping service.
type Provider interface {
	ScrapeCompany(ctx context.Context, platform, url string) (*Result, error)
	ScrapeProfile(ctx context.Context, platform, url string) (*Result, error)
	DiscoverPosts(ctx context.Context, platform, url string, mode DiscoveryMode, rng *DateRange) (*Result, error)
	CheckStatus(ctx context.Context, snapshotID string) (*StatusResult, error)
}

// StatusChecker is the part of Provider the poller needs.
type StatusChecker interface {
	CheckStatus(ctx context.Context, snapshotID string) (*StatusResult, error)
}

// Call dispatches a request to the matching provider method.
func Call(ctx context.Context, p Provider, req Request) (*Result, error) {
	switch req.Op {
	case OpCompany:
		return p.ScrapeCompany(ctx, req.Platform, req.URL)
	case OpProfile:
		return p.ScrapeProfile(ctx, req.Platform, req.URL)
	case OpPosts:
		return p.DiscoverPosts(ctx, req.Platform, req.URL, req.Mode, req.Range)
	}
	return nil, errors.Newf("unknown provider operation %q", req.Op)
}
