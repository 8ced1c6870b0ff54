package models

// Live event names, delivered per company.
const (
	EventScrapeStarted          = "scrape:started"
	EventScrapeProgress         = "scrape:progress"
	EventScrapeCompleted        = "scrape:completed"
	EventScrapeFailed           = "scrape:failed"
	EventScrapeScheduled        = "scrape:scheduled"
	EventCompetitorProfileReady = "competitor:profileReady"
	EventCompetitorSyncFailed   = "competitor:syncFailed"
)

type Event struct {
	Type      string `json:"type"`
	CompanyID string `json:"companyId"`
	Data      any    `json:"data"`
}

type ScrapeStartedEvent struct {
	JobID      string `json:"jobId"`
	TargetID   string `json:"targetId"`
	TargetName string `json:"targetName"`
}

type ScrapeProgressEvent struct {
	JobID    string `json:"jobId"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

type ScrapeCompletedEvent struct {
	JobID        string `json:"jobId"`
	TargetID     string `json:"targetId"`
	PostsScraped int    `json:"postsScraped"`
}

type ScrapeFailedEvent struct {
	JobID    string `json:"jobId"`
	TargetID string `json:"targetId"`
	Error    string `json:"error"`
}

type ScrapeScheduledEvent struct {
	JobID        string `json:"jobId"`
	TargetID     string `json:"targetId"`
	TargetName   string `json:"targetName"`
	DelaySeconds int    `json:"delaySeconds"`
}

type ProfileReadyEvent struct {
	CompetitorID      string `json:"competitorId"`
	Name              string `json:"name"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
	Followers         *int   `json:"followers,omitempty"`
}

type SyncFailedEvent struct {
	CompetitorID string `json:"competitorId"`
	Name         string `json:"name"`
	Error        string `json:"error"`
}
