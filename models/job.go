package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusInProgress
}

// CanTransition reports whether a job may move from s to next.
// in_progress -> in_progress is allowed so a re-delivered task can restart a job.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusInProgress || next.IsTerminal()
	case JobStatusInProgress:
		return next == JobStatusInProgress || next.IsTerminal()
	}
	return false
}

type ScrapeType string

const (
	ScrapeTypeCompany ScrapeType = "company"
	ScrapeTypeProfile ScrapeType = "profile"
	ScrapeTypePosts   ScrapeType = "posts"
)

type ScrapeJob struct {
	ID           string     `json:"id" db:"id"`
	CompanyID    string     `json:"company_id" db:"company_id"`
	TargetID     string     `json:"target_id" db:"target_id"`
	TargetURL    string     `json:"target_url" db:"target_url"`
	Platform     string     `json:"platform" db:"platform"`
	ScrapeType   ScrapeType `json:"scrape_type" db:"scrape_type"`
	Status       JobStatus  `json:"status" db:"status"`
	Progress     int        `json:"progress" db:"progress"`
	PostsScraped int        `json:"posts_scraped" db:"posts_scraped"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// JobUpdate carries the optional fields of a progress update.
type JobUpdate struct {
	PostsScraped *int
	ErrorMessage *string
}

type JobFilter struct {
	Status   JobStatus
	TargetID string
	Limit    int
}
