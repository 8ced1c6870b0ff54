package models

import "time"

// PendingSnapshot tracks a provider ticket that has not produced data yet.
// It only exists while its job is pending or in progress.
type PendingSnapshot struct {
	SnapshotID    string     `json:"snapshot_id" db:"snapshot_id"`
	JobID         string     `json:"job_id" db:"job_id"`
	CompanyID     string     `json:"company_id" db:"company_id"`
	TargetID      string     `json:"target_id" db:"target_id"`
	TargetURL     string     `json:"target_url" db:"target_url"`
	Platform      string     `json:"platform" db:"platform"`
	Attempts      int        `json:"attempts" db:"attempts"`
	MaxAttempts   int        `json:"max_attempts" db:"max_attempts"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty" db:"last_checked_at"`
}

func (p *PendingSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

func (p *PendingSnapshot) Exhausted() bool {
	return p.Attempts >= p.MaxAttempts
}

// PlatformSnapshot is a point-in-time reading of a social profile's size.
type PlatformSnapshot struct {
	ID         int64     `json:"id" db:"id"`
	ProfileID  string    `json:"profile_id" db:"profile_id"`
	Followers  *int      `json:"followers,omitempty" db:"followers"`
	PostCount  int       `json:"post_count" db:"post_count"`
	CapturedAt time.Time `json:"captured_at" db:"captured_at"`
}
