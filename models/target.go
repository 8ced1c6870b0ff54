package models

import "time"

type TargetKind string

const (
	TargetKindCompany    TargetKind = "company"
	TargetKindCompetitor TargetKind = "competitor"
)

// Target is a company or one of its competitors.
type Target struct {
	ID        string     `json:"id" db:"id"`
	CompanyID string     `json:"company_id" db:"company_id"`
	Name      string     `json:"name" db:"name"`
	Kind      TargetKind `json:"kind" db:"kind"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

func (t *Target) IsCompetitor() bool {
	return t.Kind == TargetKindCompetitor
}

// SocialProfile is a target's presence on one platform. Posts hang off its ID.
type SocialProfile struct {
	ID                string    `json:"id" db:"id"`
	TargetID          string    `json:"target_id" db:"target_id"`
	Platform          string    `json:"platform" db:"platform"`
	URL               string    `json:"url" db:"url"`
	ProfilePictureURL string    `json:"profile_picture_url,omitempty" db:"profile_picture_url"`
	Followers         *int      `json:"followers,omitempty" db:"followers"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}
