package models

import "time"

type MediaType string

const (
	MediaTypeVideo    MediaType = "video"
	MediaTypeCarousel MediaType = "carousel"
	MediaTypeImage    MediaType = "image"
	MediaTypeDocument MediaType = "document"
	MediaTypeText     MediaType = "text"
)

type Post struct {
	ID         string     `json:"id" db:"id"`
	TargetID   string     `json:"target_id" db:"target_id"`
	ProfileID  string     `json:"profile_id" db:"profile_id"`
	ExternalID string     `json:"external_id" db:"external_id"`
	Caption    string     `json:"caption" db:"caption"`
	URL        string     `json:"url" db:"url"`
	MediaType  MediaType  `json:"media_type" db:"media_type"`
	PostedAt   *time.Time `json:"posted_at,omitempty" db:"posted_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// PostSnapshot is one observation of a post's engagement counters.
type PostSnapshot struct {
	ID         int64     `json:"id" db:"id"`
	PostID     string    `json:"post_id" db:"post_id"`
	Likes      int       `json:"likes" db:"likes"`
	Comments   int       `json:"comments" db:"comments"`
	CapturedAt time.Time `json:"captured_at" db:"captured_at"`
}

type PostAnalysis struct {
	PostID      string    `json:"post_id" db:"post_id"`
	Impressions int       `json:"impressions" db:"impressions"`
	Engagement  int       `json:"engagement" db:"engagement"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ProviderPost is a post item as returned by the scraping provider,
// already normalized from the provider's field names.
type ProviderPost struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Text            string     `json:"text"`
	PostedAt        *time.Time `json:"posted_at"`
	Likes           int        `json:"likes"`
	Comments        int        `json:"comments"`
	Videos          []string   `json:"videos"`
	Images          []string   `json:"images"`
	DocumentURL     string     `json:"document_url"`
	AuthorFollowers *int       `json:"author_followers"`
}

// MediaType picks the post's media type: video, then carousel, image, document, text.
func (p *ProviderPost) MediaType() MediaType {
	switch {
	case len(p.Videos) > 0:
		return MediaTypeVideo
	case len(p.Images) > 1:
		return MediaTypeCarousel
	case len(p.Images) == 1:
		return MediaTypeImage
	case p.DocumentURL != "":
		return MediaTypeDocument
	}
	return MediaTypeText
}
