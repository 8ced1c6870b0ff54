package services

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"rival_scrooper/identity"
	"rival_scrooper/models"
	"rival_scrooper/storage"
)

const DefaultMaxPostsPerBatch = 20

// ProfileStats is what a company or profile fetch tells us about a social profile.
type ProfileStats struct {
	Name              string
	ProfilePictureURL string
	Followers         *int
}

// PostService turns provider post items into stored posts and snapshots.
type PostService struct {
	store    storage.DomainStore
	maxPosts int
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewPostService(store storage.DomainStore, maxPosts int, log *zap.SugaredLogger) *PostService {
	if maxPosts <= 0 {
		maxPosts = DefaultMaxPostsPerBatch
	}
	return &PostService{
		store:    store,
		maxPosts: maxPosts,
		now:      time.Now,
		log:      log.Named("posts"),
	}
}

// NewestFirst orders posts by publish date, newest first, undated last,
// and keeps at most limit of them.
func NewestFirst(posts []models.ProviderPost, limit int) []models.ProviderPost {
	sorted := make([]models.ProviderPost, len(posts))
	copy(sorted, posts)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].PostedAt, sorted[j].PostedAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.After(*b)
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// Materialize stores the newest posts of a batch under a profile. Known posts
// get a new engagement snapshot; unknown posts are created with their first
// snapshot and an analysis row. Returns the number of new posts.
func (s *PostService) Materialize(ctx context.Context, targetID, profileID string, posts []models.ProviderPost) (int, error) {
	created := 0
	for _, p := range NewestFirst(posts, s.maxPosts) {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		externalID, ok := identity.PostID(p.ID, p.URL)
		if !ok {
			s.log.Infow("skipping post without id", "target_id", targetID, "url", p.URL)
			continue
		}

		isNew, err := s.storePost(ctx, targetID, profileID, externalID, p)
		if err != nil {
			s.log.Warnw("failed to store post", "target_id", targetID, "external_id", externalID, "error", err)
			continue
		}
		if isNew {
			created++
		}
	}
	return created, nil
}

func (s *PostService) storePost(ctx context.Context, targetID, profileID, externalID string, p models.ProviderPost) (bool, error) {
	now := s.now().UTC()

	existing, err := s.store.GetPostByExternalID(ctx, targetID, profileID, externalID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, s.store.CreatePostSnapshot(ctx, &models.PostSnapshot{
			PostID:     existing.ID,
			Likes:      p.Likes,
			Comments:   p.Comments,
			CapturedAt: now,
		})
	}

	post := &models.Post{
		ID:         uuid.New().String(),
		TargetID:   targetID,
		ProfileID:  profileID,
		ExternalID: externalID,
		Caption:    p.Text,
		URL:        p.URL,
		MediaType:  p.MediaType(),
		PostedAt:   p.PostedAt,
		CreatedAt:  now,
	}
	first := &models.PostSnapshot{
		PostID:     post.ID,
		Likes:      p.Likes,
		Comments:   p.Comments,
		CapturedAt: now,
	}

	// the provider has no reach figure; author followers stand in, 0 means unknown
	impressions := 0
	if p.AuthorFollowers != nil {
		impressions = *p.AuthorFollowers
	}
	analysis := &models.PostAnalysis{
		PostID:      post.ID,
		Impressions: impressions,
		Engagement:  p.Likes + p.Comments,
		CreatedAt:   now,
	}
	if err := s.store.CreatePost(ctx, post, first, analysis); err != nil {
		return false, errors.Wrap(err, "create post")
	}
	return true, nil
}

// EnsureProfile returns the target's profile on a platform, creating it on first sight.
func (s *PostService) EnsureProfile(ctx context.Context, targetID, platform, profileURL string) (*models.SocialProfile, error) {
	profile, err := s.store.GetSocialProfile(ctx, targetID, platform)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	profile = &models.SocialProfile{
		ID:        uuid.New().String(),
		TargetID:  targetID,
		Platform:  platform,
		URL:       profileURL,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.store.UpsertSocialProfile(ctx, profile); err != nil {
		return nil, err
	}
	return s.store.GetSocialProfile(ctx, targetID, platform)
}

// ApplyProfile records the picture and follower count from a profile fetch.
func (s *PostService) ApplyProfile(ctx context.Context, targetID, platform, profileURL string, stats ProfileStats) (*models.SocialProfile, error) {
	profile, err := s.EnsureProfile(ctx, targetID, platform, profileURL)
	if err != nil {
		return nil, err
	}
	if stats.ProfilePictureURL != "" {
		profile.ProfilePictureURL = stats.ProfilePictureURL
	}
	if stats.Followers != nil {
		profile.Followers = stats.Followers
	}
	profile.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertSocialProfile(ctx, profile); err != nil {
		return nil, err
	}
	if stats.Followers != nil {
		if err := s.RecordPlatformSnapshot(ctx, profile.ID, stats.Followers); err != nil {
			return profile, err
		}
	}
	return profile, nil
}

// RecordPlatformSnapshot writes the profile's current post count and, when known, follower count.
func (s *PostService) RecordPlatformSnapshot(ctx context.Context, profileID string, followers *int) error {
	count, err := s.store.CountPosts(ctx, profileID)
	if err != nil {
		return err
	}
	return s.store.CreatePlatformSnapshot(ctx, &models.PlatformSnapshot{
		ProfileID:  profileID,
		Followers:  followers,
		PostCount:  count,
		CapturedAt: s.now().UTC(),
	})
}

// Ingest stores a job's post batch under the target's profile and records a
// platform snapshot. Returns the number of new posts.
func (s *PostService) Ingest(ctx context.Context, job *models.ScrapeJob, posts []models.ProviderPost, followers *int) (int, error) {
	profile, err := s.EnsureProfile(ctx, job.TargetID, job.Platform, job.TargetURL)
	if err != nil {
		return 0, errors.Wrap(err, "resolve profile")
	}

	created, err := s.Materialize(ctx, job.TargetID, profile.ID, posts)
	if err != nil {
		return created, err
	}

	if followers == nil {
		followers = authorFollowers(posts)
	}
	if followers != nil {
		profile.Followers = followers
		profile.UpdatedAt = s.now().UTC()
		if err := s.store.UpsertSocialProfile(ctx, profile); err != nil {
			s.log.Warnw("failed to update follower count", "profile_id", profile.ID, "error", err)
		}
	}
	if err := s.RecordPlatformSnapshot(ctx, profile.ID, followers); err != nil {
		s.log.Warnw("failed to record platform snapshot", "profile_id", profile.ID, "error", err)
	}
	return created, nil
}

func (s *PostService) ListPosts(ctx context.Context, targetID, profileID string, limit int) ([]models.Post, error) {
	return s.store.ListPosts(ctx, targetID, profileID, limit)
}

func authorFollowers(posts []models.ProviderPost) *int {
	for _, p := range posts {
		if p.AuthorFollowers != nil {
			return p.AuthorFollowers
		}
	}
	return nil
}
