package storage

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"rival_scrooper/models"
)

// =============================================================================
// Targets & profiles
// =============================================================================

func (s *SQLiteStore) GetTarget(ctx context.Context, id string) (*models.Target, error) {
	var t models.Target
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, name, kind, created_at FROM targets WHERE id = ?
	`, id).Scan(&t.ID, &t.CompanyID, &t.Name, &t.Kind, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get target")
	}
	return &t, nil
}

func (s *SQLiteStore) UpsertTarget(ctx context.Context, t *models.Target) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (id, company_id, name, kind, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, kind = excluded.kind
	`, t.ID, t.CompanyID, t.Name, t.Kind, utc(t.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "upsert target")
	}
	return nil
}

func (s *SQLiteStore) GetSocialProfile(ctx context.Context, targetID, platform string) (*models.SocialProfile, error) {
	var p models.SocialProfile
	var followers sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, target_id, platform, url, profile_picture_url, followers, updated_at
		FROM social_profiles WHERE target_id = ? AND platform = ?
	`, targetID, platform).Scan(&p.ID, &p.TargetID, &p.Platform, &p.URL, &p.ProfilePictureURL, &followers, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get social profile")
	}
	p.Followers = intPtr(followers)
	return &p, nil
}

// UpsertSocialProfile keeps existing picture and follower values when the update lacks them.
func (s *SQLiteStore) UpsertSocialProfile(ctx context.Context, p *models.SocialProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO social_profiles (id, target_id, platform, url, profile_picture_url, followers, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id, platform) DO UPDATE SET
			url = excluded.url,
			profile_picture_url = COALESCE(NULLIF(excluded.profile_picture_url, ''), social_profiles.profile_picture_url),
			followers = COALESCE(excluded.followers, social_profiles.followers),
			updated_at = excluded.updated_at
	`, p.ID, p.TargetID, p.Platform, p.URL, p.ProfilePictureURL, nullInt(p.Followers), utc(p.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "upsert social profile")
	}
	return nil
}

// =============================================================================
// Posts
// =============================================================================

const postColumns = `id, target_id, profile_id, external_id, caption, url, media_type, posted_at, created_at`

func (s *SQLiteStore) GetPostByExternalID(ctx context.Context, targetID, profileID, externalID string) (*models.Post, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE target_id = ? AND profile_id = ? AND external_id = ?
	`, targetID, profileID, externalID)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get post")
	}
	return p, nil
}

// CreatePost inserts a new post together with its first snapshot and its
// analysis row. Nothing is written unless all three succeed.
func (s *SQLiteStore) CreatePost(ctx context.Context, p *models.Post, first *models.PostSnapshot, a *models.PostAnalysis) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin post tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO posts (`+postColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.TargetID, p.ProfileID, p.ExternalID, p.Caption, p.URL, p.MediaType,
		nullTime(p.PostedAt), utc(p.CreatedAt)); err != nil {
		return errors.Wrap(err, "insert post")
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO post_snapshots (post_id, likes, comments, captured_at) VALUES (?, ?, ?, ?)
	`, first.PostID, first.Likes, first.Comments, utc(first.CapturedAt))
	if err != nil {
		return errors.Wrap(err, "insert first post snapshot")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO post_analyses (post_id, impressions, engagement, created_at) VALUES (?, ?, ?, ?)
	`, a.PostID, a.Impressions, a.Engagement, utc(a.CreatedAt)); err != nil {
		return errors.Wrap(err, "insert post analysis")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit post")
	}
	first.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) CreatePostSnapshot(ctx context.Context, snap *models.PostSnapshot) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO post_snapshots (post_id, likes, comments, captured_at) VALUES (?, ?, ?, ?)
	`, snap.PostID, snap.Likes, snap.Comments, utc(snap.CapturedAt))
	if err != nil {
		return errors.Wrap(err, "insert post snapshot")
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) CountPosts(ctx context.Context, profileID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE profile_id = ?`, profileID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count posts")
	}
	return n, nil
}

func (s *SQLiteStore) CountPostSnapshots(ctx context.Context, postID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM post_snapshots WHERE post_id = ?`, postID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count post snapshots")
	}
	return n, nil
}

func (s *SQLiteStore) GetPostAnalysis(ctx context.Context, postID string) (*models.PostAnalysis, error) {
	var a models.PostAnalysis
	err := s.db.QueryRowContext(ctx, `
		SELECT post_id, impressions, engagement, created_at FROM post_analyses WHERE post_id = ?
	`, postID).Scan(&a.PostID, &a.Impressions, &a.Engagement, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get post analysis")
	}
	return &a, nil
}

// ListPosts returns a profile's posts, newest first. An empty profileID lists
// every profile of the target.
func (s *SQLiteStore) ListPosts(ctx context.Context, targetID, profileID string, limit int) ([]models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE target_id = ?`
	args := []any{targetID}
	if profileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, profileID)
	}
	query += ` ORDER BY posted_at DESC, created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query posts")
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan post")
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func scanPost(row rowScanner) (*models.Post, error) {
	var p models.Post
	var postedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.TargetID, &p.ProfileID, &p.ExternalID, &p.Caption, &p.URL,
		&p.MediaType, &postedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.PostedAt = timePtr(postedAt)
	return &p, nil
}

// =============================================================================
// Platform snapshots
// =============================================================================

func (s *SQLiteStore) CreatePlatformSnapshot(ctx context.Context, snap *models.PlatformSnapshot) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_snapshots (profile_id, followers, post_count, captured_at) VALUES (?, ?, ?, ?)
	`, snap.ProfileID, nullInt(snap.Followers), snap.PostCount, utc(snap.CapturedAt))
	if err != nil {
		return errors.Wrap(err, "insert platform snapshot")
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) LatestPlatformSnapshot(ctx context.Context, profileID string) (*models.PlatformSnapshot, error) {
	var snap models.PlatformSnapshot
	var followers sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, followers, post_count, captured_at FROM platform_snapshots
		WHERE profile_id = ? ORDER BY captured_at DESC, id DESC LIMIT 1
	`, profileID).Scan(&snap.ID, &snap.ProfileID, &followers, &snap.PostCount, &snap.CapturedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "latest platform snapshot")
	}
	snap.Followers = intPtr(followers)
	return &snap, nil
}
