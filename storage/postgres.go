package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"rival_scrooper/models"
)

// PostgresStore is the shared domain database (targets, profiles, posts).
// Job bookkeeping stays in the local SQLite store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping")
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migrate postgres")
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS targets (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS social_profiles (
			id TEXT PRIMARY KEY,
			target_id TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
			platform TEXT NOT NULL,
			url TEXT NOT NULL,
			profile_picture_url TEXT NOT NULL DEFAULT '',
			followers INTEGER,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (target_id, platform)
		);
		CREATE TABLE IF NOT EXISTS posts (
			id TEXT PRIMARY KEY,
			target_id TEXT NOT NULL,
			profile_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			caption TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL,
			posted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (target_id, profile_id, external_id)
		);
		CREATE TABLE IF NOT EXISTS post_snapshots (
			id BIGSERIAL PRIMARY KEY,
			post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
			likes INTEGER NOT NULL DEFAULT 0,
			comments INTEGER NOT NULL DEFAULT 0,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS post_analyses (
			post_id TEXT PRIMARY KEY REFERENCES posts(id) ON DELETE CASCADE,
			impressions INTEGER NOT NULL DEFAULT 0,
			engagement INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS platform_snapshots (
			id BIGSERIAL PRIMARY KEY,
			profile_id TEXT NOT NULL,
			followers INTEGER,
			post_count INTEGER NOT NULL DEFAULT 0,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_post_snapshots_post ON post_snapshots(post_id, captured_at);
		CREATE INDEX IF NOT EXISTS idx_platform_snapshots_profile ON platform_snapshots(profile_id, captured_at);
	`)
	return err
}

// =============================================================================
// Targets & profiles
// =============================================================================

func (s *PostgresStore) GetTarget(ctx context.Context, id string) (*models.Target, error) {
	var t models.Target
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, name, kind, created_at FROM targets WHERE id = $1
	`, id).Scan(&t.ID, &t.CompanyID, &t.Name, &t.Kind, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get target")
	}
	return &t, nil
}

func (s *PostgresStore) UpsertTarget(ctx context.Context, t *models.Target) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO targets (id, company_id, name, kind, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, kind = EXCLUDED.kind
	`, t.ID, t.CompanyID, t.Name, t.Kind, t.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "upsert target")
	}
	return nil
}

func (s *PostgresStore) GetSocialProfile(ctx context.Context, targetID, platform string) (*models.SocialProfile, error) {
	var p models.SocialProfile
	err := s.pool.QueryRow(ctx, `
		SELECT id, target_id, platform, url, profile_picture_url, followers, updated_at
		FROM social_profiles WHERE target_id = $1 AND platform = $2
	`, targetID, platform).Scan(&p.ID, &p.TargetID, &p.Platform, &p.URL, &p.ProfilePictureURL, &p.Followers, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get social profile")
	}
	return &p, nil
}

func (s *PostgresStore) UpsertSocialProfile(ctx context.Context, p *models.SocialProfile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO social_profiles (id, target_id, platform, url, profile_picture_url, followers, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (target_id, platform) DO UPDATE SET
			url = EXCLUDED.url,
			profile_picture_url = COALESCE(NULLIF(EXCLUDED.profile_picture_url, ''), social_profiles.profile_picture_url),
			followers = COALESCE(EXCLUDED.followers, social_profiles.followers),
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.TargetID, p.Platform, p.URL, p.ProfilePictureURL, p.Followers, p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "upsert social profile")
	}
	return nil
}

// =============================================================================
// Posts
// =============================================================================

func (s *PostgresStore) GetPostByExternalID(ctx context.Context, targetID, profileID, externalID string) (*models.Post, error) {
	var p models.Post
	err := s.pool.QueryRow(ctx, `
		SELECT id, target_id, profile_id, external_id, caption, url, media_type, posted_at, created_at
		FROM posts WHERE target_id = $1 AND profile_id = $2 AND external_id = $3
	`, targetID, profileID, externalID).Scan(&p.ID, &p.TargetID, &p.ProfileID, &p.ExternalID,
		&p.Caption, &p.URL, &p.MediaType, &p.PostedAt, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get post")
	}
	return &p, nil
}

// CreatePost inserts a new post with its first snapshot and analysis row in
// one transaction.
func (s *PostgresStore) CreatePost(ctx context.Context, p *models.Post, first *models.PostSnapshot, a *models.PostAnalysis) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO posts (id, target_id, profile_id, external_id, caption, url, media_type, posted_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, p.ID, p.TargetID, p.ProfileID, p.ExternalID, p.Caption, p.URL, p.MediaType, p.PostedAt, p.CreatedAt); err != nil {
			return errors.Wrap(err, "insert post")
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO post_snapshots (post_id, likes, comments, captured_at)
			VALUES ($1, $2, $3, $4) RETURNING id
		`, first.PostID, first.Likes, first.Comments, first.CapturedAt).Scan(&first.ID); err != nil {
			return errors.Wrap(err, "insert first post snapshot")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO post_analyses (post_id, impressions, engagement, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (post_id) DO NOTHING
		`, a.PostID, a.Impressions, a.Engagement, a.CreatedAt); err != nil {
			return errors.Wrap(err, "insert post analysis")
		}
		return nil
	})
}

func (s *PostgresStore) CreatePostSnapshot(ctx context.Context, snap *models.PostSnapshot) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO post_snapshots (post_id, likes, comments, captured_at)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, snap.PostID, snap.Likes, snap.Comments, snap.CapturedAt).Scan(&snap.ID)
	if err != nil {
		return errors.Wrap(err, "insert post snapshot")
	}
	return nil
}

func (s *PostgresStore) CountPosts(ctx context.Context, profileID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE profile_id = $1`, profileID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count posts")
	}
	return n, nil
}

func (s *PostgresStore) ListPosts(ctx context.Context, targetID, profileID string, limit int) ([]models.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_id, profile_id, external_id, caption, url, media_type, posted_at, created_at
		FROM posts
		WHERE target_id = $1 AND ($2 = '' OR profile_id = $2)
		ORDER BY posted_at DESC NULLS LAST, created_at DESC
		LIMIT $3
	`, targetID, profileID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query posts")
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		var p models.Post
		if err := rows.Scan(&p.ID, &p.TargetID, &p.ProfileID, &p.ExternalID, &p.Caption, &p.URL,
			&p.MediaType, &p.PostedAt, &p.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan post")
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// =============================================================================
// Platform snapshots
// =============================================================================

func (s *PostgresStore) CreatePlatformSnapshot(ctx context.Context, snap *models.PlatformSnapshot) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO platform_snapshots (profile_id, followers, post_count, captured_at)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, snap.ProfileID, snap.Followers, snap.PostCount, snap.CapturedAt).Scan(&snap.ID)
	if err != nil {
		return errors.Wrap(err, "insert platform snapshot")
	}
	return nil
}
