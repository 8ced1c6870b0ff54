package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"rival_scrooper/models"
)

// SQLiteStore holds the operational tables (jobs, pending snapshots, tasks)
// and a local copy of the domain tables.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if dbPath == ":memory:" {
		// every new connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	return NewSQLiteStoreFromDB(db)
}

// NewSQLiteStoreFromDB wraps an already opened database and applies the schema.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, errors.Wrap(err, "migrate sqlite")
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scrape_jobs (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		target_url TEXT NOT NULL,
		platform TEXT NOT NULL,
		scrape_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		progress INTEGER NOT NULL DEFAULT 0,
		posts_scraped INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pending_snapshots (
		snapshot_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		target_url TEXT NOT NULL,
		platform TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		last_checked_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload JSON,
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		backoff_base_ms INTEGER NOT NULL DEFAULT 5000,
		run_at DATETIME NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS social_profiles (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		url TEXT NOT NULL,
		profile_picture_url TEXT NOT NULL DEFAULT '',
		followers INTEGER,
		updated_at DATETIME NOT NULL,
		UNIQUE(target_id, platform)
	);

	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		profile_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		caption TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		media_type TEXT NOT NULL,
		posted_at DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE(target_id, profile_id, external_id)
	);

	CREATE TABLE IF NOT EXISTS post_snapshots (
		id INTEGER PRIMARY KEY,
		post_id TEXT NOT NULL,
		likes INTEGER NOT NULL DEFAULT 0,
		comments INTEGER NOT NULL DEFAULT 0,
		captured_at DATETIME NOT NULL,
		FOREIGN KEY (post_id) REFERENCES posts(id)
	);

	CREATE TABLE IF NOT EXISTS post_analyses (
		post_id TEXT PRIMARY KEY,
		impressions INTEGER NOT NULL DEFAULT 0,
		engagement INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (post_id) REFERENCES posts(id)
	);

	CREATE TABLE IF NOT EXISTS platform_snapshots (
		id INTEGER PRIMARY KEY,
		profile_id TEXT NOT NULL,
		followers INTEGER,
		post_count INTEGER NOT NULL DEFAULT 0,
		captured_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_company_target ON scrape_jobs(company_id, target_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON scrape_jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_snapshots(created_at);
	CREATE INDEX IF NOT EXISTS idx_pending_job ON pending_snapshots(job_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, run_at);
	CREATE INDEX IF NOT EXISTS idx_post_snapshots_post ON post_snapshots(post_id, captured_at);
	CREATE INDEX IF NOT EXISTS idx_platform_snapshots_profile ON platform_snapshots(profile_id, captured_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Scrape jobs
// =============================================================================

const jobColumns = `id, company_id, target_id, target_url, platform, scrape_type, status,
	progress, posts_scraped, error_message, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.ScrapeJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.CompanyID, job.TargetID, job.TargetURL, job.Platform, job.ScrapeType, job.Status,
		job.Progress, job.PostsScraped, job.ErrorMessage, utc(job.CreatedAt),
		nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		return errors.Wrap(err, "insert scrape job")
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.ScrapeJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get scrape job")
	}
	return job, nil
}

func (s *SQLiteStore) StartJob(ctx context.Context, id string, at time.Time) error {
	return s.transitionJob(ctx, id, `
		UPDATE scrape_jobs
		SET status = 'in_progress', progress = MAX(progress, 10), started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`, utc(at), id)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, progress int, upd models.JobUpdate) error {
	sets := []string{"progress = ?"}
	args := []any{progress}
	if upd.PostsScraped != nil {
		sets = append(sets, "posts_scraped = ?")
		args = append(args, *upd.PostsScraped)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	args = append(args, id)

	query := `UPDATE scrape_jobs SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN ('pending', 'in_progress')`
	return s.transitionJob(ctx, id, query, args...)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, postsScraped int, at time.Time) error {
	return s.transitionJob(ctx, id, `
		UPDATE scrape_jobs
		SET status = 'completed', progress = 100, posts_scraped = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`, postsScraped, utc(at), id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, message string, at time.Time) error {
	return s.transitionJob(ctx, id, `
		UPDATE scrape_jobs
		SET status = 'failed', error_message = ?, completed_at = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`, message, utc(at), id)
}

// transitionJob runs a guarded update. When nothing matched it tells apart a
// missing job from one that already reached a terminal state.
func (s *SQLiteStore) transitionJob(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "update scrape job")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM scrape_jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return errors.Wrapf(ErrNotFound, "scrape job %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "check scrape job")
	}
	return errors.Wrapf(ErrJobTerminal, "scrape job %s is %s", id, status)
}

func (s *SQLiteStore) FindActiveJob(ctx context.Context, companyID, targetID string) (*models.ScrapeJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM scrape_jobs
		WHERE company_id = ? AND target_id = ? AND status IN ('pending', 'in_progress')
		ORDER BY created_at DESC
		LIMIT 1
	`, companyID, targetID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find active job")
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, companyID string, filter models.JobFilter) ([]models.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs WHERE company_id = ?`
	args := []any{companyID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryJobs(ctx, query, args...)
}

func (s *SQLiteStore) ListActiveJobsCreatedBefore(ctx context.Context, before time.Time) ([]models.ScrapeJob, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM scrape_jobs
		WHERE status IN ('pending', 'in_progress') AND created_at < ?
		ORDER BY created_at ASC
	`, utc(before))
}

func (s *SQLiteStore) DeleteTerminalJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scrape_jobs
		WHERE status IN ('completed', 'failed') AND created_at < ?
	`, utc(before))
	if err != nil {
		return 0, errors.Wrap(err, "delete old jobs")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]models.ScrapeJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query scrape jobs")
	}
	defer rows.Close()

	var jobs []models.ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan scrape job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.ScrapeJob, error) {
	var job models.ScrapeJob
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&job.ID, &job.CompanyID, &job.TargetID, &job.TargetURL, &job.Platform,
		&job.ScrapeType, &job.Status, &job.Progress, &job.PostsScraped, &job.ErrorMessage,
		&job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}

// =============================================================================
// Pending snapshots
// =============================================================================

func (s *SQLiteStore) CreatePendingSnapshot(ctx context.Context, snap *models.PendingSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_snapshots (snapshot_id, job_id, company_id, target_id, target_url,
			platform, attempts, max_attempts, created_at, last_checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.SnapshotID, snap.JobID, snap.CompanyID, snap.TargetID, snap.TargetURL,
		snap.Platform, snap.Attempts, snap.MaxAttempts, utc(snap.CreatedAt), nullTime(snap.LastCheckedAt))
	if err != nil {
		return errors.Wrap(err, "insert pending snapshot")
	}
	return nil
}

func (s *SQLiteStore) ListPendingSnapshots(ctx context.Context) ([]models.PendingSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, job_id, company_id, target_id, target_url, platform,
			attempts, max_attempts, created_at, last_checked_at
		FROM pending_snapshots
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query pending snapshots")
	}
	defer rows.Close()

	var snaps []models.PendingSnapshot
	for rows.Next() {
		var snap models.PendingSnapshot
		var checked sql.NullTime
		if err := rows.Scan(&snap.SnapshotID, &snap.JobID, &snap.CompanyID, &snap.TargetID,
			&snap.TargetURL, &snap.Platform, &snap.Attempts, &snap.MaxAttempts,
			&snap.CreatedAt, &checked); err != nil {
			return nil, errors.Wrap(err, "scan pending snapshot")
		}
		snap.LastCheckedAt = timePtr(checked)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *SQLiteStore) RecordSnapshotCheck(ctx context.Context, snapshotID string, attempts int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_snapshots SET attempts = ?, last_checked_at = ? WHERE snapshot_id = ?
	`, attempts, utc(at), snapshotID)
	if err != nil {
		return errors.Wrap(err, "update pending snapshot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "pending snapshot %s", snapshotID)
	}
	return nil
}

func (s *SQLiteStore) DeletePendingSnapshot(ctx context.Context, snapshotID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_snapshots WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return errors.Wrap(err, "delete pending snapshot")
	}
	return nil
}

func (s *SQLiteStore) DeletePendingSnapshotsForJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_snapshots WHERE job_id = ?`, jobID)
	if err != nil {
		return errors.Wrap(err, "delete job snapshots")
	}
	return nil
}

// =============================================================================
// Tasks
// =============================================================================

const taskColumns = `id, type, payload, status, attempts, max_attempts, backoff_base_ms,
	run_at, last_error, created_at, updated_at, started_at, completed_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Type, string(t.Payload), t.Status, t.Attempts, t.MaxAttempts, t.BackoffBase.Milliseconds(),
		utc(t.RunAt), t.LastError, utc(t.CreatedAt), utc(t.UpdatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt))
	if err != nil {
		return errors.Wrap(err, "insert task")
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get task")
	}
	return t, nil
}

// ClaimDueTask marks the oldest due queued task as running and returns it.
// Returns nil when nothing is due.
func (s *SQLiteStore) ClaimDueTask(ctx context.Context, now time.Time) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'queued' AND run_at <= ?
		ORDER BY run_at ASC, created_at ASC
		LIMIT 1
	`, utc(now))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select due task")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, utc(now), utc(now), t.ID)
	if err != nil {
		return nil, errors.Wrap(err, "claim task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}

	started := utc(now)
	t.Status = models.TaskStatusRunning
	t.StartedAt = &started
	t.UpdatedAt = started
	return t, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *models.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempts = ?, run_at = ?, last_error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, t.Status, t.Attempts, utc(t.RunAt), t.LastError, utc(t.UpdatedAt), nullTime(t.CompletedAt), t.ID)
	if err != nil {
		return errors.Wrap(err, "update task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "task %s", t.ID)
	}
	return nil
}

// RequeueRunningTasks returns tasks left running by a crashed process to the queue.
func (s *SQLiteStore) RequeueRunningTasks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'queued', run_at = ?, updated_at = ?, started_at = NULL
		WHERE status = 'running'
	`, utc(now), utc(now))
	if err != nil {
		return 0, errors.Wrap(err, "requeue running tasks")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteFinishedTasksBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN ('completed', 'failed') AND updated_at < ?
	`, utc(before))
	if err != nil {
		return 0, errors.Wrap(err, "delete finished tasks")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountTasks(ctx context.Context, status models.TaskStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count tasks")
	}
	return n, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var payload sql.NullString
	var backoffMS int64
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Type, &payload, &t.Status, &t.Attempts, &t.MaxAttempts, &backoffMS,
		&t.RunAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	t.BackoffBase = time.Duration(backoffMS) * time.Millisecond
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

// =============================================================================
// Helpers
// =============================================================================

// utc keeps stored timestamps in one zone so text comparisons order correctly.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
