package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"rival_scrooper/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 5 * time.Second
)

// Store persists tasks. SQLiteStore implements it.
type Store interface {
	CreateTask(ctx context.Context, t *models.Task) error
	ClaimDueTask(ctx context.Context, now time.Time) (*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
	RequeueRunningTasks(ctx context.Context, now time.Time) (int64, error)
	DeleteFinishedTasksBefore(ctx context.Context, before time.Time) (int64, error)
	CountTasks(ctx context.Context, status models.TaskStatus) (int, error)
}

type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// Queue is the write side of the durable task queue.
type Queue struct {
	store Store
	now   func() time.Time
	log   *zap.SugaredLogger
}

func New(store Store, log *zap.SugaredLogger) *Queue {
	return &Queue{store: store, now: time.Now, log: log.Named("queue")}
}

// Enqueue persists a task that becomes due after opts.Delay.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, opts EnqueueOptions) (*models.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", taskType)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}

	now := q.now().UTC()
	task := &models.Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Payload:     data,
		Status:      models.TaskStatusQueued,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	q.log.Debugw("task enqueued", "task_id", task.ID, "type", taskType, "delay", opts.Delay)
	return task, nil
}

// Cleanup removes completed and failed tasks last touched before the cutoff.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.store.DeleteFinishedTasksBefore(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Infow("finished tasks deleted", "count", n)
	}
	return n, nil
}

func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountTasks(ctx, models.TaskStatusQueued)
}

// Decode unmarshals a task payload.
func Decode(task *models.Task, v any) error {
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", task.Type)
	}
	return nil
}

// Backoff is the delay before retry number attempt (1-based): base, 2×base, 4×base...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<(attempt-1))
}
