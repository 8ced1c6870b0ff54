package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"rival_scrooper/metrics"
	"rival_scrooper/models"
)

type WorkerConfig struct {
	Workers      int
	PollInterval time.Duration
	// RateInterval is the minimum spacing between task dispatches. Zero disables the limit.
	RateInterval time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:      1,
		PollInterval: time.Second,
		RateInterval: 5 * time.Second,
	}
}

// Worker claims due tasks and runs them through the registry.
type Worker struct {
	store    Store
	registry *Registry
	cfg      WorkerConfig
	limiter  *rate.Limiter
	now      func() time.Time
	log      *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewWorker(store Store, registry *Registry, cfg WorkerConfig, log *zap.SugaredLogger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	limit := rate.Inf
	if cfg.RateInterval > 0 {
		limit = rate.Every(cfg.RateInterval)
	}

	return &Worker{
		store:    store,
		registry: registry,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
		log:      log.Named("queue-worker"),
	}
}

// Start re-queues tasks orphaned by a crash and launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	if n, err := w.store.RequeueRunningTasks(ctx, w.now()); err != nil {
		w.log.Warnw("failed to recover orphaned tasks", "error", err)
	} else if n > 0 {
		w.log.Infow("recovered orphaned tasks", "count", n)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
	w.log.Infow("queue worker started", "workers", w.cfg.Workers, "handlers", w.registry.Names())
}

// Stop cancels in-flight work and waits up to 30s for the goroutines to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.running = false
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log.Info("queue worker stopped")
	case <-time.After(30 * time.Second):
		w.log.Warn("queue worker stop timed out")
	}
}

func (w *Worker) loop(ctx context.Context, id int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				processed, err := w.ProcessNext(ctx)
				if err != nil {
					w.log.Warnw("task processing error", "worker", id, "error", err)
					break
				}
				if !processed || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// ProcessNext runs at most one due task. It reports whether a task was claimed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.store.ClaimDueTask(ctx, w.now())
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		w.requeue(task)
		return true, nil
	}

	handler := w.registry.Get(task.Type)
	if handler == nil {
		task.Attempts = task.MaxAttempts
		w.finish(ctx, task, fmt.Errorf("no handler registered for task type %q", task.Type))
		return true, nil
	}

	start := time.Now()
	err = w.execute(ctx, handler, task)
	metrics.TaskDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		// shutting down; let the next start pick it up again
		w.requeue(task)
		return true, nil
	}

	task.Attempts++
	w.finish(ctx, task, err)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, h Handler, task *models.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, task)
}

func (w *Worker) finish(ctx context.Context, task *models.Task, handlerErr error) {
	now := w.now().UTC()
	task.UpdatedAt = now

	switch {
	case handlerErr == nil:
		task.Status = models.TaskStatusCompleted
		task.LastError = ""
		task.CompletedAt = &now
		metrics.TasksProcessed.WithLabelValues(task.Type, "completed").Inc()
	case task.Attempts < task.MaxAttempts:
		delay := Backoff(task.BackoffBase, task.Attempts)
		task.Status = models.TaskStatusQueued
		task.LastError = handlerErr.Error()
		task.RunAt = now.Add(delay)
		metrics.TasksProcessed.WithLabelValues(task.Type, "retried").Inc()
		w.log.Warnw("task failed, retrying", "task_id", task.ID, "type", task.Type,
			"attempt", task.Attempts, "max_attempts", task.MaxAttempts, "retry_in", delay, "error", handlerErr)
	default:
		task.Status = models.TaskStatusFailed
		task.LastError = handlerErr.Error()
		task.CompletedAt = &now
		metrics.TasksProcessed.WithLabelValues(task.Type, "failed").Inc()
		w.log.Errorw("task failed permanently", "task_id", task.ID, "type", task.Type,
			"attempts", task.Attempts, "error", handlerErr)
	}

	if err := w.store.UpdateTask(ctx, task); err != nil {
		w.log.Errorw("failed to save task state", "task_id", task.ID, "error", err)
	}
}

func (w *Worker) requeue(task *models.Task) {
	now := w.now().UTC()
	task.Status = models.TaskStatusQueued
	task.UpdatedAt = now
	task.RunAt = now
	if err := w.store.UpdateTask(context.Background(), task); err != nil {
		w.log.Errorw("failed to requeue task", "task_id", task.ID, "error", err)
	}
}
