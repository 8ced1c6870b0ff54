package scraper

import (
	"context"

	"rival_scrooper/models"
	"rival_scrooper/queue"
)

const (
	TaskScrapeProfile = "scrape:profile"
	TaskScrapePosts   = "scrape:posts"
	TaskRetrySnapshot = "scrape:retry-snapshot"
)

// JobPayload is the queue payload of every scrape task.
type JobPayload struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt,omitempty"`
}

// RegisterHandlers binds the scrape task types to the orchestrator.
func RegisterHandlers(reg *queue.Registry, o *Orchestrator) {
	reg.Register(queue.HandlerFunc(TaskScrapeProfile, func(ctx context.Context, task *models.Task) error {
		var p JobPayload
		if err := queue.Decode(task, &p); err != nil {
			return err
		}
		return o.RunProfile(ctx, p.JobID)
	}))

	reg.Register(queue.HandlerFunc(TaskScrapePosts, func(ctx context.Context, task *models.Task) error {
		var p JobPayload
		if err := queue.Decode(task, &p); err != nil {
			return err
		}
		return o.RunJob(ctx, p.JobID)
	}))

	reg.Register(queue.HandlerFunc(TaskRetrySnapshot, func(ctx context.Context, task *models.Task) error {
		var p JobPayload
		if err := queue.Decode(task, &p); err != nil {
			return err
		}
		if p.Attempt < 1 {
			p.Attempt = 1
		}
		return o.RetryProfile(ctx, p.JobID, p.Attempt)
	}))
}
