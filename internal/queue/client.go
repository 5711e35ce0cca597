// Package queue hands batch processing jobs to the worker through asynq.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/visionx/internal/config"
	"github.com/hibiken/asynq"
)

// ErrAlreadyQueued reports a second enqueue of the same job.
var ErrAlreadyQueued = errors.New("job is already queued")

type Client struct {
	client *asynq.Client
	queue  string
	opts   []asynq.Option
}

// NewClient builds an enqueuer for cfg.Name. Tasks carry the job ID as their
// asynq task ID, so a job can be enqueued at most once while its task is
// retained.
func NewClient(cfg config.QueueConfig) *Client {
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Client{
		client: asynq.NewClient(cfg.RedisClientOpt()),
		queue:  name,
		opts:   taskOptions(name, cfg),
	}
}

func taskOptions(name string, cfg config.QueueConfig) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(name)}
	if cfg.MaxRetry >= 0 {
		opts = append(opts, asynq.MaxRetry(cfg.MaxRetry))
	}
	if cfg.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(cfg.TaskTimeout))
	}
	if cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(cfg.Retention))
	}
	return opts
}

func (c *Client) EnqueueProcessImage(ctx context.Context, payload ProcessImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewProcessImageTask(payload)
	if err != nil {
		return nil, err
	}
	opts := append([]asynq.Option{asynq.TaskID(payload.JobID)}, c.opts...)
	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, ErrAlreadyQueued)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

func (c *Client) Queue() string {
	return c.queue
}

func (c *Client) Close() error {
	return c.client.Close()
}
