// Package store persists batch jobs.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/visionx/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// MarkSucceeded records the output location and moves the job to succeeded.
	MarkSucceeded(ctx context.Context, id, outputKey string) (domain.Job, error)
	// MarkFailed records a short reason and moves the job to failed.
	MarkFailed(ctx context.Context, id, reason string) (domain.Job, error)
}

// Open returns the Postgres store when dsn is set and the in-memory store
// otherwise. The returned close func is never nil.
func Open(ctx context.Context, dsn string) (JobStore, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
