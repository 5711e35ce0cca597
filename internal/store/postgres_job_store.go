package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/visionx/internal/domain"
	_ "github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	object_key TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
	webhook_url TEXT NOT NULL DEFAULT '',
	output_key TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const jobColumns = `id, status, source_type, object_key, algorithm, parameters, webhook_url, output_key, error, created_at, updated_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure batch_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	paramsJSON, err := json.Marshal(job.Parameters.Clone())
	if err != nil {
		return fmt.Errorf("marshal job parameters: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO batch_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID,
		job.Status,
		job.SourceType,
		job.ObjectKey,
		job.Algorithm,
		paramsJSON,
		job.WebhookURL,
		job.OutputKey,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.update(ctx,
		`UPDATE batch_jobs SET status = $2, updated_at = $3 WHERE id = $1 RETURNING `+jobColumns,
		id, status, time.Now().UTC(),
	)
}

func (s *PostgresJobStore) MarkSucceeded(ctx context.Context, id, outputKey string) (domain.Job, error) {
	return s.update(ctx,
		`UPDATE batch_jobs SET status = $2, output_key = $3, error = '', updated_at = $4 WHERE id = $1 RETURNING `+jobColumns,
		id, domain.JobStatusSucceeded, outputKey, time.Now().UTC(),
	)
}

func (s *PostgresJobStore) MarkFailed(ctx context.Context, id, reason string) (domain.Job, error) {
	return s.update(ctx,
		`UPDATE batch_jobs SET status = $2, error = $3, updated_at = $4 WHERE id = $1 RETURNING `+jobColumns,
		id, domain.JobStatusFailed, reason, time.Now().UTC(),
	)
}

func (s *PostgresJobStore) update(ctx context.Context, query string, args ...any) (domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job        domain.Job
		paramsJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.SourceType,
		&job.ObjectKey,
		&job.Algorithm,
		&paramsJSON,
		&job.WebhookURL,
		&job.OutputKey,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Parameters = domain.ParameterValues{}
	if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job parameters: %w", err)
	}
	return job, nil
}
