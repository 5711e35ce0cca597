package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

// CreateJobRequest asks for one headless processing run over an image that
// lives on disk or in object storage.
type CreateJobRequest struct {
	SourceType string          `json:"source_type"`
	ObjectKey  string          `json:"object_key,omitempty"`
	Algorithm  string          `json:"algorithm"`
	Parameters ParameterValues `json:"parameters,omitempty"`
	WebhookURL string          `json:"webhook_url,omitempty"`
}

type Job struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	SourceType string          `json:"source_type"`
	ObjectKey  string          `json:"object_key"`
	Algorithm  string          `json:"algorithm"`
	Parameters ParameterValues `json:"parameters"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	OutputKey  string          `json:"output_key,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if strings.TrimSpace(r.Algorithm) == "" {
		return errors.New("algorithm is required")
	}
	return nil
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}
