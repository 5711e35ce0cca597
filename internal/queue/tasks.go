package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeProcessImage = "image:process"

// ProcessImagePayload carries everything the worker needs to run one batch
// job without reading the job store first.
type ProcessImagePayload struct {
	JobID       string                 `json:"job_id"`
	SourceType  string                 `json:"source_type"`
	ObjectKey   string                 `json:"object_key"`
	Algorithm   string                 `json:"algorithm"`
	Parameters  domain.ParameterValues `json:"parameters"`
	WebhookURL  string                 `json:"webhook_url,omitempty"`
	RequestedAt time.Time              `json:"requested_at"`
}

// PayloadFor builds the task payload for a stored job.
func PayloadFor(job domain.Job, requestedAt time.Time) ProcessImagePayload {
	return ProcessImagePayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		ObjectKey:   job.ObjectKey,
		Algorithm:   job.Algorithm,
		Parameters:  job.Parameters.Clone(),
		WebhookURL:  job.WebhookURL,
		RequestedAt: requestedAt,
	}
}

func NewProcessImageTask(payload ProcessImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal process payload: %w", err)
	}
	return asynq.NewTask(TypeProcessImage, body), nil
}

func ParseProcessImagePayload(task *asynq.Task) (ProcessImagePayload, error) {
	var payload ProcessImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessImagePayload{}, fmt.Errorf("unmarshal process payload: %w", err)
	}
	if payload.JobID == "" {
		return ProcessImagePayload{}, fmt.Errorf("process payload is missing job_id")
	}
	return payload, nil
}
