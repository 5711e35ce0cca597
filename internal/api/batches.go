package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/id"
	"github.com/dunamismax/visionx/internal/params"
	"github.com/dunamismax/visionx/internal/queue"
	"github.com/dunamismax/visionx/internal/storage"
)

var errBatchesUnavailable = errors.New("batch processing is unavailable")

// batchUpload tells the caller where to put the source image.
type batchUpload struct {
	ObjectKey    string     `json:"object_key"`
	PutURL       string     `json:"presigned_put_url,omitempty"`
	PutExpiresAt *time.Time `json:"presigned_put_expires_at,omitempty"`
}

type batchCreated struct {
	JobID      string                 `json:"job_id"`
	Status     string                 `json:"status"`
	Algorithm  string                 `json:"algorithm"`
	Parameters domain.ParameterValues `json:"parameters"`
	Upload     batchUpload            `json:"upload"`
	StartURL   string                 `json:"start_url"`
}

// batchView is a stored job plus a download link once an object-storage
// output exists.
type batchView struct {
	domain.Job
	OutputURL string `json:"output_url,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeMessage(w, http.StatusServiceUnavailable, errBatchesUnavailable.Error())
		return
	}

	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	// Parameters are resolved against the catalog now so the stored job
	// records every value the worker will send.
	algorithm := strings.TrimSpace(req.Algorithm)
	resolved, err := params.Resolve(s.registry, algorithm, req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.JobStatusCreated,
		SourceType: strings.ToLower(strings.TrimSpace(req.SourceType)),
		ObjectKey:  strings.TrimSpace(req.ObjectKey),
		Algorithm:  algorithm,
		Parameters: resolved,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	upload := batchUpload{ObjectKey: job.ObjectKey}
	if job.SourceType == domain.SourceTypeS3Presigned {
		job.ObjectKey = storage.SourceKey(job.ID)
		putURL, err := s.storage.PresignedPutURL(r.Context(), job.ObjectKey, s.presignTTL)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("presign source upload failed")
			writeMessage(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		expires := now.Add(s.presignTTL)
		upload = batchUpload{ObjectKey: job.ObjectKey, PutURL: putURL, PutExpiresAt: &expires}
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("create job failed")
		writeMessage(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.metrics.batchesCreated.WithLabelValues(job.SourceType, job.Algorithm).Inc()

	s.logger.Info().
		Str("job_id", job.ID).
		Str("algorithm", job.Algorithm).
		Str("source_type", job.SourceType).
		Msg("batch job created")

	writeJSON(w, http.StatusAccepted, batchCreated{
		JobID:      job.ID,
		Status:     job.Status,
		Algorithm:  job.Algorithm,
		Parameters: job.Parameters,
		Upload:     upload,
		StartURL:   "/v1/batches/" + job.ID + "/start",
	})
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeMessage(w, http.StatusServiceUnavailable, errBatchesUnavailable.Error())
		return
	}

	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeMessage(w, http.StatusConflict, "job is already "+job.Status)
		return
	}
	if err := s.checkSource(r.Context(), job); err != nil {
		writeMessage(w, http.StatusConflict, err.Error())
		return
	}

	info, err := s.queueClient.EnqueueProcessImage(r.Context(), queue.PayloadFor(job, time.Now().UTC()))
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		writeMessage(w, http.StatusConflict, "job is already queued")
		return
	case err != nil:
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
		writeMessage(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()

	// The task is already enqueued, so a failed status write is only logged;
	// the worker moves the job forward regardless.
	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark job queued failed")
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       info.Queue,
		"task_id":     info.ID,
		"state":       info.State.String(),
		"enqueued_at": info.NextProcessAt,
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	view := batchView{Job: job}
	if job.Status == domain.JobStatusSucceeded && job.SourceType == domain.SourceTypeS3Presigned && job.OutputKey != "" {
		getURL, err := s.storage.PresignedGetURL(r.Context(), job.OutputKey, s.presignTTL)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("presign output download failed")
		} else {
			view.OutputURL = getURL
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// loadJob writes the error response itself and reports whether the caller
// should continue.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if !id.Valid(jobID) {
		writeMessage(w, http.StatusBadRequest, "job id must be a UUID")
		return domain.Job{}, false
	}

	job, found, err := s.jobStore.Get(r.Context(), jobID)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("load job failed")
		writeMessage(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	case !found:
		writeMessage(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

// checkSource confirms the source image is in place before a job is queued.
func (s *Server) checkSource(ctx context.Context, job domain.Job) error {
	var (
		exists bool
		err    error
	)
	if job.SourceType == domain.SourceTypeLocalFile {
		_, err = os.Stat(job.ObjectKey)
		exists = err == nil
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
	} else {
		exists, err = s.storage.ObjectExists(ctx, job.ObjectKey)
	}

	if err != nil {
		return fmt.Errorf("source image check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("source image has not been uploaded: %s", job.ObjectKey)
	}
	return nil
}
