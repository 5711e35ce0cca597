// Package webhook delivers signed batch job notifications.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/visionx/internal/config"
	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/id"
)

const (
	HeaderSignature = "X-Visionx-Signature"
	HeaderTimestamp = "X-Visionx-Timestamp"
	HeaderEvent     = "X-Visionx-Event"
	// HeaderDelivery is constant across retries of one Send so receivers
	// can drop duplicates.
	HeaderDelivery = "X-Visionx-Delivery"

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"

	signaturePrefix = "sha256="
)

// JobEvent is the body posted for a finished batch job.
type JobEvent struct {
	JobID      string                 `json:"job_id"`
	Status     string                 `json:"status"`
	Algorithm  string                 `json:"algorithm"`
	Parameters domain.ParameterValues `json:"parameters"`
	OutputKey  string                 `json:"output_key,omitempty"`
	Error      string                 `json:"error,omitempty"`
	FinishedAt time.Time              `json:"finished_at"`
}

// EventFor builds the event name and body for a job in a terminal state.
func EventFor(job domain.Job, finishedAt time.Time) (string, JobEvent) {
	event := EventJobCompleted
	if job.Status == domain.JobStatusFailed {
		event = EventJobFailed
	}
	return event, JobEvent{
		JobID:      job.ID,
		Status:     job.Status,
		Algorithm:  job.Algorithm,
		Parameters: job.Parameters.Clone(),
		OutputKey:  job.OutputKey,
		Error:      job.Error,
		FinishedAt: finishedAt.UTC(),
	}
}

type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewClient(cfg config.WebhookConfig, opts Options) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	initialBackoff := opts.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(1, cfg.MaxAttempts),
		initialBackoff: initialBackoff,
		maxBackoff:     max(initialBackoff, opts.MaxBackoff),
		now:            time.Now,
	}
}

// Send posts payload to endpoint, retrying failed deliveries with doubling
// backoff. Client errors other than 408 and 429 end the attempt loop. An
// empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)
	delivery := id.New()

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEvent, event)
		req.Header.Set(HeaderDelivery, delivery)

		lastErr = c.post(req)
		if lastErr == nil {
			return nil
		}
		var rejected *rejectedError
		if errors.As(lastErr, &rejected) {
			return fmt.Errorf("webhook rejected on attempt %d: %w", attempt, lastErr)
		}
		if attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// rejectedError is a 4xx reply that retrying cannot fix.
type rejectedError struct {
	status int
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("webhook returned status=%d", e.status)
}

func (c *Client) post(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests:
		return &rejectedError{status: code}
	default:
		return fmt.Errorf("webhook returned status=%d", code)
	}
}

// Sign computes the signature header value over "timestamp.body".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
