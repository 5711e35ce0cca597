// Package remote talks to the external image processing service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/transcode"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	EndpointUpload  = "/upload"
	EndpointProcess = "/process"
	EndpointHistory = "/history"
	EndpointHealth  = "/health"

	maxResponseBytes = 256 << 20
	maxDetailBytes   = 512
)

type Config struct {
	BaseURL string
	// Timeout of zero keeps the transport defaults.
	Timeout    time.Duration
	HTTPClient *http.Client
	Registerer prometheus.Registerer
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tracer     trace.Tracer
	metrics    *metrics
}

// UploadAck is the acknowledgment body of POST /upload.
type UploadAck struct {
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

// StatusError records a non-2xx reply. Detail is for logs only.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s returned status=%d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status=%d detail=%q", e.Endpoint, e.StatusCode, e.Detail)
}

var ErrMalformedResponse = errors.New("malformed response body")

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse service base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("service base url must be http or https: %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		tracer:     otel.Tracer("visionx/remote"),
		metrics:    newMetrics(cfg.Registerer),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Upload sends the raw file as multipart field "file".
func (c *Client) Upload(ctx context.Context, filename, mimeType string, data []byte) (UploadAck, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return UploadAck{}, domain.Wrap(domain.ErrUploadFailure, "upload image", fmt.Errorf("create form part: %w", err))
	}
	if _, err := part.Write(data); err != nil {
		return UploadAck{}, domain.Wrap(domain.ErrUploadFailure, "upload image", fmt.Errorf("write form part: %w", err))
	}
	if err := mw.Close(); err != nil {
		return UploadAck{}, domain.Wrap(domain.ErrUploadFailure, "upload image", fmt.Errorf("close form: %w", err))
	}

	req, err := c.newRequest(ctx, http.MethodPost, EndpointUpload, &body)
	if err != nil {
		return UploadAck{}, domain.Wrap(domain.ErrUploadFailure, "upload image", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var ack UploadAck
	if err := c.do(req, EndpointUpload, &ack); err != nil {
		return UploadAck{}, domain.Wrap(domain.ErrUploadFailure, "upload image", err)
	}
	return ack, nil
}

// Process submits one request and waits for the single response. The reply
// must carry processedImage as a data URL with a well-formed base64 payload.
func (c *Client) Process(ctx context.Context, pr domain.ProcessingRequest) (domain.ProcessedResult, error) {
	body, err := json.Marshal(pr)
	if err != nil {
		return domain.ProcessedResult{}, domain.Wrap(domain.ErrProcessingFailure, "process image", fmt.Errorf("marshal request: %w", err))
	}

	req, err := c.newRequest(ctx, http.MethodPost, EndpointProcess, bytes.NewReader(body))
	if err != nil {
		return domain.ProcessedResult{}, domain.Wrap(domain.ErrProcessingFailure, "process image", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result domain.ProcessedResult
	if err := c.do(req, EndpointProcess, &result); err != nil {
		return domain.ProcessedResult{}, domain.Wrap(domain.ErrProcessingFailure, "process image", err)
	}
	if result.ProcessedImage.IsZero() {
		return domain.ProcessedResult{}, domain.Wrap(domain.ErrProcessingFailure, "process image", fmt.Errorf("%w: processedImage is missing", ErrMalformedResponse))
	}
	if result.ProcessedImage.MIMEType() == "" || !transcode.Validate(result.ProcessedImage) {
		return domain.ProcessedResult{}, domain.Wrap(domain.ErrProcessingFailure, "process image", fmt.Errorf("%w: processedImage is not a base64 data URL", ErrMalformedResponse))
	}
	return result, nil
}

// History returns the entries in the order the service sent them.
func (c *Client) History(ctx context.Context) ([]domain.HistoryEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, EndpointHistory, nil)
	if err != nil {
		return nil, domain.Wrap(domain.ErrHistoryFetch, "fetch history", err)
	}

	var payload struct {
		History *[]domain.HistoryEntry `json:"history"`
	}
	if err := c.do(req, EndpointHistory, &payload); err != nil {
		return nil, domain.Wrap(domain.ErrHistoryFetch, "fetch history", err)
	}
	if payload.History == nil {
		return nil, domain.Wrap(domain.ErrHistoryFetch, "fetch history", fmt.Errorf("%w: history is missing", ErrMalformedResponse))
	}
	return *payload.History, nil
}

func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, EndpointHealth, nil)
	if err != nil {
		return err
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := c.do(req, EndpointHealth, &payload); err != nil {
		return err
	}
	if payload.Status != "healthy" {
		return fmt.Errorf("service reported status %q", payload.Status)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	target := c.baseURL.JoinPath(endpoint)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, endpoint string, into any) error {
	ctx, span := c.tracer.Start(req.Context(), "remote "+req.Method+" "+endpoint, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.route", endpoint),
		attribute.String("server.address", c.baseURL.Host),
	)
	defer span.End()

	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	status := "error"
	defer func() {
		c.metrics.observe(endpoint, status, time.Since(start))
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	status = statusLabel(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Detail:     readDetail(resp.Body),
		}
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, "non-success status")
		return statusErr
	}

	decoder := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := decoder.Decode(into); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	span.SetStatus(codes.Ok, "ok")
	return nil
}

// readDetail pulls FastAPI's {"detail": ...} out of an error body, or a
// prefix of the raw body when that is absent.
func readDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return truncate(s)
		}
		encoded, _ := json.Marshal(payload.Detail)
		return truncate(string(encoded))
	}
	return truncate(strings.TrimSpace(string(raw)))
}

func truncate(s string) string {
	if len(s) <= maxDetailBytes {
		return s
	}
	return s[:maxDetailBytes] + "..."
}
