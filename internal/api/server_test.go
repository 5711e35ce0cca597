package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/queue"
	"github.com/dunamismax/visionx/internal/ratelimit"
	"github.com/dunamismax/visionx/internal/registry"
	"github.com/dunamismax/visionx/internal/remote"
	"github.com/dunamismax/visionx/internal/session"
	"github.com/dunamismax/visionx/internal/store"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type fakeService struct {
	processed  domain.EncodedImage
	processErr error
	history    []domain.HistoryEntry
	historyErr error
}

func (f *fakeService) Process(context.Context, domain.ProcessingRequest) (domain.ProcessedResult, error) {
	if f.processErr != nil {
		return domain.ProcessedResult{}, f.processErr
	}
	return domain.ProcessedResult{ProcessedImage: f.processed, Message: "Image processed successfully"}, nil
}

func (f *fakeService) History(context.Context) ([]domain.HistoryEntry, error) {
	return f.history, f.historyErr
}

func (f *fakeService) Upload(context.Context, string, string, []byte) (remote.UploadAck, error) {
	return remote.UploadAck{}, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.ProcessImagePayload
}

func (q *fakeQueue) EnqueueProcessImage(_ context.Context, payload queue.ProcessImagePayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "visionx", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	exists map[string]bool
}

func (f fakeStorage) PresignedPutURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "http://minio.local/visionx/" + objectKey + "?sig=abc", nil
}

func (f fakeStorage) PresignedGetURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "http://minio.local/visionx/" + objectKey + "?get=1", nil
}

func (f fakeStorage) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	return f.exists[objectKey], nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	costs    *[]int64
}

func (f fakeLimiter) AllowN(_ context.Context, _ string, cost int64) (ratelimit.Decision, error) {
	if f.costs != nil {
		*f.costs = append(*f.costs, cost)
	}
	return f.decision, f.err
}

func newTestServer(t *testing.T, svc *fakeService, opts Options) *Server {
	t.Helper()
	sess, err := session.New(zerolog.New(io.Discard), registry.Default(), svc, session.Config{DefaultAlgorithm: "canny"})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return NewServer(zerolog.New(io.Discard), sess, registry.Default(), opts)
}

func pngBody(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func do(t *testing.T, h http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func uploadImage(t *testing.T, h http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "square.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(pngBody(t)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return do(t, h, http.MethodPost, "/v1/session/image", &body, mw.FormDataContentType())
}

func TestSessionUploadAndProcess(t *testing.T) {
	svc := &fakeService{processed: "data:image/png;base64,AAAA"}
	h := newTestServer(t, svc, Options{}).Handler()

	rec := uploadImage(t, h)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var upload struct {
		Filename string `json:"filename"`
		MIMEType string `json:"mime_type"`
	}
	decodeBody(t, rec, &upload)
	if upload.Filename != "square.png" || upload.MIMEType != "image/png" {
		t.Fatalf("unexpected upload response %+v", upload)
	}

	rec = do(t, h, http.MethodPost, "/v1/session/process", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("process: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var processed struct {
		Applied bool `json:"applied"`
		Session struct {
			Processed  string `json:"processed"`
			Processing bool   `json:"processing"`
		} `json:"session"`
	}
	decodeBody(t, rec, &processed)
	if !processed.Applied || processed.Session.Processed != "data:image/png;base64,AAAA" || processed.Session.Processing {
		t.Fatalf("unexpected process response %+v", processed)
	}

	rec = do(t, h, http.MethodDelete, "/v1/session/image", nil, "")
	var view session.View
	decodeBody(t, rec, &view)
	if !view.Original.IsZero() || !view.Processed.IsZero() {
		t.Fatalf("expected reset to clear images, got %+v", view)
	}
}

func TestMalformedUploadClearsOriginal(t *testing.T) {
	h := newTestServer(t, &fakeService{}, Options{}).Handler()
	if rec := uploadImage(t, h); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 upload, got %d: %s", rec.Code, rec.Body.String())
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("image", "not a file"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	rec := do(t, h, http.MethodPost, "/v1/session/image", &body, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without file field, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/session", nil, "")
	var view session.View
	decodeBody(t, rec, &view)
	if !view.Original.IsZero() {
		t.Fatalf("expected original cleared after failed upload, got %.40q", view.Original)
	}
}

func TestSessionErrorStatuses(t *testing.T) {
	svc := &fakeService{processErr: errors.New("dial tcp: connection refused")}
	h := newTestServer(t, svc, Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/v1/session/process", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without an image, got %d", rec.Code)
	}

	uploadImage(t, h)
	rec = do(t, h, http.MethodPost, "/v1/session/process", nil, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on processing failure, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatal("raw cause must not reach the client")
	}

	rec = do(t, h, http.MethodPut, "/v1/session/algorithm", strings.NewReader(`{"algorithm":"sobel"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown algorithm, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPut, "/v1/session/parameters/threshold1", strings.NewReader(`{}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without value, got %d", rec.Code)
	}
}

func TestSetParameter(t *testing.T) {
	h := newTestServer(t, &fakeService{}, Options{}).Handler()

	rec := do(t, h, http.MethodPut, "/v1/session/parameters/threshold1", strings.NewReader(`{"value":150}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view session.View
	decodeBody(t, rec, &view)
	if view.Parameters["threshold1"] != 150 {
		t.Fatalf("expected threshold1=150, got %+v", view.Parameters)
	}
}

func TestHistoryStates(t *testing.T) {
	svc := &fakeService{historyErr: errors.New("timeout")}
	h := newTestServer(t, svc, Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/v1/history", nil, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var view struct {
		State string `json:"state"`
		Error string `json:"error"`
	}
	decodeBody(t, rec, &view)
	if view.State != "error" || view.Error != "Failed to load processing history" {
		t.Fatalf("unexpected history view %+v", view)
	}

	svc.historyErr = nil
	svc.history = []domain.HistoryEntry{{ID: 1, Algorithm: "canny"}}
	rec = do(t, h, http.MethodGet, "/v1/history", nil, "")
	decodeBody(t, rec, &view)
	if rec.Code != http.StatusOK || view.State != "populated" {
		t.Fatalf("expected populated view, got %d %+v", rec.Code, view)
	}
}

func TestBatchLifecycle(t *testing.T) {
	source := filepath.Join(t.TempDir(), "in.png")
	if err := os.WriteFile(source, pngBody(t), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	q := &fakeQueue{}
	h := newTestServer(t, &fakeService{}, Options{Queue: q}).Handler()

	body := `{"source_type":"local_file","object_key":"` + source + `","algorithm":"canny","parameters":{"threshold1":80}}`
	rec := do(t, h, http.MethodPost, "/v1/batches", strings.NewReader(body), "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID      string                 `json:"job_id"`
		Parameters domain.ParameterValues `json:"parameters"`
		StartURL   string                 `json:"start_url"`
	}
	decodeBody(t, rec, &created)
	if created.Parameters["threshold1"] != 80 || created.Parameters["threshold2"] != 200 {
		t.Fatalf("expected resolved parameters, got %+v", created.Parameters)
	}

	rec = do(t, h, http.MethodPost, created.StartURL, nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(q.payloads) != 1 || q.payloads[0].JobID != created.JobID || q.payloads[0].Algorithm != "canny" {
		t.Fatalf("unexpected enqueued payloads %+v", q.payloads)
	}

	rec = do(t, h, http.MethodGet, "/v1/batches/"+created.JobID, nil, "")
	var job domain.Job
	decodeBody(t, rec, &job)
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued job, got %s", job.Status)
	}

	rec = do(t, h, http.MethodPost, created.StartURL, nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", rec.Code)
	}
}

func TestBatchPresignedSource(t *testing.T) {
	q := &fakeQueue{}
	storage := fakeStorage{exists: map[string]bool{}}
	jobs := store.NewMemoryJobStore()
	h := newTestServer(t, &fakeService{}, Options{Queue: q, Storage: storage, Jobs: jobs}).Handler()

	rec := do(t, h, http.MethodPost, "/v1/batches", strings.NewReader(`{"source_type":"s3_presigned","algorithm":"histogram"}`), "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID    string `json:"job_id"`
		StartURL string `json:"start_url"`
		Upload   struct {
			ObjectKey string `json:"object_key"`
			URL       string `json:"presigned_put_url"`
		} `json:"upload"`
	}
	decodeBody(t, rec, &created)
	if created.Upload.ObjectKey != "uploads/"+created.JobID+"/source" || created.Upload.URL == "" {
		t.Fatalf("unexpected upload block %+v", created.Upload)
	}

	rec = do(t, h, http.MethodPost, created.StartURL, nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before the object exists, got %d", rec.Code)
	}

	storage.exists[created.Upload.ObjectKey] = true
	rec = do(t, h, http.MethodPost, created.StartURL, nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 once uploaded, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := jobs.MarkSucceeded(context.Background(), created.JobID, "outputs/"+created.JobID+"/histogram.png"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/v1/batches/"+created.JobID, nil, "")
	var view struct {
		Status    string `json:"status"`
		OutputKey string `json:"output_key"`
		OutputURL string `json:"output_url"`
	}
	decodeBody(t, rec, &view)
	if view.Status != domain.JobStatusSucceeded || !strings.HasSuffix(view.OutputURL, "histogram.png?get=1") {
		t.Fatalf("expected download link for finished job, got %+v", view)
	}
}

func TestBatchRejections(t *testing.T) {
	h := newTestServer(t, &fakeService{}, Options{Queue: &fakeQueue{}}).Handler()

	cases := []struct {
		name string
		body string
		want int
	}{
		{"unknown parameter", `{"source_type":"s3_presigned","algorithm":"canny","parameters":{"sigma":2}}`, http.StatusBadRequest},
		{"unknown algorithm", `{"source_type":"s3_presigned","algorithm":"sobel"}`, http.StatusBadRequest},
		{"missing source", `{"algorithm":"canny"}`, http.StatusBadRequest},
		{"unknown field", `{"source_type":"s3_presigned","algorithm":"canny","pipeline":[]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/batches", strings.NewReader(tc.body), "application/json")
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	if rec := do(t, h, http.MethodGet, "/v1/batches/not-a-uuid", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/batches/3f1c2d7e-8a4b-4c1d-9e2f-0a1b2c3d4e5f", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestBatchesUnavailableWithoutQueue(t *testing.T) {
	h := newTestServer(t, &fakeService{}, Options{}).Handler()
	rec := do(t, h, http.MethodPost, "/v1/batches", strings.NewReader(`{"source_type":"s3_presigned","algorithm":"canny"}`), "application/json")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := fakeLimiter{decision: ratelimit.Decision{Allowed: false, Remaining: 0, RetryAfter: 1500 * time.Millisecond}}
	h := newTestServer(t, &fakeService{}, Options{RateLimiter: limiter}).Handler()

	rec := do(t, h, http.MethodPost, "/v1/session/process", nil, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}

	if rec := do(t, h, http.MethodGet, "/v1/session", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("reads must not be limited, got %d", rec.Code)
	}

	var costs []int64
	allowing := newTestServer(t, &fakeService{}, Options{
		Queue:       &fakeQueue{},
		BatchCost:   5,
		RateLimiter: fakeLimiter{decision: ratelimit.Decision{Allowed: true, Limit: 30, Remaining: 25}, costs: &costs},
	}).Handler()
	rec = do(t, allowing, http.MethodPost, "/v1/batches", strings.NewReader(`{"source_type":"s3_presigned","algorithm":"canny"}`), "application/json")
	if rec.Header().Get("X-RateLimit-Limit") != "30" || rec.Header().Get("X-RateLimit-Remaining") != "25" {
		t.Fatalf("expected rate limit headers, got %v", rec.Header())
	}
	do(t, allowing, http.MethodPost, "/v1/session/process", nil, "")
	do(t, allowing, http.MethodPut, "/v1/session/algorithm", strings.NewReader(`{"algorithm":"log"}`), "application/json")
	if len(costs) != 2 || costs[0] != 5 || costs[1] != 1 {
		t.Fatalf("expected costs [5 1], got %v", costs)
	}

	failing := newTestServer(t, &fakeService{}, Options{RateLimiter: fakeLimiter{err: errors.New("redis down")}}).Handler()
	if rec := do(t, failing, http.MethodPost, "/v1/session/process", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("limiter errors must fail open, got %d", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/batches/abc/start":         "/v1/batches/{id}/start",
		"/v1/batches/abc":               "/v1/batches/{id}",
		"/v1/batches":                   "/v1/batches",
		"/v1/session/parameters/sigma":  "/v1/session/parameters/{name}",
		"/v1/session/process":           "/v1/session/process",
		"/healthz":                      "/healthz",
		"/wp-admin/../../../etc/passwd": "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, &fakeService{}, Options{}).Handler()
	do(t, h, http.MethodGet, "/healthz", nil, "")

	rec := do(t, h, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `visionx_api_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("expected request counter in exposition, got:\n%s", rec.Body.String())
	}
}
