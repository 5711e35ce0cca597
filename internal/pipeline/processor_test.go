package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/registry"
	"github.com/dunamismax/visionx/internal/remote"
	"github.com/dunamismax/visionx/internal/transcode"
)

// newFakeService answers /process with a 32x16 PNG so outputs are
// distinguishable from inputs.
func newFakeService(t *testing.T, seen *domain.ProcessingRequest) *remote.Client {
	t.Helper()
	out := transcode.Encode(buildTestPNG(t, 32, 16), "image/png")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(domain.ProcessedResult{ProcessedImage: out, Message: "Image processed successfully"})
	}))
	t.Cleanup(srv.Close)

	client, err := remote.NewClient(remote.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new remote client: %v", err)
	}
	return client
}

func TestLocalProcessorFileInFileOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	outputDir := filepath.Join(tmp, "out")

	if err := os.WriteFile(inputPath, buildTestPNG(t, 240, 120), 0o644); err != nil {
		t.Fatalf("write input image: %v", err)
	}

	var seen domain.ProcessingRequest
	processor, err := NewLocalProcessor(outputDir, newFakeService(t, &seen), registry.Default())
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	out, err := processor.Process(context.Background(), Request{
		JobID:      "job-local-1",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Algorithm:  "canny",
		Parameters: domain.ParameterValues{"threshold1": 50},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if seen.Algorithm != "canny" || seen.Parameters["threshold1"] != 50 || seen.Parameters["threshold2"] != 200 {
		t.Fatalf("expected defaults merged with overrides, got %+v", seen.Parameters)
	}
	if !strings.HasPrefix(seen.Image.String(), "data:image/png;base64,") {
		t.Fatalf("expected PNG data URL, got %.32q", seen.Image)
	}

	if out.Path != filepath.Join(outputDir, "job-local-1", "canny.png") {
		t.Fatalf("unexpected output path %s", out.Path)
	}
	if out.Width != 32 || out.Height != 16 || out.MIMEType != "image/png" {
		t.Fatalf("unexpected output %+v", out)
	}
	verifyImageWidth(t, out.Path, 32)
}

func TestLocalProcessorRejectsUnknownParameter(t *testing.T) {
	var seen domain.ProcessingRequest
	processor, err := NewLocalProcessor(t.TempDir(), newFakeService(t, &seen), nil)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-bad-param",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  "unused.png",
		Algorithm:  "canny",
		Parameters: domain.ParameterValues{"sigma": 2},
	})
	if !errors.Is(err, domain.ErrUnknownParameter) {
		t.Fatalf("expected ErrUnknownParameter, got %v", err)
	}
}

func TestLocalProcessorUnsupportedSourceType(t *testing.T) {
	var seen domain.ProcessingRequest
	processor, err := NewLocalProcessor(t.TempDir(), newFakeService(t, &seen), nil)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job/source",
		Algorithm:  "canny",
	})
	if !errors.Is(err, ErrUnsupportedSourceType) {
		t.Fatalf("expected ErrUnsupportedSourceType, got %v", err)
	}
}

func TestLocalProcessorRejectsNonImageSource(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "notes.txt")
	if err := os.WriteFile(inputPath, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	var seen domain.ProcessingRequest
	processor, _ := NewLocalProcessor(tmp, newFakeService(t, &seen), nil)
	_, err := processor.Process(context.Background(), Request{
		JobID:      "job-text",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Algorithm:  "histogram",
	})
	if !errors.Is(err, domain.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
}

func TestProcessorSurfacesServiceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"detail":"boom"}`)
	}))
	defer srv.Close()
	client, _ := remote.NewClient(remote.Config{BaseURL: srv.URL})

	store := newMemoryObjectStore()
	store.objects["uploads/job-s3/source"] = buildTestPNG(t, 8, 8)
	processor, err := NewObjectStoreProcessor(store, 0, client, nil)
	if err != nil {
		t.Fatalf("new object processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-s3",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-s3/source",
		Algorithm:  "canny",
	})
	if !errors.Is(err, domain.ErrProcessingFailure) {
		t.Fatalf("expected ErrProcessingFailure, got %v", err)
	}
	if len(store.objects) != 1 {
		t.Fatal("expected no output to be written on failure")
	}
}

func TestObjectStoreProcessorWritesOutput(t *testing.T) {
	store := newMemoryObjectStore()
	store.objects["uploads/job-s3/source"] = buildTestPNG(t, 64, 64)

	var seen domain.ProcessingRequest
	processor, err := NewObjectStoreProcessor(store, 1<<20, newFakeService(t, &seen), nil)
	if err != nil {
		t.Fatalf("new object processor: %v", err)
	}

	out, err := processor.Process(context.Background(), Request{
		JobID:      "job-s3",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-s3/source",
		Algorithm:  "region-growing",
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}
	if out.Path != "outputs/job-s3/region-growing.png" {
		t.Fatalf("unexpected output key %s", out.Path)
	}
	if store.types[out.Path] != "image/png" {
		t.Fatalf("unexpected content type %q", store.types[out.Path])
	}
	if _, _, err := image.Decode(bytes.NewReader(store.objects[out.Path])); err != nil {
		t.Fatalf("expected decodable output: %v", err)
	}
}

func TestSanitizePathToken(t *testing.T) {
	cases := map[string]string{
		"":               "unknown",
		"job-1":          "job-1",
		"../etc/passwd":  "___etc_passwd",
		"split merge":    "split_merge",
		"region_growing": "region_growing",
	}
	for in, want := range cases {
		if got := sanitizePathToken(in); got != want {
			t.Fatalf("sanitizePathToken(%q) = %q, want %q", in, got, want)
		}
	}
}

type memoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryObjectStore) ReadObject(_ context.Context, key string, _ int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (m *memoryObjectStore) WriteObject(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func buildTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func verifyImageWidth(t *testing.T, path string, want int) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}
	if got := img.Bounds().Dx(); got != want {
		t.Fatalf("expected width %d, got %d", want, got)
	}
}
