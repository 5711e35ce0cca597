// Package pipeline runs one batch job: fetch the source image, send it to
// the processing service, and write the processed result somewhere durable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/params"
	"github.com/dunamismax/visionx/internal/registry"
	"github.com/dunamismax/visionx/internal/transcode"
)

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Algorithm  string
	Parameters domain.ParameterValues
}

type Output struct {
	Algorithm string
	MIMEType  string
	// Path is a file path for local outputs and an object key otherwise.
	Path   string
	Bytes  int
	Width  int
	Height int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, info transcode.Info) (Output, error)
}

// Service is the processing service as seen by a batch run.
type Service interface {
	Process(ctx context.Context, req domain.ProcessingRequest) (domain.ProcessedResult, error)
}

type Processor struct {
	fetcher  Fetcher
	emitter  Emitter
	service  Service
	registry *registry.Registry
}

func NewProcessor(fetcher Fetcher, emitter Emitter, service Service, reg *registry.Registry) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	if service == nil {
		return nil, errors.New("processing service is required")
	}
	if reg == nil {
		reg = registry.Default()
	}
	return &Processor{fetcher: fetcher, emitter: emitter, service: service, registry: reg}, nil
}

func NewLocalProcessor(outputDir string, service Service, reg *registry.Registry) (*Processor, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("output directory is required")
	}
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, service, reg)
}

func (p *Processor) Process(ctx context.Context, req Request) (Output, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Output{}, errors.New("job_id is required")
	}

	values, err := params.Resolve(p.registry, req.Algorithm, req.Parameters)
	if err != nil {
		return Output{}, fmt.Errorf("resolve parameters: %w", err)
	}

	source, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Output{}, fmt.Errorf("fetch stage: %w", err)
	}

	mimeType := transcode.DetectMIME(source)
	if !strings.HasPrefix(mimeType, "image/") {
		return Output{}, fmt.Errorf("fetch stage: %w", domain.Wrap(domain.ErrEncoding, "detect source type", fmt.Errorf("content type %q is not an image", mimeType)))
	}

	procReq, err := domain.NewProcessingRequest(req.Algorithm, values, transcode.Encode(source, mimeType))
	if err != nil {
		return Output{}, fmt.Errorf("encode stage: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	result, err := p.service.Process(ctx, procReq)
	if err != nil {
		return Output{}, fmt.Errorf("process stage algorithm=%s: %w", req.Algorithm, err)
	}

	processed, err := transcode.Decode(result.ProcessedImage)
	if err != nil {
		return Output{}, fmt.Errorf("decode stage: %w", err)
	}

	info, err := transcode.Inspect(result.ProcessedImage)
	if err != nil {
		// The payload decoded but its header did not; keep what is known.
		info = transcode.Info{MIMEType: result.ProcessedImage.MIMEType(), Bytes: len(processed)}
	}
	if info.MIMEType == "" {
		info.MIMEType = transcode.DetectMIME(processed)
	}

	out, err := p.emitter.Emit(ctx, req, processed, info)
	if err != nil {
		return Output{}, fmt.Errorf("emit stage: %w", err)
	}
	return out, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, info transcode.Info) (Output, error) {
	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	filename := sanitizePathToken(req.Algorithm) + "." + transcode.ExtensionFor(info.MIMEType)
	fullPath := filepath.Join(jobDir, filename)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}
	return outputFor(req, fullPath, data, info), nil
}

func outputFor(req Request, path string, data []byte, info transcode.Info) Output {
	return Output{
		Algorithm: req.Algorithm,
		MIMEType:  info.MIMEType,
		Path:      path,
		Bytes:     len(data),
		Width:     info.Width,
		Height:    info.Height,
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
