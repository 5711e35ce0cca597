// Package session wires the registry, the parameter and image stores, the
// orchestrator, and the history loader into one explicit container. All
// mutation goes through its named operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dunamismax/visionx/internal/config"
	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/history"
	"github.com/dunamismax/visionx/internal/imagestate"
	"github.com/dunamismax/visionx/internal/orchestrator"
	"github.com/dunamismax/visionx/internal/params"
	"github.com/dunamismax/visionx/internal/registry"
	"github.com/dunamismax/visionx/internal/remote"
	"github.com/dunamismax/visionx/internal/transcode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const diagnosticPrefixLen = 50

// Service is the processing service as the session uses it.
type Service interface {
	orchestrator.Processor
	history.Fetcher
	Upload(ctx context.Context, filename, mimeType string, data []byte) (remote.UploadAck, error)
}

type Config struct {
	DefaultAlgorithm string
	StrictParameters bool
	StalePolicy      orchestrator.StalePolicy
	HistoryOrder     history.Order
	// MaxUploadBytes of zero disables the size check.
	MaxUploadBytes int64
	ForwardUploads bool
	Registerer     prometheus.Registerer
}

// ConfigFrom maps the environment settings onto a session Config.
func ConfigFrom(cfg config.Config) (Config, error) {
	policy, err := orchestrator.ParseStalePolicy(cfg.Session.StalePolicy)
	if err != nil {
		return Config{}, err
	}
	order, err := history.ParseOrder(cfg.Session.HistoryOrder)
	if err != nil {
		return Config{}, err
	}
	return Config{
		DefaultAlgorithm: cfg.Session.DefaultAlgorithm,
		StrictParameters: cfg.Session.StrictParameters,
		StalePolicy:      policy,
		HistoryOrder:     order,
		MaxUploadBytes:   cfg.Session.MaxUploadBytes,
		ForwardUploads:   cfg.Service.ForwardUploads,
	}, nil
}

type Session struct {
	logger   zerolog.Logger
	cfg      Config
	registry *registry.Registry
	service  Service
	params   *params.Store
	images   *imagestate.Store
	orch     *orchestrator.Orchestrator
	history  *history.Loader
}

// View is a point-in-time read of everything a client renders.
type View struct {
	Algorithm    string                 `json:"algorithm"`
	Label        string                 `json:"label"`
	Parameters   domain.ParameterValues `json:"parameters"`
	Specs        []domain.ParameterSpec `json:"specs"`
	Original     domain.EncodedImage    `json:"original,omitempty"`
	Processed    domain.EncodedImage    `json:"processed,omitempty"`
	Processing   bool                   `json:"processing"`
	Error        string                 `json:"error,omitempty"`
	// HistoryState is "loading" while a history fetch is outstanding.
	HistoryState history.State `json:"history_state,omitempty"`
}

type UploadResult struct {
	Filename  string `json:"filename"`
	MIMEType  string `json:"mime_type"`
	Bytes     int    `json:"bytes"`
	Forwarded bool   `json:"forwarded"`
}

func New(logger zerolog.Logger, reg *registry.Registry, service Service, cfg Config) (*Session, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if service == nil {
		return nil, fmt.Errorf("processing service is required")
	}

	images := imagestate.NewStore()
	s := &Session{
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		service:  service,
		params:   params.NewStore(reg, params.WithStrictParameters(cfg.StrictParameters)),
		images:   images,
		orch: orchestrator.New(
			logger.With().Str("component", "orchestrator").Logger(),
			service,
			images,
			orchestrator.WithStalePolicy(cfg.StalePolicy),
			orchestrator.WithRegisterer(cfg.Registerer),
		),
		history: history.NewLoader(logger.With().Str("component", "history").Logger(), service, cfg.HistoryOrder),
	}

	if cfg.DefaultAlgorithm != "" {
		if err := s.params.SelectAlgorithm(cfg.DefaultAlgorithm); err != nil {
			return nil, fmt.Errorf("select default algorithm: %w", err)
		}
	}
	return s, nil
}

func (s *Session) Algorithms() []domain.AlgorithmDescriptor {
	return s.registry.List()
}

func (s *Session) SelectAlgorithm(id string) error {
	if err := s.params.SelectAlgorithm(id); err != nil {
		s.logger.Warn().Err(err).Str("algorithm", id).Msg("algorithm selection rejected")
		return err
	}
	return nil
}

func (s *Session) SetParameter(name string, value float64) error {
	if err := s.params.SetParameter(name, value); err != nil {
		s.logger.Warn().Err(err).Str("parameter", name).Msg("parameter update rejected")
		return err
	}
	return nil
}

// UploadImage reads an image, encodes it as a data URL, and makes it the
// current original. Any failure clears the original, which also clears the
// processed image.
func (s *Session) UploadImage(ctx context.Context, filename, mimeType string, r io.Reader) (UploadResult, error) {
	data, err := s.readUpload(r)
	if err != nil {
		s.images.SetOriginal("")
		s.logger.Error().Err(err).Str("filename", filename).Msg("image upload rejected")
		return UploadResult{}, err
	}

	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = transcode.DetectMIME(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		s.images.SetOriginal("")
		err := domain.Wrap(domain.ErrEncoding, "upload image", fmt.Errorf("unsupported content type %q", mimeType))
		s.logger.Error().Err(err).Str("filename", filename).Msg("image upload rejected")
		return UploadResult{}, err
	}

	encoded := transcode.Encode(data, mimeType)
	s.logDiagnostics(encoded)
	s.images.SetOriginal(encoded)

	result := UploadResult{Filename: filename, MIMEType: mimeType, Bytes: len(data)}
	if s.cfg.ForwardUploads {
		if _, err := s.ForwardUpload(ctx, filename, mimeType, data); err == nil {
			result.Forwarded = true
		}
	}
	return result, nil
}

func (s *Session) readUpload(r io.Reader) ([]byte, error) {
	if s.cfg.MaxUploadBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, domain.Wrap(domain.ErrEncoding, "read upload", err)
		}
		return data, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, domain.Wrap(domain.ErrEncoding, "read upload", err)
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, domain.Wrap(domain.ErrEncoding, "read upload", fmt.Errorf("image exceeds %d bytes", s.cfg.MaxUploadBytes))
	}
	return data, nil
}

// logDiagnostics records whether the payload decodes. It never rejects.
func (s *Session) logDiagnostics(img domain.EncodedImage) {
	prefix := img.String()
	if len(prefix) > diagnosticPrefixLen {
		prefix = prefix[:diagnosticPrefixLen]
	}
	s.logger.Debug().
		Int("length", len(img)).
		Str("prefix", prefix).
		Bool("valid_base64", transcode.Validate(img)).
		Msg("image encoded")
}

// ForwardUpload posts the raw file to the service. It does not touch the
// session state; failures are logged and returned.
func (s *Session) ForwardUpload(ctx context.Context, filename, mimeType string, data []byte) (remote.UploadAck, error) {
	ack, err := s.service.Upload(ctx, filename, mimeType, data)
	if err != nil {
		s.logger.Error().Err(err).Str("filename", filename).Msg("forward upload failed")
		return remote.UploadAck{}, err
	}
	s.logger.Info().Str("filename", ack.Filename).Msg("upload forwarded")
	return ack, nil
}

// Process submits the current original with the current selection.
func (s *Session) Process(ctx context.Context) (orchestrator.Outcome, error) {
	selection := s.params.Snapshot()
	image := s.images.Snapshot().Original
	outcome, err := s.orch.Submit(ctx, selection.Algorithm, selection.Parameters, image)
	if errors.Is(err, domain.ErrNoImage) {
		s.logger.Debug().Msg("process requested without an image")
	}
	return outcome, err
}

// Reset clears both images and any surfaced processing error.
func (s *Session) Reset() {
	s.images.Reset()
	s.orch.ClearError()
}

func (s *Session) History(ctx context.Context) history.View {
	return s.history.Load(ctx)
}

func (s *Session) Snapshot() View {
	selection := s.params.Snapshot()
	images := s.images.Snapshot()
	status := s.orch.Status()
	return View{
		Algorithm:    selection.Algorithm,
		Label:        selection.Label,
		Parameters:   selection.Parameters,
		Specs:        selection.Specs,
		Original:     images.Original,
		Processed:    images.Processed,
		Processing:   status.Processing,
		Error:        status.Error,
		HistoryState: s.history.State(),
	}
}
