package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/registry"
	"github.com/dunamismax/visionx/internal/storage"
	"github.com/dunamismax/visionx/internal/transcode"
)

// ObjectStore is the subset of storage.Client the object stages use.
type ObjectStore interface {
	ReadObject(ctx context.Context, objectKey string, limit int64) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

func NewObjectStoreProcessor(store ObjectStore, maxSourceBytes int64, service Service, reg *registry.Registry) (*Processor, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	return NewProcessor(
		ObjectStoreFetcher{Store: store, MaxBytes: maxSourceBytes},
		ObjectStoreEmitter{Store: store},
		service,
		reg,
	)
}

type ObjectStoreFetcher struct {
	Store    ObjectStore
	MaxBytes int64
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, domain.SourceTypeS3Presigned) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Store.ReadObject(ctx, req.ObjectKey, f.MaxBytes)
}

type ObjectStoreEmitter struct {
	Store ObjectStore
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte, info transcode.Info) (Output, error) {
	key := storage.OutputKey(
		sanitizePathToken(req.JobID),
		sanitizePathToken(req.Algorithm),
		transcode.ExtensionFor(info.MIMEType),
	)
	contentType := info.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := e.Store.WriteObject(ctx, key, data, contentType); err != nil {
		return Output{}, err
	}
	return outputFor(req, key, data, info), nil
}
