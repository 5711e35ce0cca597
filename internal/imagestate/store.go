// Package imagestate owns the original and processed images shown side by
// side. All writes go through the named operations so that a processed
// image is never paired with an original it was not produced from.
package imagestate

import (
	"sync"

	"github.com/dunamismax/visionx/internal/domain"
)

type State struct {
	Original  domain.EncodedImage `json:"original,omitempty"`
	Processed domain.EncodedImage `json:"processed,omitempty"`
	// Version increments whenever Original changes or the store is reset.
	Version uint64 `json:"version"`
}

type Store struct {
	mu    sync.RWMutex
	state State
}

func NewStore() *Store {
	return &Store{}
}

// SetOriginal replaces the original image and clears the processed one.
// Pass "" to clear. It returns the new version.
func (s *Store) SetOriginal(img domain.EncodedImage) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Original = img
	s.state.Processed = ""
	s.state.Version++
	return s.state.Version
}

// SetProcessed replaces the processed image without touching the original.
func (s *Store) SetProcessed(img domain.EncodedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Processed = img
}

// SetProcessedFor applies img only while the original at version is still
// current and reports whether it did.
func (s *Store) SetProcessedFor(version uint64, img domain.EncodedImage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Version != version {
		return false
	}
	s.state.Processed = img
	return true
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Original = ""
	s.state.Processed = ""
	s.state.Version++
}

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
