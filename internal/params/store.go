// Package params holds the selected algorithm and its current parameter
// values.
package params

import (
	"fmt"
	"sync"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/registry"
)

type Option func(*Store)

// WithStrictParameters makes SetParameter reject names the selected
// algorithm does not declare instead of ignoring them.
func WithStrictParameters(strict bool) Option {
	return func(s *Store) {
		s.strict = strict
	}
}

type Snapshot struct {
	Algorithm  string                 `json:"algorithm"`
	Label      string                 `json:"label"`
	Parameters domain.ParameterValues `json:"parameters"`
	Specs      []domain.ParameterSpec `json:"specs"`
}

type Store struct {
	mu          sync.RWMutex
	registry    *registry.Registry
	strict      bool
	selected    domain.AlgorithmDescriptor
	hasSelected bool
	values      domain.ParameterValues
}

func NewStore(reg *registry.Registry, opts ...Option) *Store {
	s := &Store{
		registry: reg,
		values:   domain.ParameterValues{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectAlgorithm replaces the whole value set with the defaults of id's
// descriptor. Nothing from the previous selection survives, including
// values for parameter names both algorithms share. An unknown id leaves
// the store unchanged.
func (s *Store) SelectAlgorithm(id string) error {
	d, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = d
	s.hasSelected = true
	s.values = d.Defaults()
	return nil
}

// SetParameter updates one value. Values are not clamped; callers bound
// input to the parameter's min and max.
func (s *Store) SetParameter(name string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasSelected {
		if s.strict {
			return domain.Wrap(domain.ErrUnknownAlgorithm, "set parameter", fmt.Errorf("no algorithm selected"))
		}
		return nil
	}
	if _, declared := s.selected.Spec(name); !declared {
		if s.strict {
			return domain.Wrap(domain.ErrUnknownParameter, "set parameter", fmt.Errorf("%s does not declare %q", s.selected.ID, name))
		}
		return nil
	}
	s.values[name] = value
	return nil
}

func (s *Store) Selected() (domain.AlgorithmDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasSelected {
		return domain.AlgorithmDescriptor{}, false
	}
	return s.selected.Clone(), true
}

func (s *Store) Values() domain.ParameterValues {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Clone()
}

// Snapshot reads the algorithm and its values under one lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Parameters: s.values.Clone(),
		Specs:      []domain.ParameterSpec{},
	}
	if s.hasSelected {
		snap.Algorithm = s.selected.ID
		snap.Label = s.selected.Label
		snap.Specs = append(snap.Specs, s.selected.Parameters...)
	}
	return snap
}
