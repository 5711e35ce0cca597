package params

import (
	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/registry"
)

// Resolve returns the defaults of algorithmID with overrides applied. It
// runs a strict store, so an unknown algorithm or parameter name fails.
func Resolve(reg *registry.Registry, algorithmID string, overrides domain.ParameterValues) (domain.ParameterValues, error) {
	s := NewStore(reg, WithStrictParameters(true))
	if err := s.SelectAlgorithm(algorithmID); err != nil {
		return nil, err
	}
	for name, value := range overrides {
		if err := s.SetParameter(name, value); err != nil {
			return nil, err
		}
	}
	return s.Values(), nil
}
