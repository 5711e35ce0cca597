// Package registry holds the static catalog of selectable algorithms.
package registry

import (
	"fmt"

	"github.com/dunamismax/visionx/internal/domain"
)

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	order []string
	byID  map[string]domain.AlgorithmDescriptor
}

// New validates descriptors and keeps them in the given order. A missing
// Step is filled in with domain.DefaultStep before validation.
func New(descriptors ...domain.AlgorithmDescriptor) (*Registry, error) {
	r := &Registry{
		order: make([]string, 0, len(descriptors)),
		byID:  make(map[string]domain.AlgorithmDescriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		d = d.Clone()
		for i := range d.Parameters {
			if d.Parameters[i].Step == 0 {
				d.Parameters[i].Step = domain.DefaultStep
			}
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate algorithm id: %s", d.ID)
		}
		r.order = append(r.order, d.ID)
		r.byID[d.ID] = d
	}
	return r, nil
}

func MustNew(descriptors ...domain.AlgorithmDescriptor) *Registry {
	r, err := New(descriptors...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) List() []domain.AlgorithmDescriptor {
	out := make([]domain.AlgorithmDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

func (r *Registry) Get(id string) (domain.AlgorithmDescriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return domain.AlgorithmDescriptor{}, domain.Wrap(domain.ErrUnknownAlgorithm, "get descriptor", fmt.Errorf("id %q", id))
	}
	return d.Clone(), nil
}

func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// ParameterSpecs returns the declared tunables for id. Algorithms without
// local specs, including ids the catalog does not know, yield an empty
// slice: the service applies its own defaults for them.
func (r *Registry) ParameterSpecs(id string) []domain.ParameterSpec {
	d, ok := r.byID[id]
	if !ok {
		return []domain.ParameterSpec{}
	}
	return append([]domain.ParameterSpec{}, d.Parameters...)
}
