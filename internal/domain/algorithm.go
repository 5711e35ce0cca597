package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultStep is the slider increment used when a ParameterSpec omits one.
const DefaultStep = 1.0

type ParameterSpec struct {
	Name    string  `json:"name"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
	Step    float64 `json:"step"`
}

type AlgorithmDescriptor struct {
	ID         string          `json:"id"`
	Label      string          `json:"label"`
	Parameters []ParameterSpec `json:"parameters"`
}

// ParameterValues maps a parameter name to its current numeric value.
type ParameterValues map[string]float64

func (p ParameterSpec) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("parameter name is required")
	}
	if p.Min > p.Max {
		return fmt.Errorf("parameter %s: min %g exceeds max %g", p.Name, p.Min, p.Max)
	}
	if p.Default < p.Min || p.Default > p.Max {
		return fmt.Errorf("parameter %s: default %g outside [%g, %g]", p.Name, p.Default, p.Min, p.Max)
	}
	if p.Step <= 0 {
		return fmt.Errorf("parameter %s: step must be positive", p.Name)
	}
	return nil
}

func (d AlgorithmDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("algorithm id is required")
	}
	if strings.TrimSpace(d.Label) == "" {
		return fmt.Errorf("algorithm %s: label is required", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Parameters))
	for i, spec := range d.Parameters {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("algorithm %s: parameters[%d]: %w", d.ID, i, err)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("algorithm %s: duplicate parameter %s", d.ID, spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}

func (d AlgorithmDescriptor) Spec(name string) (ParameterSpec, bool) {
	for _, spec := range d.Parameters {
		if spec.Name == name {
			return spec, true
		}
	}
	return ParameterSpec{}, false
}

// Defaults builds a fresh value set holding every declared parameter at its default.
func (d AlgorithmDescriptor) Defaults() ParameterValues {
	values := make(ParameterValues, len(d.Parameters))
	for _, spec := range d.Parameters {
		values[spec.Name] = spec.Default
	}
	return values
}

func (d AlgorithmDescriptor) Clone() AlgorithmDescriptor {
	out := d
	out.Parameters = append([]ParameterSpec(nil), d.Parameters...)
	return out
}

// Clone never returns nil so an empty set serializes as {}.
func (v ParameterValues) Clone() ParameterValues {
	out := make(ParameterValues, len(v))
	for name, value := range v {
		out[name] = value
	}
	return out
}
