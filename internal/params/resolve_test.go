package params

import (
	"errors"
	"testing"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/registry"
)

func TestResolve(t *testing.T) {
	reg := registry.Default()

	got, err := Resolve(reg, "canny", domain.ParameterValues{"threshold2": 180})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got["threshold1"] != 100 || got["threshold2"] != 180 || len(got) != 2 {
		t.Fatalf("unexpected values %v", got)
	}

	if _, err := Resolve(reg, "canny", domain.ParameterValues{"sigma": 1}); !errors.Is(err, domain.ErrUnknownParameter) {
		t.Fatalf("expected ErrUnknownParameter, got %v", err)
	}
	if _, err := Resolve(reg, "sobel", nil); !errors.Is(err, domain.ErrUnknownAlgorithm) {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}

	chain, err := Resolve(reg, "chain", nil)
	if err != nil || chain == nil || len(chain) != 0 {
		t.Fatalf("expected empty non-nil values for chain, got %v err=%v", chain, err)
	}
}
