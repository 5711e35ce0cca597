package params

import (
	"errors"
	"testing"

	"github.com/dunamismax/visionx/internal/domain"
	"github.com/dunamismax/visionx/internal/registry"
)

func TestSelectAlgorithmSeedsDefaultsForEveryAlgorithm(t *testing.T) {
	reg := registry.Default()
	store := NewStore(reg)

	for _, d := range reg.List() {
		if err := store.SelectAlgorithm(d.ID); err != nil {
			t.Fatalf("select %s: %v", d.ID, err)
		}
		values := store.Values()
		if len(values) != len(d.Parameters) {
			t.Fatalf("%s: expected %d values, got %d (%v)", d.ID, len(d.Parameters), len(values), values)
		}
		for _, spec := range d.Parameters {
			got, ok := values[spec.Name]
			if !ok {
				t.Fatalf("%s: missing value for %s", d.ID, spec.Name)
			}
			if got != spec.Default {
				t.Fatalf("%s: expected %s=%g, got %g", d.ID, spec.Name, spec.Default, got)
			}
		}
	}
}

func TestSwitchingAlgorithmsDropsPreviousValues(t *testing.T) {
	store := NewStore(registry.Default())
	if _, ok := store.Selected(); ok {
		t.Fatal("expected no selection on a new store")
	}

	if err := store.SelectAlgorithm(registry.Canny); err != nil {
		t.Fatalf("select canny: %v", err)
	}
	if err := store.SetParameter("threshold1", 42); err != nil {
		t.Fatalf("set threshold1: %v", err)
	}
	if err := store.SelectAlgorithm(registry.LoG); err != nil {
		t.Fatalf("select log: %v", err)
	}

	if desc, ok := store.Selected(); !ok || desc.ID != registry.LoG {
		t.Fatalf("expected log to be selected, got %+v", desc)
	}
	values := store.Values()
	if _, ok := values["threshold1"]; ok {
		t.Fatal("threshold1 from canny survived the switch to log")
	}
	if _, ok := values["threshold2"]; ok {
		t.Fatal("threshold2 from canny survived the switch to log")
	}
}

func TestSharedParameterNameResetsToNewDefault(t *testing.T) {
	store := NewStore(registry.Default())

	if err := store.SelectAlgorithm(registry.RegionGrowing); err != nil {
		t.Fatalf("select region-growing: %v", err)
	}
	if err := store.SetParameter("min_size", 500); err != nil {
		t.Fatalf("set min_size: %v", err)
	}
	if err := store.SelectAlgorithm(registry.SplitMerge); err != nil {
		t.Fatalf("select split-merge: %v", err)
	}

	if got := store.Values()["min_size"]; got != 4 {
		t.Fatalf("expected min_size reset to split-merge default 4, got %g", got)
	}
}

func TestReselectingSameAlgorithmResetsValues(t *testing.T) {
	store := NewStore(registry.Default())
	_ = store.SelectAlgorithm(registry.Canny)
	_ = store.SetParameter("threshold2", 10)
	_ = store.SelectAlgorithm(registry.Canny)
	if got := store.Values()["threshold2"]; got != 200 {
		t.Fatalf("expected threshold2 back at 200, got %g", got)
	}
}

func TestSetParameterUnknownNameIsNoOpByDefault(t *testing.T) {
	store := NewStore(registry.Default())
	_ = store.SelectAlgorithm(registry.Canny)

	if err := store.SetParameter("sigma", 3); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if _, ok := store.Values()["sigma"]; ok {
		t.Fatal("unknown parameter was stored")
	}
}

func TestSetParameterStrictRejectsUnknownName(t *testing.T) {
	store := NewStore(registry.Default(), WithStrictParameters(true))
	_ = store.SelectAlgorithm(registry.Canny)

	err := store.SetParameter("sigma", 3)
	if !errors.Is(err, domain.ErrUnknownParameter) {
		t.Fatalf("expected ErrUnknownParameter, got %v", err)
	}
}

func TestSetParameterDoesNotClamp(t *testing.T) {
	store := NewStore(registry.Default())
	_ = store.SelectAlgorithm(registry.Canny)
	_ = store.SetParameter("threshold1", 999)
	if got := store.Values()["threshold1"]; got != 999 {
		t.Fatalf("expected unclamped 999, got %g", got)
	}
}

func TestSelectUnknownAlgorithmKeepsState(t *testing.T) {
	store := NewStore(registry.Default())
	_ = store.SelectAlgorithm(registry.Canny)
	_ = store.SetParameter("threshold1", 7)

	err := store.SelectAlgorithm("sobel")
	if !errors.Is(err, domain.ErrUnknownAlgorithm) {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}
	snap := store.Snapshot()
	if snap.Algorithm != registry.Canny || snap.Parameters["threshold1"] != 7 {
		t.Fatalf("state changed after failed select: %+v", snap)
	}
}

func TestAlgorithmWithoutSpecsHasEmptyValues(t *testing.T) {
	store := NewStore(registry.Default())
	if err := store.SelectAlgorithm(registry.ChainCode); err != nil {
		t.Fatalf("select chain: %v", err)
	}
	snap := store.Snapshot()
	if len(snap.Parameters) != 0 || len(snap.Specs) != 0 {
		t.Fatalf("expected empty parameters and specs, got %+v", snap)
	}
	if snap.Parameters == nil {
		t.Fatal("expected non-nil empty parameter map")
	}
}

func TestValuesReturnsCopy(t *testing.T) {
	store := NewStore(registry.Default())
	_ = store.SelectAlgorithm(registry.Canny)
	values := store.Values()
	values["threshold1"] = 1
	if store.Values()["threshold1"] != 100 {
		t.Fatal("mutating returned values changed the store")
	}
}
