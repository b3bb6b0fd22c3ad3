// Package schemasync keeps the checked-in aggregate definitions file in
// lockstep with the quantity registry. The registry in code is the
// source of truth; the YAML file exists so schema changes show up in
// review. CI regenerates the definitions and fails on drift.
package schemasync

import (
	"fmt"
	"os"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/urbansense/sensornet/internal/domain"
)

// Statistics computed for every quantity and bucket.
var Statistics = []string{"mean", "min", "max", "count"}

// QuantitySpec is the externalized description of one quantity's
// aggregate columns.
type QuantitySpec struct {
	Name       string   `yaml:"name"`
	RangeMin   float64  `yaml:"range_min"`
	RangeMax   float64  `yaml:"range_max"`
	Statistics []string `yaml:"statistics"`
}

// Definitions is the full aggregate schema.
type Definitions struct {
	Granularities []string       `yaml:"granularities"`
	Quantities    []QuantitySpec `yaml:"quantities"`
}

// Generate derives the definitions from the quantity registry. The
// output is deterministic: quantities appear in registry order.
func Generate() Definitions {
	defs := Definitions{}
	for _, g := range domain.Granularities {
		defs.Granularities = append(defs.Granularities, string(g))
	}
	for _, q := range domain.QuantityOrder {
		info := domain.Quantities[q]
		defs.Quantities = append(defs.Quantities, QuantitySpec{
			Name:       string(q),
			RangeMin:   info.RangeMin,
			RangeMax:   info.RangeMax,
			Statistics: append([]string(nil), Statistics...),
		})
	}
	return defs
}

// Load reads a definitions file.
func Load(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read definitions: %w", err)
	}
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse definitions %s: %w", path, err)
	}
	return defs, nil
}

// Save writes the definitions file.
func Save(path string, defs Definitions) error {
	data, err := yaml.Marshal(defs)
	if err != nil {
		return fmt.Errorf("marshal definitions: %w", err)
	}
	header := []byte("# Generated from the quantity registry. Do not edit by hand;\n# run schemasync -write after changing internal/domain/quantity.go.\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("write definitions: %w", err)
	}
	return nil
}

// Diff returns a human-readable difference between two definition sets,
// or the empty string when they match. Formatting differences in the
// YAML never count; only the parsed content does.
func Diff(checked, generated Definitions) string {
	return cmp.Diff(checked, generated)
}

// Check loads the definitions at path and diffs them against the
// registry. A non-empty result means the file is stale.
func Check(path string) (string, error) {
	checked, err := Load(path)
	if err != nil {
		return "", err
	}
	return Diff(checked, Generate()), nil
}
