package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
)

// LoadFromFile reads a YAML watch policy file and returns a validated Policy.
func LoadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML watch policy.
func Parse(data []byte) (*Policy, error) {
	var pol Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	if err := validate(&pol); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}

	return &pol, nil
}

func validate(pol *Policy) error {
	if pol.Global.Timeout < 0 {
		return fmt.Errorf("global.timeout must not be negative")
	}
	for op := range pol.Operations {
		if op == "" {
			return fmt.Errorf("operations contains an empty key")
		}
	}
	if _, err := pol.OperationSpecs(); err != nil {
		return err
	}
	if _, err := pol.BuildFilters(); err != nil {
		return err
	}
	if _, err := pol.Levels(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(pol.Rates))
	for i, rc := range pol.Rates {
		if rc.Name == "" {
			return fmt.Errorf("rates[%d].name is required", i)
		}
		if seen[rc.Name] {
			return fmt.Errorf("rates[%d]: duplicate name %q", i, rc.Name)
		}
		seen[rc.Name] = true
		if rc.Window <= 0 {
			return fmt.Errorf("rates[%q].window must be positive", rc.Name)
		}
		if rc.Grace < 0 {
			return fmt.Errorf("rates[%q].grace must not be negative", rc.Name)
		}
		if len(rc.Attributes) == 0 {
			return fmt.Errorf("rates[%q].attributes must not be empty", rc.Name)
		}
	}

	if pol.CSV != nil && pol.CSV.File == "" {
		return fmt.Errorf("csv.file is required")
	}

	for col, m := range pol.Masks {
		if col == "" {
			return fmt.Errorf("masks contains an empty key")
		}
		if _, err := domain.ParseMask(string(m)); err != nil {
			return fmt.Errorf("masks[%q]: %w", col, err)
		}
	}
	return nil
}
