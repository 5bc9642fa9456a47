package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML policy table from path.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy table.
func Parse(data []byte) (*Table, error) {
	t := NewTable()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	if t.Tools == nil {
		t.Tools = make(map[string]GuardrailPolicy)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	return t, nil
}

// Validate rejects rate limits that cannot be enforced.
func (t *Table) Validate() error {
	check := func(name string, p GuardrailPolicy) error {
		if p.RateLimit == nil {
			return nil
		}
		if p.RateLimit.MaxCalls < 0 || p.RateLimit.WindowSeconds < 0 {
			return fmt.Errorf("policy %s: negative rate limit", name)
		}
		if p.RateLimit.MaxCalls > 0 && p.RateLimit.WindowSeconds == 0 {
			return fmt.Errorf("policy %s: rate limit needs window_seconds", name)
		}
		return nil
	}
	if err := check("default", t.Default); err != nil {
		return err
	}
	for name, p := range t.Tools {
		if err := check(name, p); err != nil {
			return err
		}
	}
	return nil
}
