package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDefaults reads and validates a Defaults value from a YAML file
// at path.
func LoadDefaults(path string) (Defaults, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("reading config defaults %q: %w", path, err)
	}

	var d Defaults
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Defaults{}, fmt.Errorf("parsing config defaults %q: %w", path, err)
	}

	if err := d.Validate(); err != nil {
		return Defaults{}, err
	}

	return d, nil
}
