// Package protocol loads step protocol files and drives them to completion
// through the plugin and the main loop.
package protocol

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mkdryden/dropbot-dx-plugin/internal/step"
)

// Protocol is an ordered list of steps loaded from a YAML file.
type Protocol struct {
	Name  string         `yaml:"name"`
	Steps []step.Options `yaml:"steps"`
}

// Load reads and validates a protocol file.
func Load(path string) (*Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol file: %w", err)
	}

	var p Protocol
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse protocol file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Validate checks protocol correctness. It does not mutate the protocol.
func (p *Protocol) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("protocol has no name")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("protocol %q has no steps", p.Name)
	}

	return nil
}
