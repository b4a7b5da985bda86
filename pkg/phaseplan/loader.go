package phaseplan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a phase plan from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for
// JSON. If the extension is unrecognized, YAML is attempted first, then JSON.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("phase plan file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read phase plan: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a phase plan from raw bytes. The path
// parameter is used for error messages and format detection.
func LoadFromBytes(data []byte, path string) (*Plan, error) {
	if len(data) == 0 {
		return nil, errors.New("phase plan file is empty")
	}

	var plan Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("parse YAML phase plan: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("parse JSON phase plan: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &plan); err != nil {
			if jerr := json.Unmarshal(data, &plan); jerr != nil {
				return nil, fmt.Errorf("parse phase plan: %w", err)
			}
		}
	}

	if err := plan.validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Plan) validate() error {
	if p.Version != "" && p.Version != "1.0" {
		return fmt.Errorf("unsupported phase plan version %q", p.Version)
	}
	if len(p.Sequences) == 0 {
		return errors.New("phase plan defines no sequences")
	}
	for mode, seq := range p.Sequences {
		if mode == "" {
			return errors.New("phase plan has an unnamed mode")
		}
		if len(seq) == 0 {
			return fmt.Errorf("mode %q has an empty sequence", mode)
		}
		seen := make(map[string]bool, len(seq))
		for _, label := range seq {
			if label == "" {
				return fmt.Errorf("mode %q has an empty phase label", mode)
			}
			if seen[label] {
				return fmt.Errorf("mode %q repeats phase %q", mode, label)
			}
			seen[label] = true
		}
	}
	return nil
}
