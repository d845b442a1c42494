package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset describes a named agent profile loaded from agents.yaml. A preset
// binds an agent type to a routing choice and a prompt so "tandem run
// --agents review:..." needs no per-invocation flags.
type Preset struct {
	// Tier routes through the model table: "fast", "balanced", "thorough"
	Tier string `yaml:"tier"`
	// Model pins an exact model ID, overriding Tier
	Model string `yaml:"model"`
	// SystemPrompt replaces the global agent system prompt for this type
	SystemPrompt string `yaml:"system_prompt"`
	// MaxTurns overrides the global turn ceiling, 0 keeps the default
	MaxTurns int `yaml:"max_turns"`
}

// Presets maps agent type names to their profiles.
type Presets map[string]Preset

// DefaultPresets returns the built-in agent profiles used when no
// agents.yaml is configured.
func DefaultPresets() Presets {
	return Presets{
		"explore": {
			Tier:         "fast",
			SystemPrompt: "You explore and summarize code. Do not modify any files.",
		},
		"implement": {
			Tier:         "balanced",
			SystemPrompt: "You implement the requested change with minimal, focused edits.",
		},
		"review": {
			Tier:         "thorough",
			SystemPrompt: "You review code for correctness and clarity. Do not modify any files.",
		},
	}
}

// LoadPresets reads agent profiles from a YAML file and merges them over
// the built-in defaults. A preset in the file replaces the default of the
// same name entirely.
func LoadPresets(path string) (Presets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading presets: %w", err)
	}

	var loaded Presets
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parsing presets: %w", err)
	}

	presets := DefaultPresets()
	for name, preset := range loaded {
		if name == "" {
			return nil, fmt.Errorf("parsing presets: empty agent type name")
		}
		presets[name] = preset
	}
	return presets, nil
}

// Lookup returns the preset for an agent type, falling back to a zero
// preset when the type has no profile.
func (p Presets) Lookup(agentType string) (Preset, bool) {
	preset, ok := p[agentType]
	return preset, ok
}
