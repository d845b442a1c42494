package cmd

import (
	"fmt"

	"github.com/tandem-dev/tandem/internal/config"
	"github.com/tandem-dev/tandem/internal/logging"
	"github.com/tandem-dev/tandem/internal/router"
)

// newLogger builds the session logger, or a no-op logger when logging is
// disabled in the config.
func newLogger(cfg *config.Config, workspaceDir string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}

	sessionDir := cfg.Paths.ResolveSessionDir(workspaceDir)
	logger, err := logging.NewLogger(sessionDir, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// loadPresets reads the configured agents.yaml, or the built-ins when no
// preset file is configured.
func loadPresets(cfg *config.Config) (config.Presets, error) {
	if cfg.Agent.Presets == "" {
		return config.DefaultPresets(), nil
	}
	presets, err := config.LoadPresets(cfg.Agent.Presets)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent presets: %w", err)
	}
	return presets, nil
}

// tableFromConfig builds the routing table from the configured tier lists.
func tableFromConfig(cfg *config.Config) router.Table {
	return router.Table{
		Models: map[router.Tier][]string{
			router.TierFast:     cfg.Models.Fast,
			router.TierBalanced: cfg.Models.Balanced,
			router.TierThorough: cfg.Models.Thorough,
		},
		Fallback: cfg.Models.Fallback,
	}
}
