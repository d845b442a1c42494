package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_concurrent")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateProvider()...)
	errors = append(errors, c.validateModels()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateWatcher()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateProvider validates the ProviderConfig
func (c *Config) validateProvider() []ValidationError {
	var errors []ValidationError

	if c.Provider.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "provider.base_url",
			Value:   c.Provider.BaseURL,
			Message: "must not be empty",
		})
	} else if u, err := url.Parse(c.Provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "provider.base_url",
			Value:   c.Provider.BaseURL,
			Message: "must be an absolute URL (e.g., http://localhost:8080)",
		})
	}

	if c.Provider.TimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "provider.timeout_seconds",
			Value:   c.Provider.TimeoutSeconds,
			Message: "must be positive",
		})
	}

	return errors
}

// validateModels validates the ModelsConfig
func (c *Config) validateModels() []ValidationError {
	var errors []ValidationError

	if c.Models.Default == "" {
		errors = append(errors, ValidationError{
			Field:   "models.default",
			Value:   c.Models.Default,
			Message: "must not be empty",
		})
	}

	if c.Models.Fallback == "" {
		errors = append(errors, ValidationError{
			Field:   "models.fallback",
			Value:   c.Models.Fallback,
			Message: "must not be empty",
		})
	}

	tiers := map[string][]string{
		"models.fast":     c.Models.Fast,
		"models.balanced": c.Models.Balanced,
		"models.thorough": c.Models.Thorough,
	}
	for field, models := range tiers {
		if len(models) == 0 {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   models,
				Message: "must list at least one model",
			})
			continue
		}
		for _, model := range models {
			if model == "" {
				errors = append(errors, ValidationError{
					Field:   field,
					Value:   models,
					Message: "must not contain empty model IDs",
				})
				break
			}
		}
	}

	// A restricted Available list that excludes the fallback would leave no
	// escape hatch when quota runs out.
	if len(c.Models.Available) > 0 && c.Models.Fallback != "" {
		if !slices.Contains(c.Models.Available, c.Models.Fallback) {
			errors = append(errors, ValidationError{
				Field:   "models.available",
				Value:   c.Models.Available,
				Message: fmt.Sprintf("must include the fallback model %q", c.Models.Fallback),
			})
		}
	}

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	if c.Scheduler.MaxConcurrent < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_concurrent",
			Value:   c.Scheduler.MaxConcurrent,
			Message: "must be at least 1",
		})
	}

	const maxConcurrentLimit = 64
	if c.Scheduler.MaxConcurrent > maxConcurrentLimit {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_concurrent",
			Value:   c.Scheduler.MaxConcurrent,
			Message: fmt.Sprintf("exceeds maximum of %d", maxConcurrentLimit),
		})
	}

	if c.Scheduler.ConflictStrategy != "" && !IsValidConflictStrategy(c.Scheduler.ConflictStrategy) {
		errors = append(errors, ValidationError{
			Field:   "scheduler.conflict_strategy",
			Value:   c.Scheduler.ConflictStrategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidConflictStrategies(), ", ")),
		})
	}

	if c.Scheduler.MaxConflicts < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_conflicts",
			Value:   c.Scheduler.MaxConflicts,
			Message: "must be at least 1",
		})
	}

	if c.Scheduler.RetentionMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.retention_minutes",
			Value:   c.Scheduler.RetentionMinutes,
			Message: "must be non-negative",
		})
	}

	if c.Scheduler.RingCapacity < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.ring_capacity",
			Value:   c.Scheduler.RingCapacity,
			Message: "must be at least 1",
		})
	}

	const ringCapacityLimit = 100000
	if c.Scheduler.RingCapacity > ringCapacityLimit {
		errors = append(errors, ValidationError{
			Field:   "scheduler.ring_capacity",
			Value:   c.Scheduler.RingCapacity,
			Message: fmt.Sprintf("exceeds maximum of %d", ringCapacityLimit),
		})
	}

	return errors
}

// validateAgent validates the AgentConfig
func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if c.Agent.MaxTurns < 1 {
		errors = append(errors, ValidationError{
			Field:   "agent.max_turns",
			Value:   c.Agent.MaxTurns,
			Message: "must be at least 1",
		})
	}

	if c.Agent.WallClockMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "agent.wall_clock_minutes",
			Value:   c.Agent.WallClockMinutes,
			Message: "must be at least 1",
		})
	}

	if c.Agent.MaxTokens < 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.max_tokens",
			Value:   c.Agent.MaxTokens,
			Message: "must be non-negative (0 means provider default)",
		})
	}

	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "agent.temperature",
			Value:   c.Agent.Temperature,
			Message: "must be between 0 and 2",
		})
	}

	if c.Agent.BashTimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "agent.bash_timeout_seconds",
			Value:   c.Agent.BashTimeoutSeconds,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateWatcher validates the WatcherConfig
func (c *Config) validateWatcher() []ValidationError {
	var errors []ValidationError

	if c.Watcher.DebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "watcher.debounce_ms",
			Value:   c.Watcher.DebounceMs,
			Message: "must be non-negative",
		})
	}

	const debounceLimit = 10000
	if c.Watcher.DebounceMs > debounceLimit {
		errors = append(errors, ValidationError{
			Field:   "watcher.debounce_ms",
			Value:   c.Watcher.DebounceMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", debounceLimit),
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
