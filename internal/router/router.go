// Package router maps abstract capability tiers (fast, balanced, thorough)
// to concrete provider model IDs, and picks the model an agent should run
// against. It is a pure lookup layer: nothing here performs I/O, so both
// the scheduler and the transport adapters can consult it freely.
package router

import "strings"

// Tier is an abstract capability class mapped to concrete provider models.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierThorough Tier = "thorough"
)

// tierAliases maps informal model-family names to tiers.
var tierAliases = map[string]Tier{
	"fast":     TierFast,
	"balanced": TierBalanced,
	"thorough": TierThorough,
	"haiku":    TierFast,
	"sonnet":   TierBalanced,
	"opus":     TierThorough,
	"mini":     TierFast,
	"pro":      TierThorough,
}

// agentTypeTiers maps agent type substrings to tiers. Checked in order;
// first match wins. Entries later in the list are more generic.
var agentTypeTiers = []struct {
	substr string
	tier   Tier
}{
	{"explore", TierFast},
	{"search", TierFast},
	{"test", TierFast},
	{"bug-hunter", TierThorough},
	{"review", TierThorough},
	{"plan", TierThorough},
	{"architect", TierThorough},
	{"implement", TierBalanced},
	{"refactor", TierBalanced},
}

// Table holds the model IDs for each tier, in preference order, plus the
// quota-exempt fallback model. A zero Table is unusable; use DefaultTable
// or build one from configuration.
type Table struct {
	Models   map[Tier][]string
	Fallback string // unlimited model used when a primary's quota is exhausted
}

// DefaultTable returns the built-in tier table.
// The fallback is a locally hosted model, which is what makes it exempt
// from provider quota accounting.
func DefaultTable() Table {
	return Table{
		Models: map[Tier][]string{
			TierFast:     {"claude-3-5-haiku", "claude-3-haiku"},
			TierBalanced: {"claude-sonnet-4", "claude-3-7-sonnet"},
			TierThorough: {"claude-opus-4", "claude-sonnet-4"},
		},
		Fallback: "qwen-coder-local",
	}
}

// FallbackModel returns the unlimited fallback model ID.
func (t Table) FallbackModel() string {
	return t.Fallback
}

// IsFallback reports whether model is the designated unlimited model.
func (t Table) IsFallback(model string) bool {
	return model != "" && model == t.Fallback
}

// ResolveTier resolves a model-or-tier string to a Tier. It recognizes
// tier names, informal aliases, and literal model IDs (by reverse lookup
// in the tier table). Returns ok=false when nothing matches.
func (t Table) ResolveTier(s string) (Tier, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return "", false
	}

	if tier, ok := tierAliases[name]; ok {
		return tier, true
	}

	// Reverse lookup: a literal model ID maps to the first tier listing it.
	for _, tier := range []Tier{TierFast, TierBalanced, TierThorough} {
		for _, model := range t.Models[tier] {
			if strings.EqualFold(model, name) {
				return tier, true
			}
		}
	}
	return "", false
}

// InferTierFromAgent picks a tier from the agent's type or name by
// substring matching, defaulting to balanced when nothing matches.
func InferTierFromAgent(agentType string) Tier {
	name := strings.ToLower(agentType)
	for _, entry := range agentTypeTiers {
		if strings.Contains(name, entry.substr) {
			return entry.tier
		}
	}
	return TierBalanced
}

// AgentModelConfig is the per-agent model selection input.
type AgentModelConfig struct {
	// Model is an explicit model ID, highest priority when set.
	Model string
	// Tier is an explicit tier or alias, used when Model is empty.
	Tier string
	// Type is the agent type tag, used to infer a tier as a last resort.
	Type string
}

// ResolveAgentModel picks the concrete model for an agent. Priority:
// explicit model ID > explicit tier > tier inferred from agent type >
// the caller-supplied default. When availableModels is non-empty, the
// first tier member present in that list wins; otherwise the tier's
// nominal first choice is returned even if its availability is
// unverified.
func (t Table) ResolveAgentModel(cfg AgentModelConfig, defaultModel string, availableModels []string) string {
	if cfg.Model != "" && !isAuto(cfg.Model) {
		return cfg.Model
	}

	tier, ok := t.ResolveTier(cfg.Tier)
	if !ok {
		if cfg.Type == "" {
			return defaultModel
		}
		tier = InferTierFromAgent(cfg.Type)
	}

	candidates := t.Models[tier]
	if len(candidates) == 0 {
		return defaultModel
	}

	if len(availableModels) > 0 {
		avail := make(map[string]bool, len(availableModels))
		for _, m := range availableModels {
			avail[strings.ToLower(m)] = true
		}
		for _, candidate := range candidates {
			if avail[strings.ToLower(candidate)] {
				return candidate
			}
		}
	}
	return candidates[0]
}

// isAuto reports whether the model string asks the router to choose.
func isAuto(model string) bool {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case "auto", "default", "":
		return true
	}
	return false
}
