package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tandem-dev/tandem/internal/config"
	"github.com/tandem-dev/tandem/internal/router"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agent types and their routing",
	Long: `List the available agent type presets, the tier each routes through,
and the models that tier resolves to.`,
	RunE: runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	presets, err := loadPresets(cfg)
	if err != nil {
		return err
	}
	table := tableFromConfig(cfg)

	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println(styleTitle.Render("Agent types"))
	for _, name := range names {
		preset := presets[name]
		fmt.Printf("%s\n", styleAgent.Render(name))

		switch {
		case preset.Model != "":
			fmt.Printf("  %s %s\n", styleMuted.Render("model:"), preset.Model)
		case preset.Tier != "":
			line := preset.Tier
			if tier, ok := table.ResolveTier(preset.Tier); ok {
				line = fmt.Sprintf("%s %v", preset.Tier, table.Models[tier])
			}
			fmt.Printf("  %s %s\n", styleMuted.Render("tier:"), line)
		default:
			tier := router.InferTierFromAgent(name)
			fmt.Printf("  %s %s (inferred) %v\n", styleMuted.Render("tier:"), tier, table.Models[tier])
		}

		if preset.MaxTurns > 0 {
			fmt.Printf("  %s %d\n", styleMuted.Render("max turns:"), preset.MaxTurns)
		}
		if preset.SystemPrompt != "" {
			fmt.Printf("  %s %s\n", styleMuted.Render("prompt:"), truncate(preset.SystemPrompt, 80))
		}
	}

	fmt.Printf("\n%s %s\n", styleMuted.Render("fallback model:"), table.FallbackModel())
	return nil
}
