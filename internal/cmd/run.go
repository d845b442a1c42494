package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tandem-dev/tandem/internal/agent"
	"github.com/tandem-dev/tandem/internal/config"
	"github.com/tandem-dev/tandem/internal/conflict"
	"github.com/tandem-dev/tandem/internal/control"
	"github.com/tandem-dev/tandem/internal/event"
	"github.com/tandem-dev/tandem/internal/logging"
	"github.com/tandem-dev/tandem/internal/scheduler"
	"github.com/tandem-dev/tandem/internal/stream"
	"github.com/tandem-dev/tandem/internal/tool"
	"github.com/tandem-dev/tandem/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run one agent, or a batch, against the workspace",
	Long: `Run a coding agent on a task. With --agents, runs a batch of agents
instead, each entry formatted as "type:task".

Examples:
  tandem run "add a --verbose flag to the CLI"
  tandem run --type review "audit the error handling in internal/transport"
  tandem run --agents "implement:add retries" --agents "review:check the retries" --mode sequential

Press Ctrl+C once to abort the run and roll back file changes made by
agent tool calls.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var (
	runType         string
	runModel        string
	runTier         string
	runDir          string
	runAgentEntries []string
	runMode         string
	runStrategy     string
	runAbortOnError bool
	runQuiet        bool
	runShowEvents   bool
)

func init() {
	runCmd.Flags().StringVar(&runType, "type", "implement", "agent type (selects preset and routing tier)")
	runCmd.Flags().StringVar(&runModel, "model", "", "pin an exact model ID, overriding tier routing")
	runCmd.Flags().StringVar(&runTier, "tier", "", "routing tier: fast, balanced, thorough")
	runCmd.Flags().StringVarP(&runDir, "dir", "d", "", "workspace root (default is the current directory)")
	runCmd.Flags().StringArrayVar(&runAgentEntries, "agents", nil, `batch entries as "type:task" (repeatable)`)
	runCmd.Flags().StringVar(&runMode, "mode", "adaptive", "batch mode: sequential, parallel, adaptive")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "conflict strategy override: serialize, abort-newer, merge-results, isolated")
	runCmd.Flags().BoolVar(&runAbortOnError, "abort-on-error", false, "stop a batch at the first failed agent")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "suppress streamed agent output")
	runCmd.Flags().BoolVar(&runShowEvents, "events", false, "print the event log after the run")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && len(runAgentEntries) == 0 {
		return fmt.Errorf("provide a task argument or at least one --agents entry")
	}
	if len(args) > 0 && len(runAgentEntries) > 0 {
		return fmt.Errorf("a task argument and --agents are mutually exclusive")
	}

	if runStrategy != "" && !scheduler.ConflictStrategy(runStrategy).Valid() {
		return fmt.Errorf("unknown strategy %q, want one of: %s",
			runStrategy, strings.Join(config.ValidConflictStrategies(), ", "))
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if runTier != "" {
		if _, ok := tableFromConfig(cfg).ResolveTier(runTier); !ok {
			return fmt.Errorf("unknown tier %q, want fast, balanced, or thorough", runTier)
		}
	}

	dir := runDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
	}

	logger, err := newLogger(cfg, dir)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	presets, err := loadPresets(cfg)
	if err != nil {
		return err
	}

	env := newRunEnv(cfg, dir, logger, presets)
	defer env.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		// Abort drains the rollback stack; in-flight tool calls see the
		// aborted controller and stop.
		env.printf("\n%s aborting and rolling back\n", styleWarning.Render("interrupt:"))
		env.ctrl.Abort(true)
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(runAgentEntries) > 0 {
		err = env.runBatch(ctx, runAgentEntries)
	} else {
		err = env.runSingle(ctx, args[0])
	}
	if runShowEvents {
		env.printEvents()
	}
	return err
}

// runEnv holds the wired components for one invocation.
type runEnv struct {
	cfg     *config.Config
	dir     string
	logger  *logging.Logger
	presets config.Presets

	bus     *event.Bus
	ring    *event.Ring
	ctrl    *control.Controller
	factory *agent.Factory
	sched   *scheduler.Scheduler
	watcher *conflict.Watcher

	outMu sync.Mutex
}

func newRunEnv(cfg *config.Config, dir string, logger *logging.Logger, presets config.Presets) *runEnv {
	env := &runEnv{
		cfg:     cfg,
		dir:     dir,
		logger:  logger,
		presets: presets,
		bus:     event.NewBus(),
		ring:    event.NewRing(cfg.Scheduler.RingCapacity),
	}
	env.bus.SubscribeAll(func(e event.Event) { env.ring.Append(e) })

	env.ctrl = control.NewController(
		control.WithLogger(logger),
		control.WithBus(env.bus),
		control.WithCallbacks(control.Callbacks{
			OnRollback: func(action control.RollbackAction, err error) {
				if err != nil {
					env.printf("%s %s\n", styleError.Render("rollback failed:"), action.PreImage.FilePath)
				}
			},
			OnRollbackDone: func(applied, failed int) {
				if applied > 0 || failed > 0 {
					env.printf("%s applied %d, failed %d\n", styleWarning.Render("rollback:"), applied, failed)
				}
			},
		}),
	)

	client := transport.NewClient(cfg.Provider.BaseURL,
		transport.WithAPIKey(cfg.Provider.APIKey()),
		transport.WithLogger(logger),
	)

	table := tableFromConfig(cfg)

	factoryOpts := []agent.FactoryOption{
		agent.WithBus(env.bus),
		agent.WithLogger(logger),
		agent.WithGate(tool.AllowAll()),
		agent.WithFactorySystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithFactoryMaxTurns(cfg.Agent.MaxTurns),
		agent.WithFactoryWallClock(cfg.Agent.WallClock()),
		agent.WithFactoryMaxTokens(cfg.Agent.MaxTokens),
		agent.WithFactoryProgress(env.progress()),
	}
	env.factory = agent.NewFactory(client, table, dir, env.ctrl, factoryOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent),
		scheduler.WithMaxConflicts(cfg.Scheduler.MaxConflicts),
		scheduler.WithRetention(cfg.Scheduler.Retention()),
		// Events reach the ring through the SubscribeAll relay, so the
		// scheduler publishes to the bus only.
		scheduler.WithBus(env.bus),
		scheduler.WithLogger(logger),
		scheduler.WithTable(table),
		scheduler.WithDefaultModel(cfg.Models.Default),
		scheduler.WithAvailableModels(cfg.Models.Available),
		// abort-newer reverts the cancelled agent's file changes without
		// touching the other agents' rollback entries.
		scheduler.WithCancelRollback(env.ctrl.RollbackAgent),
	}
	if strategy := scheduler.ConflictStrategy(cfg.Scheduler.ConflictStrategy); strategy.Valid() {
		schedOpts = append(schedOpts, scheduler.WithStrategy(strategy))
	}
	env.sched = scheduler.New(env.factory, schedOpts...)
	env.factory.Bind(env.sched)

	if cfg.Watcher.Enabled {
		w, err := conflict.New(dir,
			conflict.WithLogger(logger),
			conflict.WithDebounce(cfg.Watcher.Debounce()),
			conflict.WithIgnoreNames(cfg.Watcher.Ignore),
			conflict.WithChangeFunc(func(c conflict.Change) {
				if busy, agents := env.sched.IsFileBeingModified(c.Path); busy {
					env.printf("%s %s edited externally while agents %v are modifying it\n",
						styleWarning.Render("warning:"), c.Path, agents)
				}
			}),
		)
		if err != nil {
			logger.Warn("watcher disabled", "error", err)
		} else {
			env.watcher = w
			w.Start()
		}
	}

	return env
}

func (env *runEnv) close() {
	if env.watcher != nil {
		env.watcher.Stop()
	}
	env.sched.Close()
}

func (env *runEnv) printf(format string, args ...any) {
	env.outMu.Lock()
	defer env.outMu.Unlock()
	fmt.Printf(format, args...)
}

func (env *runEnv) progress() agent.Progress {
	return agent.Progress{
		OnContent: func(chunk string) {
			if !runQuiet {
				env.outMu.Lock()
				fmt.Print(chunk)
				env.outMu.Unlock()
			}
		},
		OnToolCall: func(c tool.Call) {
			env.printf("\n%s %s %s\n", styleMuted.Render("tool:"), c.Name, styleMuted.Render(truncate(string(c.Arguments), 100)))
		},
		OnModelSwitch: func(sw stream.ModelSwitch) {
			env.printf("%s %s -> %s (%s)\n", styleWarning.Render("model switch:"), sw.From, sw.To, sw.Reason)
		},
	}
}

func (env *runEnv) runSingle(ctx context.Context, task string) error {
	spec := scheduler.Spec{
		Type:     runType,
		Task:     task,
		Model:    runModel,
		Tier:     runTier,
		Strategy: scheduler.ConflictStrategy(runStrategy),
	}
	if preset, ok := env.presets.Lookup(runType); ok {
		applyPreset(&spec, preset)
	}

	inst, err := env.sched.Spawn(ctx, spec)
	if err != nil {
		return err
	}
	env.printf("%s %s %s\n", styleBadge.Render(inst.Type()), styleMuted.Render(inst.ID()), styleMuted.Render(inst.Model()))

	if err := inst.Wait(ctx); err != nil {
		return err
	}
	fmt.Println()
	env.printInstance(inst)
	if inst.Err() != nil {
		return inst.Err()
	}
	return nil
}

func (env *runEnv) runBatch(ctx context.Context, entries []string) error {
	specs, err := parseAgentEntries(entries, env.presets)
	if err != nil {
		return err
	}

	req := scheduler.BatchRequest{
		Agents:            specs,
		Mode:              scheduler.Mode(runMode),
		Strategy:          scheduler.ConflictStrategy(runStrategy),
		AbortOnFirstError: runAbortOnError,
	}

	result, err := env.sched.RunBatch(ctx, req)
	if result != nil {
		fmt.Println()
		fmt.Println(styleTitle.Render(fmt.Sprintf("Batch finished (%s mode)", result.Mode)))
		for _, inst := range result.Instances {
			env.printInstance(inst)
		}
		if len(result.Conflicts) > 0 {
			fmt.Println(styleWarning.Render(fmt.Sprintf("%d file conflicts detected:", len(result.Conflicts))))
			for _, c := range result.Conflicts {
				env.printConflict(c)
			}
		}
	}
	return err
}

func (env *runEnv) printInstance(inst *scheduler.Instance) {
	status := string(inst.Status())
	fmt.Printf("%s %s %s\n", styleAgent.Render(inst.Type()), statusStyle(status).Render(status), styleMuted.Render(inst.Model()))
	if result := inst.Result(); result != "" {
		fmt.Printf("  %s\n", strings.ReplaceAll(strings.TrimSpace(result), "\n", "\n  "))
	}
	if err := inst.Err(); err != nil {
		fmt.Printf("  %s %v\n", styleError.Render("error:"), err)
	}
	if files := inst.ModifiedFiles(); len(files) > 0 {
		fmt.Printf("  %s %s\n", styleMuted.Render("modified:"), strings.Join(files, ", "))
	}
}

func (env *runEnv) printEvents() {
	events := env.ring.Snapshot()
	if len(events) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(styleTitle.Render("Events"))
	for _, e := range events {
		fmt.Printf("  %s %s\n", styleMuted.Render(e.Timestamp().Format("15:04:05.000")), e.EventType())
	}
}

func (env *runEnv) printConflict(c scheduler.FileConflict) {
	state := styleWarning.Render("unresolved")
	if c.Resolved {
		state = styleSuccess.Render("resolved")
		if c.Winner != "" {
			state += styleMuted.Render(" winner=" + c.Winner)
		}
	}
	fmt.Printf("  %s agents=%v strategy=%s %s\n", c.FilePath, c.AgentIDs, c.Strategy, state)
}

// parseAgentEntries turns "type:task" strings into specs, applying presets.
func parseAgentEntries(entries []string, presets config.Presets) ([]scheduler.Spec, error) {
	specs := make([]scheduler.Spec, 0, len(entries))
	for _, entry := range entries {
		agentType, task, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(agentType) == "" || strings.TrimSpace(task) == "" {
			return nil, fmt.Errorf("invalid --agents entry %q, want \"type:task\"", entry)
		}
		spec := scheduler.Spec{
			Type: strings.TrimSpace(agentType),
			Task: strings.TrimSpace(task),
		}
		if preset, ok := presets.Lookup(spec.Type); ok {
			applyPreset(&spec, preset)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// applyPreset fills routing fields the invocation left unset.
func applyPreset(spec *scheduler.Spec, preset config.Preset) {
	if spec.Model == "" && preset.Model != "" {
		spec.Model = preset.Model
	}
	if spec.Tier == "" && preset.Tier != "" {
		spec.Tier = preset.Tier
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
