package agent

import (
	"context"
	"time"

	"github.com/tandem-dev/tandem/internal/control"
	"github.com/tandem-dev/tandem/internal/errors"
	"github.com/tandem-dev/tandem/internal/event"
	"github.com/tandem-dev/tandem/internal/logging"
	"github.com/tandem-dev/tandem/internal/router"
	"github.com/tandem-dev/tandem/internal/scheduler"
	"github.com/tandem-dev/tandem/internal/stream"
	"github.com/tandem-dev/tandem/internal/tool"
)

// ConflictReporter is the scheduler surface the factory needs: it is
// told about every file modification before it commits, and may block or
// reject it.
type ConflictReporter interface {
	ReportFileModified(ctx context.Context, agentID, path string) error
}

// Factory builds one Loop per scheduler instance, wiring the shared
// transport, controller, and permission gate to each agent. It
// implements scheduler.Runner.
type Factory struct {
	transport stream.Transport
	table     router.Table
	root      string
	ctrl      *control.Controller
	gate      tool.Gate
	bus       *event.Bus
	logger    *logging.Logger
	policy    stream.RetryPolicy
	reporter  ConflictReporter

	systemPrompt string
	temperature  float64
	maxTokens    int
	maxTurns     int
	wallClock    time.Duration
	progress     Progress
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithGate sets the permission gate applied to every agent's tools.
func WithGate(gate tool.Gate) FactoryOption {
	return func(f *Factory) { f.gate = gate }
}

// WithBus publishes per-agent model switch events to the given bus.
func WithBus(bus *event.Bus) FactoryOption {
	return func(f *Factory) { f.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) FactoryOption {
	return func(f *Factory) { f.logger = logger }
}

// WithRetryPolicy sets the streaming retry policy for every agent.
func WithRetryPolicy(policy stream.RetryPolicy) FactoryOption {
	return func(f *Factory) { f.policy = policy }
}

// WithFactorySystemPrompt sets the system prompt given to every agent.
func WithFactorySystemPrompt(prompt string) FactoryOption {
	return func(f *Factory) { f.systemPrompt = prompt }
}

// WithFactoryMaxTurns sets the per-task turn ceiling.
func WithFactoryMaxTurns(n int) FactoryOption {
	return func(f *Factory) { f.maxTurns = n }
}

// WithFactoryWallClock sets the per-task run time ceiling.
func WithFactoryWallClock(d time.Duration) FactoryOption {
	return func(f *Factory) { f.wallClock = d }
}

// WithFactoryProgress sets observer hooks shared by every agent.
func WithFactoryProgress(p Progress) FactoryOption {
	return func(f *Factory) { f.progress = p }
}

// WithFactoryMaxTokens caps completion length per call.
func WithFactoryMaxTokens(n int) FactoryOption {
	return func(f *Factory) { f.maxTokens = n }
}

// NewFactory creates a Factory. root is the workspace directory agents
// operate on; ctrl is the shared execution controller for the run.
func NewFactory(transport stream.Transport, table router.Table, root string, ctrl *control.Controller, opts ...FactoryOption) *Factory {
	f := &Factory{
		transport: transport,
		table:     table,
		root:      root,
		ctrl:      ctrl,
		gate:      tool.AllowAll(),
		logger:    logging.NopLogger(),
		policy:    stream.DefaultRetryPolicy(),
		maxTurns:  DefaultMaxTurns,
		wallClock: DefaultWallClock,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Bind attaches the conflict reporter. The scheduler is constructed with
// the factory as its runner, so this link is established afterwards.
func (f *Factory) Bind(reporter ConflictReporter) {
	f.reporter = reporter
}

// Run implements scheduler.Runner: it assembles a machine, executor, and
// loop for the instance and executes its task.
func (f *Factory) Run(ctx context.Context, inst *scheduler.Instance) (string, error) {
	if f.reporter == nil {
		return "", errors.NewAgentError("factory not bound to a scheduler", nil)
	}

	logger := f.logger.WithAgent(inst.ID())

	executor := tool.NewExecutor(f.root, f.ctrl,
		tool.WithGate(f.gate),
		tool.WithLogger(logger),
		tool.WithAgentID(inst.ID()),
		// The executor hands over its per-call context, which carries the
		// wall-clock deadline, so a serialize wait inside the report ends
		// when the turn's time is up.
		tool.WithModifiedFunc(func(callCtx context.Context, path string) error {
			return f.reporter.ReportFileModified(callCtx, inst.ID(), path)
		}),
	)

	machine := stream.NewMachine(f.transport, f.table,
		stream.WithLogger(logger),
		stream.WithRetryPolicy(f.policy),
	)

	progress := f.progress
	parentSwitch := progress.OnModelSwitch
	progress.OnModelSwitch = func(sw stream.ModelSwitch) {
		inst.SetModel(sw.To)
		if f.bus != nil {
			f.bus.Publish(event.NewModelSwitchedEvent(inst.ID(), sw.From, sw.To, sw.Reason))
		}
		if parentSwitch != nil {
			parentSwitch(sw)
		}
	}

	loop := NewLoop(machine, executor,
		WithModel(inst.Model()),
		WithSystemPrompt(f.systemPrompt),
		WithTemperature(f.temperature),
		WithMaxTokens(f.maxTokens),
		WithMaxTurns(f.maxTurns),
		WithWallClock(f.wallClock),
		WithProgress(progress),
		WithMessageSink(inst.AppendMessage),
		WithLoopLogger(logger),
	)
	return loop.Run(ctx, inst.Task())
}
