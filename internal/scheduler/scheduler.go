// Package scheduler manages concurrent agent instances: admission against
// a concurrency ceiling, FIFO queueing, file-conflict detection between
// active agents, and retention of finished results for late retrieval.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/tandem-dev/tandem/internal/errors"
	"github.com/tandem-dev/tandem/internal/event"
	"github.com/tandem-dev/tandem/internal/logging"
	"github.com/tandem-dev/tandem/internal/router"
)

const (
	// DefaultMaxConcurrent is the default agent concurrency ceiling.
	DefaultMaxConcurrent = 3
	// DefaultRetention is how long finished instances stay queryable.
	DefaultRetention = 5 * time.Minute
	// DefaultMaxConflicts aborts a run once this many file conflicts have
	// been detected.
	DefaultMaxConflicts = 10
)

// Runner executes one agent turn loop. The scheduler calls it on its own
// goroutine and translates the return into a terminal status.
type Runner interface {
	Run(ctx context.Context, inst *Instance) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, inst *Instance) (string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, inst *Instance) (string, error) {
	return f(ctx, inst)
}

// ConflictStrategy selects how overlapping file modifications between
// concurrently running agents are handled.
type ConflictStrategy string

const (
	// StrategySerialize blocks the later agent until the earlier one
	// finishes.
	StrategySerialize ConflictStrategy = "serialize"
	// StrategyAbortNewer cancels the agent that touched the file second.
	StrategyAbortNewer ConflictStrategy = "abort-newer"
	// StrategyMergeResults lets both proceed and records the conflict for
	// the caller to reconcile from the batch result.
	StrategyMergeResults ConflictStrategy = "merge-results"
	// StrategyIsolated assumes agents work in isolated checkouts, so
	// overlap is recorded but harmless.
	StrategyIsolated ConflictStrategy = "isolated"
)

// Valid reports whether s names a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategySerialize, StrategyAbortNewer, StrategyMergeResults, StrategyIsolated:
		return true
	default:
		return false
	}
}

// FileConflict is the audit record of one detected overlap.
type FileConflict struct {
	ID         string
	FilePath   string
	AgentIDs   []string
	Strategy   ConflictStrategy
	DetectedAt time.Time
	Resolved   bool
	Winner     string
	ResolvedAt time.Time
}

// Scheduler admits, runs, and tracks agent instances.
type Scheduler struct {
	mu sync.Mutex

	runner          Runner
	table           router.Table
	defaultModel    string
	availableModels []string
	strategy        ConflictStrategy
	maxConcurrent   int
	maxConflicts    int
	retention       time.Duration

	bus    *event.Bus
	ring   *event.Ring
	logger *logging.Logger
	// cancelRollback, when set, reverts the file mutations of one agent
	// cancelled by the abort-newer strategy.
	cancelRollback func(agentID string)

	instances map[string]*Instance
	expired   map[string]struct{}
	contexts  map[string]context.CancelFunc
	queue     []*queuedStart
	running   int
	conflicts []FileConflict
	// fileOwners maps a path to the active agents that modified it, in
	// first-touch order.
	fileOwners map[string][]string
	timers     []*time.Timer
	closed     bool
	// slotFreed wakes adaptive batches holding their next spawn for a
	// free concurrency slot.
	slotFreed chan struct{}

	wg conc.WaitGroup
}

type queuedStart struct {
	ctx  context.Context
	inst *Instance
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxConcurrent sets the concurrency ceiling.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithRetention sets how long finished instances remain queryable.
func WithRetention(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithMaxConflicts sets the conflict ceiling before the run is aborted.
func WithMaxConflicts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConflicts = n
		}
	}
}

// WithStrategy sets the default conflict strategy.
func WithStrategy(strategy ConflictStrategy) Option {
	return func(s *Scheduler) {
		if strategy.Valid() {
			s.strategy = strategy
		}
	}
}

// WithCancelRollback registers the hook invoked with the agent ID when
// the abort-newer strategy cancels an agent, so its recorded file
// mutations can be reverted.
func WithCancelRollback(fn func(agentID string)) Option {
	return func(s *Scheduler) { s.cancelRollback = fn }
}

// WithBus attaches an event bus.
func WithBus(bus *event.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithRing attaches a bounded event history ring.
func WithRing(ring *event.Ring) Option {
	return func(s *Scheduler) { s.ring = ring }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithTable sets the model routing table.
func WithTable(table router.Table) Option {
	return func(s *Scheduler) { s.table = table }
}

// WithDefaultModel sets the model used when routing resolves nothing.
func WithDefaultModel(model string) Option {
	return func(s *Scheduler) { s.defaultModel = model }
}

// WithAvailableModels restricts routing to the given model IDs.
func WithAvailableModels(models []string) Option {
	return func(s *Scheduler) { s.availableModels = models }
}

// New creates a Scheduler that executes agents with runner.
func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:        runner,
		table:         router.DefaultTable(),
		strategy:      StrategySerialize,
		maxConcurrent: DefaultMaxConcurrent,
		maxConflicts:  DefaultMaxConflicts,
		retention:     DefaultRetention,
		logger:        logging.NopLogger(),
		instances:     make(map[string]*Instance),
		expired:       make(map[string]struct{}),
		contexts:      make(map[string]context.CancelFunc),
		fileOwners:    make(map[string][]string),
		slotFreed:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// publish fans an event out to the bus and the bounded history ring.
func (s *Scheduler) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
	if s.ring != nil {
		s.ring.Append(e)
	}
}

// Spawn admits a new agent. The agent starts immediately when a
// concurrency slot is free, otherwise it queues FIFO. Spawn returns the
// instance without waiting for it to run.
func (s *Scheduler) Spawn(ctx context.Context, spec Spec) (*Instance, error) {
	if spec.Task == "" {
		return nil, errors.NewAgentError("spawn: empty task", errors.ErrInvalidInput)
	}

	model := s.table.ResolveAgentModel(router.AgentModelConfig{
		Model: spec.Model,
		Tier:  spec.Tier,
		Type:  spec.Type,
	}, s.defaultModel, s.availableModels)
	inst := newInstance(spec, model)
	inst.strategy = s.strategy
	if spec.Strategy.Valid() {
		inst.strategy = spec.Strategy
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, errors.NewAgentError("spawn: scheduler closed", nil)
	}
	s.instances[inst.id] = inst
	s.contexts[inst.id] = cancel

	if s.running < s.maxConcurrent {
		s.running++
		s.startLocked(runCtx, inst)
		s.mu.Unlock()
		return inst, nil
	}

	s.queue = append(s.queue, &queuedStart{ctx: runCtx, inst: inst})
	position := len(s.queue)
	s.mu.Unlock()

	s.logger.Info("agent queued",
		"agent_id", inst.id,
		"agent_type", spec.Type,
		"position", position)
	s.publish(event.NewAgentQueuedEvent(inst.id, spec.Type, position))
	return inst, nil
}

// startLocked launches the run goroutine. Caller holds s.mu and has
// already charged a concurrency slot.
func (s *Scheduler) startLocked(ctx context.Context, inst *Instance) {
	s.wg.Go(func() {
		s.runInstance(ctx, inst)
	})
}

func (s *Scheduler) runInstance(ctx context.Context, inst *Instance) {
	defer s.release(inst)

	if !inst.markRunning() {
		return
	}
	s.logger.Info("agent started",
		"agent_id", inst.id,
		"agent_type", inst.spec.Type,
		"model", inst.Model())
	s.publish(event.NewAgentStartedEvent(inst.id, inst.spec.Type, inst.Model(), inst.spec.Task))

	result, err := s.runner.Run(ctx, inst)

	switch {
	case err == nil:
		inst.finish(StatusCompleted, result, nil)
	case errors.Is(err, context.Canceled) || errors.Is(err, errors.ErrExecutionAborted):
		inst.finish(StatusCancelled, "", err)
	default:
		inst.finish(StatusError, "", err)
	}

	snap := inst.Snapshot()
	reason := ""
	if snap.Err != nil {
		reason = snap.Err.Error()
	}
	s.logger.Info("agent stopped",
		"agent_id", inst.id,
		"status", string(snap.Status),
		"reason", reason)
	s.publish(event.NewAgentStoppedEvent(inst.id, string(snap.Status), reason))
}

// release frees the instance's concurrency slot, clears its file
// ownership, starts the next queued agent, and schedules retention
// expiry.
func (s *Scheduler) release(inst *Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.contexts[inst.id]; ok {
		cancel()
		delete(s.contexts, inst.id)
	}
	s.releaseFilesLocked(inst.id)

	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.startLocked(next.ctx, next.inst)
	} else {
		s.running--
	}
	select {
	case s.slotFreed <- struct{}{}:
	default:
	}

	if s.closed {
		return
	}
	timer := time.AfterFunc(s.retention, func() { s.expire(inst.id) })
	s.timers = append(s.timers, timer)
}

func (s *Scheduler) releaseFilesLocked(agentID string) {
	for path, owners := range s.fileOwners {
		kept := owners[:0]
		for _, id := range owners {
			if id != agentID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.fileOwners, path)
		} else {
			s.fileOwners[path] = kept
		}
	}
}

// expire drops a finished instance after the retention window.
func (s *Scheduler) expire(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[agentID]
	if !ok || !inst.Status().Terminal() {
		return
	}
	delete(s.instances, agentID)
	s.expired[agentID] = struct{}{}
}

// Get returns an instance by ID. Finished instances stay available for
// the retention window; afterwards Get reports ErrResultExpired.
func (s *Scheduler) Get(agentID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[agentID]; ok {
		return inst, nil
	}
	if _, ok := s.expired[agentID]; ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, errors.ErrResultExpired)
	}
	return nil, fmt.Errorf("agent %s: %w", agentID, errors.ErrAgentNotFound)
}

// Cancel aborts a running or queued agent.
func (s *Scheduler) Cancel(agentID string) error {
	s.mu.Lock()
	cancel, ok := s.contexts[agentID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, errors.ErrAgentNotFound)
	}
	cancel()
	return nil
}

// ActiveInstances returns all instances not yet terminal.
func (s *Scheduler) ActiveInstances() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*Instance
	for _, inst := range s.instances {
		if !inst.Status().Terminal() {
			active = append(active, inst)
		}
	}
	return active
}

// Conflicts returns a copy of all recorded conflicts.
func (s *Scheduler) Conflicts() []FileConflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FileConflict(nil), s.conflicts...)
}

// UnresolvedConflicts returns the conflicts still awaiting reconciliation.
func (s *Scheduler) UnresolvedConflicts() []FileConflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []FileConflict
	for _, c := range s.conflicts {
		if !c.Resolved {
			open = append(open, c)
		}
	}
	return open
}

// IsFileBeingModified reports whether any active agent has modified path,
// and by whom.
func (s *Scheduler) IsFileBeingModified(path string) (bool, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := s.fileOwners[path]
	if len(owners) == 0 {
		return false, nil
	}
	return true, append([]string(nil), owners...)
}

// ReportFileModified records that agentID modified path and applies the
// conflict strategy if another active agent already owns the file. It is
// called synchronously from the reporting agent's own goroutine, so the
// serialize strategy may block. The returned error, when non-nil, must
// terminate the reporting agent's turn.
func (s *Scheduler) ReportFileModified(ctx context.Context, agentID, path string) error {
	s.mu.Lock()
	inst, ok := s.instances[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, errors.ErrAgentNotFound)
	}

	owners := s.fileOwners[path]
	owned := false
	for _, id := range owners {
		if id == agentID {
			owned = true
			break
		}
	}
	if !owned {
		s.fileOwners[path] = append(owners, agentID)
	}
	inst.recordModifiedFile(path)

	if owned || len(owners) == 0 {
		s.mu.Unlock()
		return nil
	}

	// Another active agent touched this file first.
	ownerID := owners[0]
	owner := s.instances[ownerID]
	conflict := FileConflict{
		ID:         uuid.NewString(),
		FilePath:   path,
		AgentIDs:   append(append([]string(nil), owners...), agentID),
		DetectedAt: time.Now(),
	}
	strategy := inst.strategy
	conflict.Strategy = strategy
	s.conflicts = append(s.conflicts, conflict)
	index := len(s.conflicts) - 1
	tooMany := len(s.conflicts) > s.maxConflicts
	s.mu.Unlock()

	s.logger.Warn("file conflict detected",
		"path", path,
		"owner", ownerID,
		"agent_id", agentID,
		"strategy", string(strategy))
	s.publish(event.NewConflictDetectedEvent(path, conflict.AgentIDs))

	if tooMany {
		s.abortAll()
		return fmt.Errorf("%d conflicts on %s and earlier files: %w",
			index+1, path, errors.ErrTooManyConflicts)
	}

	switch strategy {
	case StrategySerialize:
		return s.serializeOn(ctx, inst, owner, path, index)
	case StrategyAbortNewer:
		s.resolveConflict(index, ownerID)
		// The reporting agent is the newer one and is blocked in this
		// call, so its mutations can be reverted before it unwinds. The
		// conflicting write itself has not committed yet.
		if s.cancelRollback != nil {
			s.cancelRollback(agentID)
		}
		s.Cancel(agentID)
		return fmt.Errorf("aborted on conflict over %s: %w", path, errors.ErrExecutionAborted)
	case StrategyIsolated:
		s.resolveConflict(index, "")
		return nil
	default: // merge-results: recorded, reconciled from the batch result
		return nil
	}
}

// serializeOn parks inst until owner finishes, then resumes it.
func (s *Scheduler) serializeOn(ctx context.Context, inst, owner *Instance, path string, index int) error {
	if owner == nil || owner.Status().Terminal() {
		s.resolveConflict(index, "")
		return nil
	}

	inst.markWaitingConflict()
	s.logger.Info("agent waiting on conflict",
		"agent_id", inst.id,
		"path", path,
		"owner", owner.id)

	select {
	case <-owner.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	inst.markRunning()
	s.resolveConflict(index, owner.id)
	return nil
}

func (s *Scheduler) resolveConflict(index int, winner string) {
	s.mu.Lock()
	c := &s.conflicts[index]
	c.Resolved = true
	c.Winner = winner
	c.ResolvedAt = time.Now()
	path, strategy := c.FilePath, c.Strategy
	s.mu.Unlock()

	s.publish(event.NewConflictResolvedEvent(path, string(strategy), winner))
}

// abortAll cancels every non-terminal instance.
func (s *Scheduler) abortAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.contexts))
	for _, cancel := range s.contexts {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Close cancels all agents, stops retention timers, and waits for run
// goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()

	s.abortAll()
	for _, t := range timers {
		t.Stop()
	}
	s.wg.Wait()
}
