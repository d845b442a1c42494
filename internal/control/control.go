// Package control gates every tool invocation through three orthogonal
// controls - pause, single-step, and abort-with-rollback - without the
// agent loop needing to know which controls are active. One Controller
// exists per top-level execution (one user turn) and is shared by all
// tool calls inside it.
//
// The suspension points are blocking condition-variable waits rather than
// stored callback resolvers: WaitIfPaused blocks the calling agent until
// Resume, and WaitForStep blocks until Step grants exactly one ticket.
// Abort releases every blocked waiter so it can observe the aborted state
// and terminate instead of hanging.
package control

import (
	"encoding/json"
	"sync"

	"github.com/tandem-dev/tandem/internal/errors"
	"github.com/tandem-dev/tandem/internal/event"
	"github.com/tandem-dev/tandem/internal/logging"
)

// State is the execution control state for one turn.
type State string

const (
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStepping State = "stepping"
	StateAborted  State = "aborted"
)

// Callbacks are the optional per-turn observer hooks exposed to the CLI
// layer. All callbacks are invoked synchronously; nil fields are skipped.
type Callbacks struct {
	OnPause          func()
	OnResume         func()
	OnWaitingForStep func(tool string, args json.RawMessage)
	OnRollback       func(action RollbackAction, err error)
	OnRollbackDone   func(applied, failed int)
}

// Controller coordinates pause, step, and abort for one execution.
// All methods are safe for concurrent use.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	state       State
	stepMode    bool
	stepWaiters int
	stepTickets int

	actions []RollbackAction

	logger    *logging.Logger
	bus       *event.Bus
	callbacks Callbacks
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for state transitions and rollback results.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithBus publishes control events to the given bus.
func WithBus(bus *event.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithCallbacks registers observer hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Controller) { c.callbacks = cb }
}

// NewController creates a Controller in the running state.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		state:  StateRunning,
		logger: logging.NopLogger(),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current control state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StepModeEnabled reports whether single-step mode is on.
func (c *Controller) StepModeEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepMode
}

// IsWaitingForStep reports whether an agent is blocked at the step gate.
func (c *Controller) IsWaitingForStep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepWaiters > 0
}

// Pause suspends execution before the next tool call. Valid only from
// running or stepping; otherwise it is an idempotent no-op.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StateStepping {
		c.mu.Unlock()
		return
	}
	c.state = StatePaused
	c.mu.Unlock()

	c.logger.Info("execution paused")
	c.publish(event.NewControlStateEvent("paused", string(StatePaused)))
	if c.callbacks.OnPause != nil {
		c.callbacks.OnPause()
	}
}

// Resume releases a paused execution, restoring running or stepping
// depending on whether step mode is enabled. No-op unless paused.
func (c *Controller) Resume() {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	if c.stepMode {
		c.state = StateStepping
	} else {
		c.state = StateRunning
	}
	state := c.state
	c.cond.Broadcast()
	c.mu.Unlock()

	c.logger.Info("execution resumed", "state", string(state))
	c.publish(event.NewControlStateEvent("resumed", string(state)))
	if c.callbacks.OnResume != nil {
		c.callbacks.OnResume()
	}
}

// SetStepMode toggles single-step mode. Enabling forces the state to
// stepping; disabling returns a stepping state to running and releases
// any agents blocked at the step gate.
func (c *Controller) SetStepMode(enabled bool) {
	c.mu.Lock()
	if c.state == StateAborted {
		c.mu.Unlock()
		return
	}
	c.stepMode = enabled
	if enabled {
		if c.state == StateRunning {
			c.state = StateStepping
		}
	} else if c.state == StateStepping {
		c.state = StateRunning
	}
	state := c.state
	c.cond.Broadcast()
	c.mu.Unlock()

	c.logger.Info("step mode toggled", "enabled", enabled)
	c.publish(event.NewControlStateEvent("step_mode", string(state)))
}

// Step releases exactly one agent currently blocked waiting for step
// confirmation. No-op if nothing is waiting.
func (c *Controller) Step() {
	c.mu.Lock()
	if c.stepWaiters > c.stepTickets {
		c.stepTickets++
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Abort transitions to the terminal aborted state, releases all blocked
// waiters, and (when rollback is requested) drains the rollback stack in
// LIFO order. The stack is always cleared afterward regardless of whether
// rollback was requested.
func (c *Controller) Abort(rollback bool) {
	c.mu.Lock()
	if c.state == StateAborted {
		c.mu.Unlock()
		return
	}
	c.state = StateAborted
	actions := c.actions
	c.actions = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.logger.Info("execution aborted", "rollback", rollback, "recorded_actions", len(actions))
	c.publish(event.NewControlStateEvent("aborted", string(StateAborted)))

	if rollback {
		c.drainRollback(actions)
	}
}

// RecordAction appends a rollback entry. It must be called immediately
// before the corresponding mutating operation commits, with the pre-image
// already captured. Recording after abort is dropped.
func (c *Controller) RecordAction(action RollbackAction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateAborted {
		return
	}
	c.actions = append(c.actions, action)
}

// RollbackAgent removes the entries one agent recorded from the stack
// and applies their inverses in LIFO order, leaving every other agent's
// entries in place. Conflict strategies that cancel a single agent
// mid-run use this to undo only that agent's mutations. No-op after
// abort, which already drained the stack.
func (c *Controller) RollbackAgent(agentID string) {
	c.mu.Lock()
	if c.state == StateAborted {
		c.mu.Unlock()
		return
	}
	var mine []RollbackAction
	kept := c.actions[:0]
	for _, action := range c.actions {
		if action.AgentID == agentID {
			mine = append(mine, action)
		} else {
			kept = append(kept, action)
		}
	}
	c.actions = kept
	c.mu.Unlock()

	if len(mine) == 0 {
		return
	}
	c.logger.Info("rolling back cancelled agent",
		"agent_id", agentID,
		"recorded_actions", len(mine))
	c.drainRollback(mine)
}

// RollbackActions returns a copy of the current rollback stack, oldest
// first.
func (c *Controller) RollbackActions() []RollbackAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RollbackAction(nil), c.actions...)
}

// WaitIfPaused blocks the caller while the controller is paused. It
// returns ErrExecutionAborted if the turn is aborted while (or before)
// waiting. Invoked before each tool call begins.
func (c *Controller) WaitIfPaused() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.state == StatePaused {
		c.cond.Wait()
	}
	if c.state == StateAborted {
		return errors.ErrExecutionAborted
	}
	return nil
}

// WaitForStep blocks until Step grants this caller a ticket. It is a
// no-op when step mode is disabled. The pending tool name and arguments
// are reported to the observer callback so a UI can display what is
// about to run. Returns ErrExecutionAborted if aborted while waiting.
func (c *Controller) WaitForStep(tool string, args json.RawMessage) error {
	c.mu.Lock()
	if !c.stepMode || c.state == StateAborted {
		aborted := c.state == StateAborted
		c.mu.Unlock()
		if aborted {
			return errors.ErrExecutionAborted
		}
		return nil
	}

	c.stepWaiters++
	c.mu.Unlock()

	if c.callbacks.OnWaitingForStep != nil {
		c.callbacks.OnWaitingForStep(tool, args)
	}
	c.publish(event.NewControlStateEvent("waiting_for_step", string(StateStepping)))

	c.mu.Lock()
	defer func() {
		c.stepWaiters--
		c.mu.Unlock()
	}()

	for c.stepTickets == 0 && c.stepMode && c.state != StateAborted {
		c.cond.Wait()
	}
	if c.state == StateAborted {
		return errors.ErrExecutionAborted
	}
	if c.stepTickets > 0 {
		c.stepTickets--
	}
	return nil
}

// publish sends an event to the bus when one is attached.
func (c *Controller) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
