package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "agent.started", "conflict.detected")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Agent Lifecycle Events
// -----------------------------------------------------------------------------

// AgentQueuedEvent is emitted when a spawn request is admitted but has to
// wait for a free concurrency slot.
type AgentQueuedEvent struct {
	baseEvent
	AgentID   string // Unique identifier for the agent instance
	AgentType string // Agent type tag (explore, implement, ...)
	Position  int    // Position in the FIFO queue at admission time
}

// NewAgentQueuedEvent creates an AgentQueuedEvent.
func NewAgentQueuedEvent(agentID, agentType string, position int) AgentQueuedEvent {
	return AgentQueuedEvent{
		baseEvent: newBaseEvent("agent.queued"),
		AgentID:   agentID,
		AgentType: agentType,
		Position:  position,
	}
}

// AgentStartedEvent is emitted when an agent instance transitions to running.
type AgentStartedEvent struct {
	baseEvent
	AgentID   string // Unique identifier for the agent instance
	AgentType string // Agent type tag
	Model     string // Resolved model ID the agent will stream against
	Task      string // Task description or prompt
}

// NewAgentStartedEvent creates an AgentStartedEvent.
func NewAgentStartedEvent(agentID, agentType, model, task string) AgentStartedEvent {
	return AgentStartedEvent{
		baseEvent: newBaseEvent("agent.started"),
		AgentID:   agentID,
		AgentType: agentType,
		Model:     model,
		Task:      task,
	}
}

// AgentStoppedEvent is emitted when an agent instance reaches a terminal
// status (completed, error, or cancelled).
type AgentStoppedEvent struct {
	baseEvent
	AgentID string // Unique identifier for the agent instance
	Status  string // Terminal status
	Reason  string // Additional context (error message if failed)
}

// NewAgentStoppedEvent creates an AgentStoppedEvent.
func NewAgentStoppedEvent(agentID, status, reason string) AgentStoppedEvent {
	return AgentStoppedEvent{
		baseEvent: newBaseEvent("agent.stopped"),
		AgentID:   agentID,
		Status:    status,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Conflict Events
// -----------------------------------------------------------------------------

// ConflictDetectedEvent is emitted when two active agents modify the same file.
type ConflictDetectedEvent struct {
	baseEvent
	FilePath string   // File under contention
	AgentIDs []string // Agents that hold or want the file
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(filePath string, agentIDs []string) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent: newBaseEvent("conflict.detected"),
		FilePath:  filePath,
		AgentIDs:  agentIDs,
	}
}

// ConflictResolvedEvent is emitted once a conflict strategy has run.
type ConflictResolvedEvent struct {
	baseEvent
	FilePath string // File that was under contention
	Strategy string // Strategy applied (serialize, abort-newer, ...)
	Winner   string // Agent that proceeds, empty for merge-results
}

// NewConflictResolvedEvent creates a ConflictResolvedEvent.
func NewConflictResolvedEvent(filePath, strategy, winner string) ConflictResolvedEvent {
	return ConflictResolvedEvent{
		baseEvent: newBaseEvent("conflict.resolved"),
		FilePath:  filePath,
		Strategy:  strategy,
		Winner:    winner,
	}
}

// -----------------------------------------------------------------------------
// Streaming Events
// -----------------------------------------------------------------------------

// ModelSwitchedEvent is emitted when a quota failure re-routes a streaming
// call to the unlimited fallback model mid-request.
type ModelSwitchedEvent struct {
	baseEvent
	AgentID string // Agent whose stream switched, empty for ad-hoc calls
	From    string // Model that hit its quota
	To      string // Fallback model
	Reason  string // Human-readable switch reason
}

// NewModelSwitchedEvent creates a ModelSwitchedEvent.
func NewModelSwitchedEvent(agentID, from, to, reason string) ModelSwitchedEvent {
	return ModelSwitchedEvent{
		baseEvent: newBaseEvent("stream.model_switched"),
		AgentID:   agentID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Execution Control Events
// -----------------------------------------------------------------------------

// ControlStateEvent is emitted on pause/resume/step-mode transitions.
type ControlStateEvent struct {
	baseEvent
	State string // New control state (running, paused, stepping, aborted)
}

// NewControlStateEvent creates a ControlStateEvent for the given transition.
// The action becomes the event suffix: "control.paused", "control.resumed".
func NewControlStateEvent(action, state string) ControlStateEvent {
	return ControlStateEvent{
		baseEvent: newBaseEvent("control." + action),
		State:     state,
	}
}

// RollbackEvent is emitted for each rollback action applied during abort.
type RollbackEvent struct {
	baseEvent
	ActionID   string // Rollback action identifier
	ActionType string // file_write, file_edit, file_delete, bash_command
	FilePath   string // Affected path, empty for bash_command
	Success    bool   // Whether the inverse applied cleanly
}

// NewRollbackEvent creates a RollbackEvent.
func NewRollbackEvent(actionID, actionType, filePath string, success bool) RollbackEvent {
	return RollbackEvent{
		baseEvent:  newBaseEvent("control.rollback"),
		ActionID:   actionID,
		ActionType: actionType,
		FilePath:   filePath,
		Success:    success,
	}
}
