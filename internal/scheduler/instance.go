package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-dev/tandem/internal/stream"
)

// Status is the lifecycle state of an agent instance.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaitingConflict Status = "waiting_conflict"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Spec describes one agent to spawn.
type Spec struct {
	// Type tags the agent's role (explore, implement, review, ...). It
	// drives tier inference when neither Model nor Tier is set.
	Type string
	// Task is the prompt the agent works on.
	Task string
	// Model pins a specific model. "auto" or empty defers to Tier.
	Model string
	// Tier selects a routing tier (fast, balanced, thorough) or alias.
	Tier string
	// Strategy overrides the scheduler's conflict strategy for this
	// agent. Zero value defers to the scheduler default.
	Strategy ConflictStrategy
}

// Snapshot is a point-in-time copy of an instance's observable state.
type Snapshot struct {
	ID            string
	Type          string
	Task          string
	Model         string
	Status        Status
	ModifiedFiles []string
	Result        string
	Err           error
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Instance is one running or finished agent. All exported methods are
// safe for concurrent use. Once an instance reaches a terminal status its
// state no longer changes.
type Instance struct {
	mu sync.Mutex

	id       string
	spec     Spec
	model    string
	strategy ConflictStrategy

	status        Status
	conversation  []stream.Message
	modifiedFiles []string
	modifiedSet   map[string]struct{}
	result        string
	err           error

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newInstance(spec Spec, model string) *Instance {
	return &Instance{
		id:          uuid.NewString(),
		spec:        spec,
		model:       model,
		status:      StatusPending,
		modifiedSet: make(map[string]struct{}),
		createdAt:   time.Now(),
		done:        make(chan struct{}),
	}
}

// ID returns the instance identifier.
func (a *Instance) ID() string { return a.id }

// Type returns the agent type tag.
func (a *Instance) Type() string { return a.spec.Type }

// Task returns the task prompt.
func (a *Instance) Task() string { return a.spec.Task }

// Model returns the resolved model ID.
func (a *Instance) Model() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

// SetModel updates the model, used when a stream switches to the
// fallback mid-turn. Ignored after the instance is terminal.
func (a *Instance) SetModel(model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.status.Terminal() {
		a.model = model
	}
}

// Status returns the current lifecycle status.
func (a *Instance) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Result returns the final assistant output, empty until completed.
func (a *Instance) Result() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Err returns the terminal error, nil unless status is error.
func (a *Instance) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done returns a channel closed when the instance reaches a terminal
// status.
func (a *Instance) Done() <-chan struct{} { return a.done }

// Wait blocks until the instance is terminal or ctx is cancelled.
func (a *Instance) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendMessage adds a message to the instance's conversation history.
func (a *Instance) AppendMessage(msg stream.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Terminal() {
		return
	}
	a.conversation = append(a.conversation, msg)
}

// Conversation returns a copy of the conversation history.
func (a *Instance) Conversation() []stream.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]stream.Message(nil), a.conversation...)
}

// recordModifiedFile adds path to the modified-file list, preserving
// first-touch order and deduplicating. Reports whether the path is new
// for this instance.
func (a *Instance) recordModifiedFile(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.modifiedSet[path]; seen {
		return false
	}
	a.modifiedSet[path] = struct{}{}
	a.modifiedFiles = append(a.modifiedFiles, path)
	return true
}

// ModifiedFiles returns the files this agent has modified, in first-touch
// order.
func (a *Instance) ModifiedFiles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.modifiedFiles...)
}

// Snapshot returns a point-in-time copy of the observable state.
func (a *Instance) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		ID:            a.id,
		Type:          a.spec.Type,
		Task:          a.spec.Task,
		Model:         a.model,
		Status:        a.status,
		ModifiedFiles: append([]string(nil), a.modifiedFiles...),
		Result:        a.result,
		Err:           a.err,
		CreatedAt:     a.createdAt,
		StartedAt:     a.startedAt,
		CompletedAt:   a.completedAt,
	}
}

// markRunning transitions pending (or waiting_conflict) to running.
func (a *Instance) markRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.Terminal() {
		return false
	}
	if a.status == StatusPending {
		a.startedAt = time.Now()
	}
	a.status = StatusRunning
	return true
}

// markWaitingConflict flags the instance as blocked on a file conflict.
func (a *Instance) markWaitingConflict() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusRunning {
		return false
	}
	a.status = StatusWaitingConflict
	return true
}

// finish moves the instance to a terminal status exactly once.
func (a *Instance) finish(status Status, result string, err error) bool {
	a.mu.Lock()
	if a.status.Terminal() {
		a.mu.Unlock()
		return false
	}
	a.status = status
	a.result = result
	a.err = err
	a.completedAt = time.Now()
	a.mu.Unlock()

	close(a.done)
	return true
}
