// Package event provides a pub-sub event bus for decoupled inter-component
// communication in tandem.
//
// The scheduler, execution control, and streaming layers publish events
// without knowing who will receive them; the CLI layer and the scheduler's
// audit log subscribe without knowing who produced them.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//   - [Ring]: Bounded ring buffer retaining the most recent events
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called
// synchronously and protected against panics - a panicking handler will
// not prevent other handlers from being called.
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action":
//   - agent.queued, agent.started, agent.stopped
//   - conflict.detected, conflict.resolved
//   - stream.model_switched
//   - control.paused, control.resumed, control.step, control.rollback
package event
