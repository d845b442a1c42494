package stream

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a multi-part message body.
// Exactly one of Text or ImageURL is set.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is a role-tagged conversation entry. Content carries plain text;
// Parts carries multi-part (text+image) content. When Parts is non-empty
// it takes precedence over Content on the wire.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
}

// ToolCall is a fully assembled tool invocation from the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Options configures one streaming completion call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Tools       []ToolSchema
}

// Usage carries token counters reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelSwitch records a mid-call re-route to the fallback model.
type ModelSwitch struct {
	From   string
	To     string
	Reason string
}

// EventKind discriminates the normalized events a Machine emits.
type EventKind int

const (
	// EventContent carries an incremental text fragment.
	EventContent EventKind = iota
	// EventToolCall carries one fully assembled tool call.
	EventToolCall
	// EventUsage carries token counters.
	EventUsage
	// EventModelSwitched reports a quota-driven fallback re-route. The
	// full request is replayed against the fallback, so consumers must
	// discard output accumulated from the failed attempt.
	EventModelSwitched
	// EventRetry announces that the request is about to be replayed after
	// a transient failure. Like a model switch, it invalidates output
	// accumulated from the failed attempt.
	EventRetry
	// EventError reports a non-fatal condition (e.g. truncation).
	EventError
	// EventDone terminates the stream. Emitted exactly once per call.
	EventDone
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventContent:
		return "content"
	case EventToolCall:
		return "tool_call"
	case EventUsage:
		return "usage"
	case EventModelSwitched:
		return "model_switched"
	case EventRetry:
		return "retry"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one normalized streaming event. Kind selects which payload
// field is meaningful.
type Event struct {
	Kind   EventKind
	Text   string       // EventContent
	Call   ToolCall     // EventToolCall
	Usage  Usage        // EventUsage
	Switch *ModelSwitch // EventModelSwitched
	Err    string       // EventError
}

// EventFunc receives normalized events in arrival order.
// The done event is always last.
type EventFunc func(Event)

// Status describes where a streaming call currently is.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusStreaming        Status = "streaming"
	StatusAccumulatingTool Status = "accumulating_tool"
	StatusComplete         Status = "complete"
	StatusError            Status = "error"
)

// State is a read-only snapshot of a Machine's progress, consumed by the
// scheduler for progress reporting.
type State struct {
	Status      Status
	Content     string
	Pending     []PartialToolCall
	Completed   []ToolCall
	LastError   string
	ModelSwitch *ModelSwitch
	StartedAt   time.Time
}

// PartialToolCall is a tool invocation whose JSON arguments are still
// arriving in fragments. It exists only while streaming.
type PartialToolCall struct {
	Index      int
	ID         string
	Name       string
	Arguments  string // growing argument-text buffer
	IsComplete bool
}

// Transport is the provider boundary. Implementations must surface
// quota-exceeded, rate-limited, and connection-class failures as
// distinguishable error conditions (see the errors package predicates),
// since the retry policy branches on exactly these three categories.
type Transport interface {
	// Chat performs a non-streaming completion.
	Chat(ctx context.Context, messages []Message, opts Options) (*Message, *Usage, error)

	// ChatStream opens a streaming completion and delivers raw response
	// bytes to onData as they arrive. Chunk boundaries carry no meaning;
	// the caller reassembles lines. ChatStream returns once the provider
	// closes the stream or ctx is cancelled. If onData returns an error,
	// the stream is torn down and that error is returned.
	ChatStream(ctx context.Context, messages []Message, opts Options, onData func([]byte) error) error
}
