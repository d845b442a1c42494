// Package stream turns a raw, chunked model response into a small ordered
// set of normalized events: content, tool_call, usage, model_switched,
// error, done. It reassembles tool-call arguments that arrive in
// fragments, detects quota exhaustion and transparently re-routes to the
// unlimited fallback model mid-call, and guarantees exactly one terminal
// done event per call regardless of how the underlying stream ended.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tandem-dev/tandem/internal/errors"
	"github.com/tandem-dev/tandem/internal/logging"
	"github.com/tandem-dev/tandem/internal/router"
)

// Machine consumes one streaming completion at a time. A Machine may be
// reused across calls but is owned by a single agent turn; concurrent
// Stream calls on one Machine are not supported.
type Machine struct {
	transport Transport
	table     router.Table
	policy    RetryPolicy
	logger    *logging.Logger

	mu sync.Mutex
	st State
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for retry and switch decisions.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(m *Machine) { m.policy = policy }
}

// NewMachine creates a streaming state machine over the given transport.
func NewMachine(transport Transport, table router.Table, opts ...Option) *Machine {
	m := &Machine{
		transport: transport,
		table:     table,
		policy:    DefaultRetryPolicy(),
		logger:    logging.NopLogger(),
		st:        State{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns a snapshot of the machine's progress.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.st
	snap.Pending = append([]PartialToolCall(nil), m.st.Pending...)
	snap.Completed = append([]ToolCall(nil), m.st.Completed...)
	return snap
}

// Stream opens the completion and emits normalized events until a done
// event has been delivered or an unrecoverable error occurs. Exactly one
// model switch to the fallback is permitted per call; a second quota
// failure after switching is fatal. Connection-class and rate-limit
// errors retry up to the policy's attempt ceiling.
func (m *Machine) Stream(ctx context.Context, messages []Message, opts Options, onEvent EventFunc) error {
	model := opts.Model
	if model == "" {
		model = m.table.ResolveAgentModel(router.AgentModelConfig{Tier: string(router.TierBalanced)}, "", nil)
	}

	m.mu.Lock()
	m.st = State{Status: StatusStreaming, StartedAt: time.Now()}
	m.mu.Unlock()

	switched := false
	for attempt := 0; ; attempt++ {
		opts.Model = model
		err := m.runAttempt(ctx, messages, opts, onEvent)
		if err == nil {
			m.setStatus(StatusComplete)
			return nil
		}
		if ctx.Err() != nil {
			m.setError(ctx.Err())
			return ctx.Err()
		}

		switch {
		case errors.IsQuotaExceeded(err):
			if switched || m.table.IsFallback(model) {
				m.setError(err)
				return errors.NewStreamError("quota exhausted on fallback model", err).WithModel(model)
			}
			fallback := m.table.FallbackModel()
			m.logger.Warn("model quota exceeded, switching to fallback",
				"from", model, "to", fallback)
			sw := &ModelSwitch{From: model, To: fallback, Reason: "quota exceeded"}
			m.mu.Lock()
			m.st.ModelSwitch = sw
			m.mu.Unlock()
			onEvent(Event{Kind: EventModelSwitched, Switch: sw})
			model = fallback
			switched = true
			// The entire request is retried once against the fallback;
			// the attempt budget is not charged for the switch.
			attempt--

		case errors.IsRateLimited(err):
			if attempt+1 >= m.policy.MaxAttempts {
				m.setError(err)
				return errors.NewStreamError("rate limited", errors.Join(errors.ErrRetriesExhausted, err)).
					WithModel(model).WithAttempt(attempt + 1)
			}
			delay := errors.RetryAfter(err)
			if delay <= 0 {
				delay = m.policy.RateLimitDelay
			}
			m.logger.Debug("rate limited, backing off", "model", model, "delay", delay.String())
			if err := sleepCtx(ctx, delay); err != nil {
				m.setError(err)
				return err
			}
			onEvent(Event{Kind: EventRetry})

		case errors.IsConnection(err):
			if attempt+1 >= m.policy.MaxAttempts {
				m.setError(err)
				return errors.NewStreamError("connection failed", errors.Join(errors.ErrRetriesExhausted, err)).
					WithModel(model).WithAttempt(attempt + 1)
			}
			delay := Backoff(m.policy.BaseDelay, attempt, m.policy.MaxDelay)
			m.logger.Debug("connection error, backing off", "model", model, "delay", delay.String())
			if err := sleepCtx(ctx, delay); err != nil {
				m.setError(err)
				return err
			}
			onEvent(Event{Kind: EventRetry})

		default:
			m.setError(err)
			return errors.NewStreamError("streaming failed", err).WithModel(model)
		}
	}
}

// runAttempt performs one full request against the current model,
// resetting the accumulator first so a retry starts clean.
func (m *Machine) runAttempt(ctx context.Context, messages []Message, opts Options, onEvent EventFunc) error {
	acc := &accumulator{
		machine: m,
		onEvent: onEvent,
		partial: make(map[int]*PartialToolCall),
	}

	m.mu.Lock()
	sw := m.st.ModelSwitch
	m.st = State{Status: StatusStreaming, StartedAt: m.st.StartedAt, ModelSwitch: sw}
	m.mu.Unlock()

	err := m.transport.ChatStream(ctx, messages, opts, acc.feed)
	if acc.done {
		// The sentinel arrived; anything after it is ignored, including
		// transport-level noise on close.
		return nil
	}
	if err != nil {
		return err
	}

	// Stream closed without a done sentinel: the remaining buffered line
	// (if any) was already handled by feed, so finalize and synthesize
	// the terminal event. Callers must always see exactly one.
	acc.finish()
	return nil
}

// setStatus transitions the public status field.
func (m *Machine) setStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Status = status
}

// setError records a terminal error on the state.
func (m *Machine) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.Status = StatusError
	m.st.LastError = err.Error()
}

// -----------------------------------------------------------------------------
// Chunk accumulation
// -----------------------------------------------------------------------------

// chunkPayload is the provider's wire shape for one stream chunk.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage        `json:"usage"`
	Error *payloadError `json:"error"`
}

// toolCallDelta is one fragment of a (possibly parallel) tool call.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// payloadError is an error object delivered inside the stream body.
type payloadError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const doneSentinel = "[DONE]"

// accumulator holds the per-attempt parse state.
type accumulator struct {
	machine *Machine
	onEvent EventFunc

	lineBuf []byte
	partial map[int]*PartialToolCall
	done    bool
}

// feed consumes one raw chunk of response bytes. A trailing partial line
// is retained across calls; it is never dropped.
func (a *accumulator) feed(data []byte) error {
	if a.done {
		return nil
	}
	a.lineBuf = append(a.lineBuf, data...)

	for {
		idx := bytes.IndexByte(a.lineBuf, '\n')
		if idx < 0 {
			return nil
		}
		line := strings.TrimRight(string(a.lineBuf[:idx]), "\r")
		a.lineBuf = a.lineBuf[idx+1:]

		if err := a.handleLine(line); err != nil {
			return err
		}
		if a.done {
			return nil
		}
	}
}

// handleLine processes one complete line from the stream.
func (a *accumulator) handleLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "data:") {
		// Comments, event names and blank keep-alives are not errors.
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

	if payload == doneSentinel {
		a.finish()
		return nil
	}

	var chunk chunkPayload
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// Unparseable lines are treated as keep-alive noise, not errors.
		return nil
	}

	if chunk.Error != nil {
		return &errors.TransportError{
			StatusCode: chunk.Error.Code,
			Message:    chunk.Error.Message,
		}
	}

	if chunk.Usage != nil {
		a.onEvent(Event{Kind: EventUsage, Usage: *chunk.Usage})
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			a.appendContent(choice.Delta.Content)
		}
		for _, delta := range choice.Delta.ToolCalls {
			a.appendToolDelta(delta)
		}
		switch choice.FinishReason {
		case "":
			// still streaming
		case "length":
			// Truncation is surfaced as a non-fatal error event; buffered
			// lines keep being processed afterwards.
			a.onEvent(Event{Kind: EventError, Err: errors.ErrStreamTruncated.Error()})
		default:
			// "stop", "tool_calls" and friends terminate the indexes.
			a.finalizePending()
		}
	}
	return nil
}

// appendContent accumulates text and emits a content event.
func (a *accumulator) appendContent(text string) {
	m := a.machine
	m.mu.Lock()
	m.st.Content += text
	m.mu.Unlock()

	a.onEvent(Event{Kind: EventContent, Text: text})
}

// appendToolDelta merges one tool-call fragment into its partial by index.
// A fresh ID at an already-known index marks the start of a new call and
// finalizes the previous one.
func (a *accumulator) appendToolDelta(delta toolCallDelta) {
	pc, ok := a.partial[delta.Index]
	if ok && delta.ID != "" && pc.ID != "" && delta.ID != pc.ID {
		a.finalize(pc)
		delete(a.partial, delta.Index)
		ok = false
	}
	if !ok {
		pc = &PartialToolCall{Index: delta.Index}
		a.partial[delta.Index] = pc
		a.machine.setStatus(StatusAccumulatingTool)
	}

	if delta.ID != "" {
		pc.ID = delta.ID
	}
	if delta.Function.Name != "" {
		pc.Name = delta.Function.Name
	}
	pc.Arguments += delta.Function.Arguments

	a.syncPending()
}

// finalizePending promotes every in-flight partial call in index order.
func (a *accumulator) finalizePending() {
	if len(a.partial) == 0 {
		return
	}
	indexes := make([]int, 0, len(a.partial))
	for idx := range a.partial {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		a.finalize(a.partial[idx])
		delete(a.partial, idx)
	}
	a.syncPending()
	a.machine.setStatus(StatusStreaming)
}

// finalize parses the accumulated argument buffer and emits the call.
// A parse failure falls back to an empty object rather than failing the
// whole turn; the model's intent is recoverable from the tool name alone
// more often than not.
func (a *accumulator) finalize(pc *PartialToolCall) {
	pc.IsComplete = true

	args := strings.TrimSpace(pc.Arguments)
	if args == "" || !json.Valid([]byte(args)) {
		args = "{}"
	}

	call := ToolCall{
		ID:        pc.ID,
		Name:      pc.Name,
		Arguments: json.RawMessage(args),
	}
	if call.ID == "" {
		call.ID = fmt.Sprintf("call_%d", pc.Index)
	}

	m := a.machine
	m.mu.Lock()
	m.st.Completed = append(m.st.Completed, call)
	m.mu.Unlock()

	a.onEvent(Event{Kind: EventToolCall, Call: call})
}

// finish finalizes any pending calls and emits the single done event.
func (a *accumulator) finish() {
	if a.done {
		return
	}
	a.finalizePending()
	a.done = true
	a.onEvent(Event{Kind: EventDone})
}

// syncPending mirrors the partial map into the public state snapshot.
func (a *accumulator) syncPending() {
	m := a.machine
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.Pending = m.st.Pending[:0]
	for _, pc := range a.partial {
		m.st.Pending = append(m.st.Pending, *pc)
	}
	sort.Slice(m.st.Pending, func(i, j int) bool {
		return m.st.Pending[i].Index < m.st.Pending[j].Index
	})
}
