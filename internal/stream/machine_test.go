package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tandem-dev/tandem/internal/errors"
	"github.com/tandem-dev/tandem/internal/router"
)

// fakeTransport replays a per-attempt script. Each attempt's entry either
// feeds raw SSE bytes to the machine or fails with an error.
type fakeTransport struct {
	attempts []fakeAttempt
	calls    int
	models   []string
}

type fakeAttempt struct {
	chunks []string // raw byte chunks fed to onData in order
	err    error    // returned after feeding chunks (transport failure)
}

func (f *fakeTransport) Chat(context.Context, []Message, Options) (*Message, *Usage, error) {
	return nil, nil, errors.New("not implemented")
}

func (f *fakeTransport) ChatStream(ctx context.Context, _ []Message, opts Options, onData func([]byte) error) error {
	f.models = append(f.models, opts.Model)
	if f.calls >= len(f.attempts) {
		return errors.New("no scripted attempt left")
	}
	attempt := f.attempts[f.calls]
	f.calls++

	for _, chunk := range attempt.chunks {
		if err := onData([]byte(chunk)); err != nil {
			return err
		}
	}
	return attempt.err
}

// collect gathers emitted events for assertions.
type collect struct {
	events []Event
}

func (c *collect) fn(e Event) { c.events = append(c.events, e) }

func (c *collect) kinds() []EventKind {
	kinds := make([]EventKind, len(c.events))
	for i, e := range c.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (c *collect) countKind(k EventKind) int {
	n := 0
	for _, e := range c.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RateLimitDelay: time.Millisecond,
	}
}

func newTestMachine(transport Transport) *Machine {
	return NewMachine(transport, router.DefaultTable(), WithRetryPolicy(fastPolicy()))
}

func contentChunk(text string) string {
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{"content": text}}},
	})
	return "data: " + string(payload) + "\n"
}

func TestStreamContentThenDone(t *testing.T) {
	transport := &fakeTransport{attempts: []fakeAttempt{{
		chunks: []string{
			contentChunk("Hello, "),
			contentChunk("world"),
			"data: [DONE]\n",
		},
	}}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if got := c.countKind(EventDone); got != 1 {
		t.Fatalf("done events = %d, want exactly 1", got)
	}
	if c.events[len(c.events)-1].Kind != EventDone {
		t.Error("done must be the last event")
	}

	st := m.State()
	if st.Content != "Hello, world" {
		t.Errorf("Content = %q, want %q", st.Content, "Hello, world")
	}
	if st.Status != StatusComplete {
		t.Errorf("Status = %q, want complete", st.Status)
	}
}

func TestDoneSynthesizedOnStreamClose(t *testing.T) {
	// No [DONE] sentinel; the machine must synthesize exactly one.
	transport := &fakeTransport{attempts: []fakeAttempt{{
		chunks: []string{contentChunk("partial")},
	}}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := c.countKind(EventDone); got != 1 {
		t.Errorf("done events = %d, want exactly 1", got)
	}
}

func TestPartialLineRetainedAcrossReads(t *testing.T) {
	// One SSE line split across three transport chunks.
	line := contentChunk("split across reads")
	transport := &fakeTransport{attempts: []fakeAttempt{{
		chunks: []string{line[:10], line[10:25], line[25:], "data: [DONE]\n"},
	}}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if m.State().Content != "split across reads" {
		t.Errorf("Content = %q", m.State().Content)
	}
}

func toolDeltaChunk(index int, id, name, argFragment string) string {
	fn := map[string]any{"arguments": argFragment}
	if name != "" {
		fn["name"] = name
	}
	call := map[string]any{"index": index, "function": fn}
	if id != "" {
		call["id"] = id
	}
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{"tool_calls": []any{call}}}},
	})
	return "data: " + string(payload) + "\n"
}

func finishChunk(reason string) string {
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{}, "finish_reason": reason}},
	})
	return "data: " + string(payload) + "\n"
}

func TestFragmentedToolCallAssembly(t *testing.T) {
	transport := &fakeTransport{attempts: []fakeAttempt{{
		chunks: []string{
			toolDeltaChunk(0, "call_abc", "write_file", `{"path":`),
			toolDeltaChunk(0, "", "", `"main.go",`),
			toolDeltaChunk(0, "", "", `"content":"hi"}`),
			finishChunk("tool_calls"),
			"data: [DONE]\n",
		},
	}}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if got := c.countKind(EventToolCall); got != 1 {
		t.Fatalf("tool_call events = %d, want 1", got)
	}
	var call ToolCall
	for _, e := range c.events {
		if e.Kind == EventToolCall {
			call = e.Call
		}
	}
	if call.ID != "call_abc" || call.Name != "write_file" {
		t.Errorf("call = %+v", call)
	}

	var args map[string]string
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["path"] != "main.go" || args["content"] != "hi" {
		t.Errorf("args = %v", args)
	}
}

func TestParallelToolCallsFinalizedInIndexOrder(t *testing.T) {
	// Fragments interleave across indexes 1 and 0.
	transport := &fakeTransport{attempts: []fakeAttempt{{
		chunks: []string{
			toolDeltaChunk(1, "call_b", "read_file", `{"path":"b.go"}`),
			toolDeltaChunk(0, "call_a", "read_file", `{"path":"a.go"}`),
			finishChunk("tool_calls"),
			"data: [DONE]\n",
		},
	}}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var ids []string
	for _, e := range c.events {
		if e.Kind == EventToolCall {
			ids = append(ids, e.Call.ID)
		}
	}
	if len(ids) != 2 || ids[0] != "call_a" || ids[1] != "call_b" {
		t.Errorf("tool calls finalized as %v, want [call_a call_b]", ids)
	}
}

func TestToolArgumentsParseFallback(t *testing.T) {
	// Malformed arguments finalize as an empty object, not an error.
	transport := &fakeTransport{attempts: []fakeAttempt{{
		chunks: []string{
			toolDeltaChunk(0, "call_x", "list_files", `{"path": "unterminated`),
			finishChunk("tool_calls"),
			"data: [DONE]\n",
		},
	}}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	for _, e := range c.events {
		if e.Kind == EventToolCall {
			if string(e.Call.Arguments) != "{}" {
				t.Errorf("Arguments = %s, want {}", e.Call.Arguments)
			}
			return
		}
	}
	t.Fatal("no tool_call event emitted")
}

func TestUnparseableLinesIgnored(t *testing.T) {
	transport := &fakeTransport{attempts: []fakeAttempt{{
		chunks: []string{
			": keep-alive comment\n",
			"event: ping\n",
			"data: {not json at all\n",
			contentChunk("ok"),
			"data: [DONE]\n",
		},
	}}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if m.State().Content != "ok" {
		t.Errorf("Content = %q, want ok", m.State().Content)
	}
	if got := c.countKind(EventError); got != 0 {
		t.Errorf("error events = %d, want 0", got)
	}
}

func TestTruncationIsNonFatal(t *testing.T) {
	transport := &fakeTransport{attempts: []fakeAttempt{{
		chunks: []string{
			contentChunk("cut off"),
			finishChunk("length"),
			contentChunk(" tail"),
			"data: [DONE]\n",
		},
	}}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream returned error for truncation: %v", err)
	}

	if got := c.countKind(EventError); got != 1 {
		t.Errorf("error events = %d, want 1", got)
	}
	// Buffered lines after the truncation marker are still processed.
	if m.State().Content != "cut off tail" {
		t.Errorf("Content = %q", m.State().Content)
	}
	if got := c.countKind(EventDone); got != 1 {
		t.Errorf("done events = %d, want 1", got)
	}
}

func TestQuotaSwitchesToFallbackOnce(t *testing.T) {
	table := router.DefaultTable()
	transport := &fakeTransport{attempts: []fakeAttempt{
		{err: &errors.TransportError{StatusCode: 429, Message: "monthly quota exhausted"}},
		{chunks: []string{contentChunk("from fallback"), "data: [DONE]\n"}},
	}}

	m := NewMachine(transport, table, WithRetryPolicy(fastPolicy()))
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-opus-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if got := c.countKind(EventModelSwitched); got != 1 {
		t.Fatalf("model_switched events = %d, want 1", got)
	}
	for _, e := range c.events {
		if e.Kind == EventModelSwitched {
			if e.Switch.From != "claude-opus-4" || e.Switch.To != table.FallbackModel() {
				t.Errorf("switch = %+v", e.Switch)
			}
		}
	}
	if len(transport.models) != 2 || transport.models[1] != table.FallbackModel() {
		t.Errorf("models tried = %v", transport.models)
	}
	if m.State().Content != "from fallback" {
		t.Errorf("Content = %q", m.State().Content)
	}
}

func TestSecondQuotaFailureIsFatal(t *testing.T) {
	quota := &errors.TransportError{StatusCode: 402, Message: "quota exceeded"}
	transport := &fakeTransport{attempts: []fakeAttempt{
		{err: quota},
		{err: quota},
	}}

	m := newTestMachine(transport)
	var c collect
	err := m.Stream(context.Background(), nil, Options{Model: "claude-opus-4"}, c.fn)
	if err == nil {
		t.Fatal("expected fatal error after second quota failure")
	}
	if got := c.countKind(EventModelSwitched); got != 1 {
		t.Errorf("model_switched events = %d, want 1", got)
	}
	if got := c.countKind(EventDone); got != 0 {
		t.Errorf("done events = %d, want 0 on fatal failure", got)
	}
	if m.State().Status != StatusError {
		t.Errorf("Status = %q, want error", m.State().Status)
	}
}

func TestConnectionErrorRetriesWithBackoff(t *testing.T) {
	transport := &fakeTransport{attempts: []fakeAttempt{
		{err: errors.New("read tcp: connection reset by peer")},
		{chunks: []string{contentChunk("recovered"), "data: [DONE]\n"}},
	}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if transport.calls != 2 {
		t.Errorf("transport calls = %d, want 2", transport.calls)
	}
	if m.State().Content != "recovered" {
		t.Errorf("Content = %q", m.State().Content)
	}
}

func TestConnectionRetriesExhausted(t *testing.T) {
	connErr := errors.New("dial: connection refused")
	transport := &fakeTransport{attempts: []fakeAttempt{
		{err: connErr}, {err: connErr}, {err: connErr},
	}}

	m := newTestMachine(transport)
	var c collect
	err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, errors.ErrRetriesExhausted) {
		t.Errorf("error = %v, want ErrRetriesExhausted", err)
	}
	if transport.calls != 3 {
		t.Errorf("transport calls = %d, want 3 (attempt ceiling)", transport.calls)
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	transport := &fakeTransport{attempts: []fakeAttempt{
		{err: &errors.TransportError{StatusCode: 429, Message: "slow down", RetryAfter: time.Millisecond}},
		{chunks: []string{contentChunk("after backoff"), "data: [DONE]\n"}},
	}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if transport.calls != 2 {
		t.Errorf("transport calls = %d, want 2", transport.calls)
	}
	if got := c.countKind(EventModelSwitched); got != 0 {
		t.Errorf("rate limiting must not switch models, got %d switches", got)
	}
}

func TestFatalTransportError(t *testing.T) {
	transport := &fakeTransport{attempts: []fakeAttempt{
		{err: &errors.TransportError{StatusCode: 400, Message: "bad request"}},
	}}

	m := newTestMachine(transport)
	var c collect
	err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn)
	if err == nil {
		t.Fatal("expected error")
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1 (no retry for fatal errors)", transport.calls)
	}
}

func TestMidStreamErrorPayload(t *testing.T) {
	// A quota error delivered inside the stream body triggers the switch.
	table := router.DefaultTable()
	transport := &fakeTransport{attempts: []fakeAttempt{
		{chunks: []string{`data: {"error":{"code":402,"message":"quota exceeded"}}` + "\n"}},
		{chunks: []string{contentChunk("ok"), "data: [DONE]\n"}},
	}}

	m := NewMachine(transport, table, WithRetryPolicy(fastPolicy()))
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-opus-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := c.countKind(EventModelSwitched); got != 1 {
		t.Errorf("model_switched events = %d, want 1", got)
	}
}

func TestUsageEvent(t *testing.T) {
	usageChunk := `data: {"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}` + "\n"
	transport := &fakeTransport{attempts: []fakeAttempt{{
		chunks: []string{contentChunk("x"), usageChunk, "data: [DONE]\n"},
	}}}

	m := newTestMachine(transport)
	var c collect
	if err := m.Stream(context.Background(), nil, Options{Model: "claude-sonnet-4"}, c.fn); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	for _, e := range c.events {
		if e.Kind == EventUsage {
			if e.Usage.TotalTokens != 15 {
				t.Errorf("TotalTokens = %d, want 15", e.Usage.TotalTokens)
			}
			return
		}
	}
	t.Fatal("no usage event emitted")
}
