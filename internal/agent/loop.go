// Package agent drives one agent's conversation loop: stream a
// completion, execute the tool calls it produces, feed the results back,
// and repeat until the model stops calling tools or a turn or wall-clock
// limit is hit.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tandem-dev/tandem/internal/errors"
	"github.com/tandem-dev/tandem/internal/logging"
	"github.com/tandem-dev/tandem/internal/stream"
	"github.com/tandem-dev/tandem/internal/tool"
)

const (
	// DefaultMaxTurns bounds the stream/execute iterations per task.
	DefaultMaxTurns = 25
	// DefaultWallClock bounds one task's total run time.
	DefaultWallClock = 10 * time.Minute
)

// Progress carries optional observer hooks for a running loop.
type Progress struct {
	OnContent     func(text string)
	OnToolCall    func(call tool.Call)
	OnToolResult  func(res tool.Result)
	OnModelSwitch func(sw stream.ModelSwitch)
}

// Loop runs one agent's turn cycle against a streaming machine and a
// tool executor.
type Loop struct {
	machine  *stream.Machine
	executor *tool.Executor
	logger   *logging.Logger

	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	tools        []stream.ToolSchema
	maxTurns     int
	wallClock    time.Duration
	progress     Progress
	onMessage    func(stream.Message)
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithModel sets the model streamed against.
func WithModel(model string) LoopOption {
	return func(l *Loop) { l.model = model }
}

// WithSystemPrompt prepends a system message to the conversation.
func WithSystemPrompt(prompt string) LoopOption {
	return func(l *Loop) { l.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LoopOption {
	return func(l *Loop) { l.temperature = t }
}

// WithMaxTokens caps the completion length per call.
func WithMaxTokens(n int) LoopOption {
	return func(l *Loop) { l.maxTokens = n }
}

// WithTools overrides the tool schemas offered to the model.
func WithTools(tools []stream.ToolSchema) LoopOption {
	return func(l *Loop) { l.tools = tools }
}

// WithMaxTurns overrides the per-task turn ceiling.
func WithMaxTurns(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxTurns = n
		}
	}
}

// WithWallClock overrides the per-task run time ceiling.
func WithWallClock(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.wallClock = d
		}
	}
}

// WithProgress registers observer hooks.
func WithProgress(p Progress) LoopOption {
	return func(l *Loop) { l.progress = p }
}

// WithMessageSink registers a callback that receives every message
// appended to the conversation, in order.
func WithMessageSink(fn func(stream.Message)) LoopOption {
	return func(l *Loop) { l.onMessage = fn }
}

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *logging.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a Loop over the given machine and executor.
func NewLoop(machine *stream.Machine, executor *tool.Executor, opts ...LoopOption) *Loop {
	l := &Loop{
		machine:   machine,
		executor:  executor,
		logger:    logging.NopLogger(),
		tools:     BuiltinTools(),
		maxTurns:  DefaultMaxTurns,
		wallClock: DefaultWallClock,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the task to completion and returns the final assistant
// text. Exceeding the wall clock or the turn ceiling is an error.
func (l *Loop) Run(ctx context.Context, task string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, l.wallClock)
	defer cancel()

	var messages []stream.Message
	if l.systemPrompt != "" {
		messages = l.append(messages, stream.Message{Role: stream.RoleSystem, Content: l.systemPrompt})
	}
	messages = l.append(messages, stream.Message{Role: stream.RoleUser, Content: task})

	for turn := 0; turn < l.maxTurns; turn++ {
		assistant, calls, err := l.streamTurn(runCtx, messages)
		if err != nil {
			if runCtx.Err() == context.DeadlineExceeded {
				return "", errors.NewAgentError(
					fmt.Sprintf("wall clock exceeded after %s", l.wallClock), errors.ErrTimeout)
			}
			return "", err
		}
		messages = l.append(messages, assistant)

		if len(calls) == 0 {
			return assistant.Content, nil
		}

		for _, call := range calls {
			result, err := l.runTool(runCtx, call)
			if err != nil {
				if runCtx.Err() == context.DeadlineExceeded {
					return "", errors.NewAgentError(
						fmt.Sprintf("wall clock exceeded after %s", l.wallClock), errors.ErrTimeout)
				}
				return "", err
			}
			messages = l.append(messages, stream.Message{
				Role:       stream.RoleTool,
				ToolCallID: result.CallID,
				Content:    result.Content,
			})
		}
	}

	return "", errors.NewAgentError(
		fmt.Sprintf("no final answer after %d turns", l.maxTurns), nil)
}

// streamTurn runs one completion and collects its output.
func (l *Loop) streamTurn(ctx context.Context, messages []stream.Message) (stream.Message, []tool.Call, error) {
	var content strings.Builder
	var calls []tool.Call
	var assistantCalls []stream.ToolCall

	err := l.machine.Stream(ctx, messages, stream.Options{
		Model:       l.model,
		Temperature: l.temperature,
		MaxTokens:   l.maxTokens,
		Tools:       l.tools,
	}, func(e stream.Event) {
		switch e.Kind {
		case stream.EventContent:
			content.WriteString(e.Text)
			if l.progress.OnContent != nil {
				l.progress.OnContent(e.Text)
			}
		case stream.EventToolCall:
			assistantCalls = append(assistantCalls, e.Call)
			calls = append(calls, tool.Call{
				ID:        e.Call.ID,
				Name:      e.Call.Name,
				Arguments: e.Call.Arguments,
			})
		case stream.EventModelSwitched:
			// The request is replayed against the fallback; drop whatever
			// the failed attempt produced.
			content.Reset()
			calls = calls[:0]
			assistantCalls = assistantCalls[:0]
			if e.Switch != nil {
				l.model = e.Switch.To
				if l.progress.OnModelSwitch != nil {
					l.progress.OnModelSwitch(*e.Switch)
				}
			}
		case stream.EventRetry:
			content.Reset()
			calls = calls[:0]
			assistantCalls = assistantCalls[:0]
		case stream.EventError:
			l.logger.Warn("stream reported recoverable error", "error", e.Err)
		}
	})
	if err != nil {
		return stream.Message{}, nil, err
	}

	return stream.Message{
		Role:      stream.RoleAssistant,
		Content:   content.String(),
		ToolCalls: assistantCalls,
	}, calls, nil
}

// runTool executes one call and reports it to the progress hooks.
func (l *Loop) runTool(ctx context.Context, call tool.Call) (tool.Result, error) {
	if l.progress.OnToolCall != nil {
		l.progress.OnToolCall(call)
	}

	result, err := l.executor.Execute(ctx, call)
	if err != nil {
		return tool.Result{}, err
	}

	if l.progress.OnToolResult != nil {
		l.progress.OnToolResult(result)
	}
	return result, nil
}

func (l *Loop) append(messages []stream.Message, msg stream.Message) []stream.Message {
	if l.onMessage != nil {
		l.onMessage(msg)
	}
	return append(messages, msg)
}
