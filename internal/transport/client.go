// Package transport implements the HTTP client for OpenAI-compatible
// chat completion providers. It translates conversation messages to the
// wire schema, surfaces provider failures as classified transport errors,
// and hands raw streaming bytes to the caller without interpreting them.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tandem-dev/tandem/internal/errors"
	"github.com/tandem-dev/tandem/internal/logging"
	"github.com/tandem-dev/tandem/internal/stream"
)

// DefaultTimeout bounds non-streaming completion calls. Streaming calls
// are bounded by their context instead.
const DefaultTimeout = 5 * time.Minute

const completionsPath = "/v1/chat/completions"

// Client talks to one OpenAI-compatible endpoint. It implements
// stream.Transport.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Client for the given base URL, e.g.
// "https://api.example.com" or "http://localhost:8080".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wire request/response types for the completions endpoint.

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function wireToolSchema `json:"function"`
}

type wireToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *stream.Usage `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func encodeMessages(messages []stream.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}

		if len(m.Parts) > 0 {
			parts := make([]wireContentPart, 0, len(m.Parts))
			for _, p := range m.Parts {
				part := wireContentPart{Type: p.Type, Text: p.Text}
				if p.ImageURL != "" {
					part.ImageURL = &wireImageURL{URL: p.ImageURL}
				}
				parts = append(parts, part)
			}
			wm.Content = parts
		} else if m.Content != "" || m.Role != stream.RoleAssistant {
			wm.Content = m.Content
		}

		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func encodeTools(tools []stream.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (c *Client) newRequest(ctx context.Context, body wireRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// Chat performs a non-streaming completion.
func (c *Client) Chat(ctx context.Context, messages []stream.Message, opts stream.Options) (*stream.Message, *stream.Usage, error) {
	req, err := c.newRequest(ctx, wireRequest{
		Model:       opts.Model,
		Messages:    encodeMessages(messages),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Tools:       encodeTools(opts.Tools),
	})
	if err != nil {
		return nil, nil, err
	}

	c.logger.Debug("chat request", "model", opts.Model, "messages", len(messages))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, c.statusError(resp)
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, nil, fmt.Errorf("response has no choices")
	}

	choice := decoded.Choices[0].Message
	msg := &stream.Message{
		Role:    stream.RoleAssistant,
		Content: choice.Content,
	}
	for _, tc := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, stream.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg, decoded.Usage, nil
}

// ChatStream opens a streaming completion and forwards raw body bytes to
// onData as they arrive. An onData error tears the stream down and is
// returned.
func (c *Client) ChatStream(ctx context.Context, messages []stream.Message, opts stream.Options, onData func([]byte) error) error {
	req, err := c.newRequest(ctx, wireRequest{
		Model:       opts.Model,
		Messages:    encodeMessages(messages),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Tools:       encodeTools(opts.Tools),
		Stream:      true,
	})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streaming calls outlive the default client timeout; bound them by
	// ctx only.
	client := &http.Client{Transport: c.httpClient.Transport}

	c.logger.Debug("chat stream request", "model", opts.Model, "messages", len(messages))
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	buf := make([]byte, 16*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if cbErr := onData(buf[:n]); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// statusError converts a non-200 response into a TransportError, draining
// the body for the provider's error message.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))

	message := strings.TrimSpace(string(body))
	var decoded wireError
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error.Message != "" {
		message = decoded.Error.Message
	}

	terr := &errors.TransportError{
		StatusCode: resp.StatusCode,
		Message:    message,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
	c.logger.Warn("provider error",
		"status", resp.StatusCode,
		"message", message,
		"retry_after", terr.RetryAfter)
	return terr
}

// ParseRetryAfter interprets a Retry-After header value, either delay
// seconds or an HTTP date. Returns 0 when the value is absent or
// malformed.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
