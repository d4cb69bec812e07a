// Copyright 2026 Quadracode
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// DefaultModel is the default Claude model.
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultEndpoint is the Anthropic Messages API endpoint.
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens caps output tokens per request.
	DefaultMaxTokens = 4096
	// DefaultTimeout is the HTTP timeout per attempt.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxRetries bounds 429/5xx retries per call.
	DefaultMaxRetries = 5
)

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	Endpoint    string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	Logger      *zap.Logger
}

// Anthropic is a raw HTTP client for the Messages API. Transient failures
// are retried with exponential backoff; sustained failure trips a circuit
// breaker so the runtime degrades to retry_depletion instead of hammering
// the API.
type Anthropic struct {
	cfg        AnthropicConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger

	retryInterval time.Duration
}

// NewAnthropic builds a client, filling defaults from the environment.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		if env := os.Getenv("ANTHROPIC_DEFAULT_MODEL"); env != "" {
			cfg.Model = env
		} else {
			cfg.Model = DefaultModel
		}
	}
	if cfg.Endpoint == "" {
		if env := os.Getenv("ANTHROPIC_API_ENDPOINT"); env != "" {
			cfg.Endpoint = env
		} else {
			cfg.Endpoint = DefaultEndpoint
		}
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "anthropic",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("llm circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Anthropic{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		breaker:       breaker,
		logger:        cfg.Logger,
		retryInterval: 500 * time.Millisecond,
	}
}

// Name returns the provider name.
func (a *Anthropic) Name() string { return "anthropic" }

// Model returns the model identifier.
func (a *Anthropic) Model() string { return a.cfg.Model }

// Chat sends a conversation to Claude and returns the response.
func (a *Anthropic) Chat(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	system, apiMessages := convertMessages(messages)
	req := &messagesRequest{
		Model:       a.cfg.Model,
		Messages:    apiMessages,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		System:      system,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := a.breaker.Execute(func() (interface{}, error) {
		return a.callAPI(ctx, body)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("llm provider unavailable: %w", err)
		}
		return nil, err
	}
	return convertResponse(resp.(*messagesResponse)), nil
}

// callAPI performs the HTTP exchange, retrying 429s and 5xx responses with
// exponential backoff. Each attempt builds a fresh request so the body can
// be re-read.
func (a *Anthropic) callAPI(ctx context.Context, body []byte) (*messagesResponse, error) {
	var out *messagesResponse

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.retryInterval
	bo := backoff.WithContext(
		backoff.WithMaxRetries(eb, uint64(a.cfg.MaxRetries)),
		ctx)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.cfg.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var parsed messagesResponse
			if err := json.Unmarshal(respBody, &parsed); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
			}
			out = &parsed
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			a.logger.Warn("llm request retryable failure",
				zap.Int("status", resp.StatusCode))
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
		default:
			return backoff.Permanent(fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody)))
		}
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return out, nil
}

// Wire types for the Messages API.

type messagesRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature,omitempty"`
	Tools       []apiTool    `json:"tools,omitempty"`
	System      string       `json:"system,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      apiUsage       `json:"usage"`
}

type apiMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

// MarshalJSON keeps "input" present on tool_use blocks even when empty,
// which the API requires.
func (cb contentBlock) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{"type": cb.Type}
	if cb.Text != "" {
		m["text"] = cb.Text
	}
	if cb.ID != "" {
		m["id"] = cb.ID
	}
	if cb.Name != "" {
		m["name"] = cb.Name
	}
	if cb.Type == "tool_use" {
		if len(cb.Input) == 0 {
			m["input"] = map[string]interface{}{}
		} else {
			m["input"] = cb.Input
		}
	} else if len(cb.Input) > 0 {
		m["input"] = cb.Input
	}
	if cb.ToolUseID != "" {
		m["tool_use_id"] = cb.ToolUseID
	}
	if cb.Content != "" {
		m["content"] = cb.Content
	}
	return json.Marshal(m)
}

type apiTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// convertMessages extracts system messages into the separate system field
// and maps the rest into the API shape. Tool results travel as user
// messages with tool_result blocks.
func convertMessages(messages []Message) (string, []apiMessage) {
	var systemParts []string
	var out []apiMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case "user":
			out = append(out, apiMessage{
				Role:    "user",
				Content: []contentBlock{{Type: "text", Text: msg.Content}},
			})
		case "assistant":
			var content []contentBlock
			if msg.Content != "" {
				content = append(content, contentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Input,
				})
			}
			if len(content) > 0 {
				out = append(out, apiMessage{Role: "assistant", Content: content})
			}
		case "tool":
			out = append(out, apiMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolUseID,
					Content:   msg.Content,
				}},
			})
		}
	}
	return strings.Join(systemParts, "\n\n"), out
}

func convertResponse(resp *messagesResponse) *Response {
	out := &Response{
		StopReason: resp.StopReason,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	return out
}
