// Package llm wraps an OpenAI-compatible chat completion API behind a small
// streaming interface with function calling support.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Message represents a chat message sent to or received from the model.
// Role is one of system, user, assistant, or tool. Tool result messages
// carry the ToolCallID they answer; assistant messages that requested tool
// calls carry them in ToolCalls.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDescriptor represents a function/tool available to the LLM.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  string // JSON Schema string
}

// ToolCall represents a request to call a tool.
type ToolCall struct {
	ID       string
	Type     string
	Function FunctionCall
}

// FunctionCall represents the function details.
type FunctionCall struct {
	Name      string
	Arguments string
}

// CallStats represents token usage and timing metrics for a single call.
type CallStats struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	TotalDurationMs  int64 `json:"total_duration_ms"`
}

// StepResult is the accumulated outcome of one streamed generation step.
type StepResult struct {
	// Content is the full text produced by the step (deltas concatenated).
	Content string
	// ToolCalls are the tool invocations the model requested, if any.
	ToolCalls []ToolCall
	// FinishReason is the provider finish reason ("stop", "tool_calls",
	// "length", ...). Empty when the stream ended without one.
	FinishReason string
	// Stats is nil when the provider did not report usage.
	Stats *CallStats
}

// StepStream is the live view of one generation step. Deltas delivers text
// fragments as they arrive; exactly one of Result or Err is delivered after
// Deltas is closed.
type StepStream struct {
	Deltas <-chan string
	Result <-chan *StepResult
	Err    <-chan error
}

// Service is the LLM service interface.
type Service interface {
	// StreamStep runs one generation step with the given tools, streaming
	// text deltas as they arrive. The step ends when the model produces a
	// finish reason or requests tool calls.
	StreamStep(ctx context.Context, messages []Message, tools []ToolDescriptor) *StepStream

	// Warmup sends a lightweight ping request to establish and warm up the
	// provider connection.
	Warmup(ctx context.Context)
}

// Config represents LLM service configuration.
type Config struct {
	Provider    string // openai, deepseek, siliconflow, openrouter, ollama
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
	Timeout     int     // Request timeout in seconds (default: 120)
}

type service struct {
	client      *openai.Client
	model       string
	provider    string
	maxTokens   int
	temperature float32
	timeout     int // Request timeout in seconds
}

// NewService creates a new LLM Service.
func NewService(cfg *Config) (Service, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.HTTPClient = newHTTPClient()

	switch cfg.Provider {
	case "deepseek":
		clientConfig.BaseURL = defaultBaseURL(cfg.BaseURL, "https://api.deepseek.com")
	case "siliconflow":
		clientConfig.BaseURL = defaultBaseURL(cfg.BaseURL, "https://api.siliconflow.cn/v1")
	case "openrouter":
		clientConfig.BaseURL = defaultBaseURL(cfg.BaseURL, "https://openrouter.ai/api/v1")
	case "ollama":
		clientConfig.BaseURL = defaultBaseURL(cfg.BaseURL, "http://localhost:11434/v1")
	case "openai":
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	default:
		// Generic fallback for any other OpenAI-compatible provider.
		slog.Info("using generic OpenAI-compatible provider", "provider", cfg.Provider)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}

	return &service{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		provider:    cfg.Provider,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
	}, nil
}

func defaultBaseURL(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func (s *service) StreamStep(ctx context.Context, messages []Message, tools []ToolDescriptor) *StepStream {
	deltaChan := make(chan string, 10)
	resultChan := make(chan *StepResult, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(deltaChan)
		defer close(resultChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
		defer cancel()

		req := openai.ChatCompletionRequest{
			Model:         s.model,
			MaxTokens:     s.maxTokens,
			Temperature:   s.temperature,
			Messages:      convertMessages(messages),
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		}
		if len(tools) > 0 {
			req.Tools = convertTools(tools)
		}

		startTime := time.Now()
		slog.Debug("llm stream step starting", "model", s.model, "messages", len(messages), "tools", len(tools))

		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			slog.Error("llm stream step failed to create", "error", err)
			sendErr(ctx, errChan, fmt.Errorf("create stream failed: %w", err))
			return
		}
		defer func() { _ = stream.Close() }()

		result := &StepResult{}
		var content strings.Builder
		var toolCalls []openai.ToolCall
		chunkCount := 0

		for {
			response, err := stream.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") {
					break
				}
				slog.Error("llm stream step receive error", "error", err, "chunks_so_far", chunkCount)
				sendErr(ctx, errChan, fmt.Errorf("stream recv failed: %w", err))
				return
			}

			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				result.Stats = &CallStats{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
					TotalTokens:      response.Usage.TotalTokens,
				}
			}

			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]

			if delta := choice.Delta.Content; delta != "" {
				chunkCount++
				content.WriteString(delta)
				select {
				case deltaChan <- delta:
				case <-ctx.Done():
					slog.Warn("llm stream step cancelled during send", "chunks", chunkCount)
					sendErr(ctx, errChan, ctx.Err())
					return
				}
			}

			if len(choice.Delta.ToolCalls) > 0 {
				toolCalls = accumulateToolCalls(toolCalls, choice.Delta.ToolCalls)
			}

			if choice.FinishReason != "" {
				result.FinishReason = string(choice.FinishReason)
			}
		}

		result.Content = content.String()
		result.ToolCalls = convertToolCallsBack(toolCalls)
		if result.Stats != nil {
			result.Stats.TotalDurationMs = time.Since(startTime).Milliseconds()
		}

		slog.Debug("llm stream step completed",
			"chunks", chunkCount,
			"tool_calls", len(result.ToolCalls),
			"finish_reason", result.FinishReason,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		resultChan <- result
	}()

	return &StepStream{Deltas: deltaChan, Result: resultChan, Err: errChan}
}

func (s *service) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startTime := time.Now()
	_, err := s.client.CreateChatCompletion(warmupCtx, openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		slog.Warn("llm warmup ping failed (service will still work, first request may be slower)",
			"provider", s.provider,
			"model", s.model,
			"error", err,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		return
	}
	slog.Info("llm connection warmed up",
		"provider", s.provider,
		"model", s.model,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

func sendErr(ctx context.Context, errChan chan<- error, err error) {
	select {
	case errChan <- err:
	case <-ctx.Done():
	}
}

// accumulateToolCalls merges streamed tool call fragments. Providers send
// the ID and name in the first fragment and stream arguments incrementally,
// keyed by index.
func accumulateToolCalls(acc []openai.ToolCall, deltas []openai.ToolCall) []openai.ToolCall {
	for _, tc := range deltas {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		for len(acc) <= idx {
			acc = append(acc, openai.ToolCall{})
		}
		cur := &acc[idx]
		if tc.ID != "" {
			cur.ID = tc.ID
		}
		if tc.Type != "" {
			cur.Type = tc.Type
		}
		cur.Function.Name += tc.Function.Name
		cur.Function.Arguments += tc.Function.Arguments
	}
	return acc
}

func convertToolCallsBack(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
	}
	return out
}

func convertTools(tools []ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		}
	}
	return out
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		cm := openai.ChatCompletionMessage{
			Content: m.Content,
		}
		switch m.Role {
		case "system":
			cm.Role = openai.ChatMessageRoleSystem
		case "assistant":
			cm.Role = openai.ChatMessageRoleAssistant
		case "tool":
			cm.Role = openai.ChatMessageRoleTool
			cm.ToolCallID = m.ToolCallID
		default:
			cm.Role = openai.ChatMessageRoleUser
		}
		if len(m.ToolCalls) > 0 {
			cm.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				cm.ToolCalls[j] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolType(tc.Type),
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			}
		}
		out[i] = cm
	}
	return out
}

// SystemPrompt creates a system message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
