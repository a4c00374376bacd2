// Package synth turns natural-language automation descriptions into agent
// artifacts. A chain of models produces candidate code; the safety gate and
// parser decide whether a candidate is acceptable, and rejections feed back
// into a bounded repair loop.
package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// Model is one text-completion backend.
type Model interface {
	// Name identifies the backend in logs ("anthropic/claude-...").
	Name() string

	// Complete returns the model's reply to a system + user prompt pair.
	Complete(ctx context.Context, system, user string) (string, error)
}

const defaultMaxTokens = 4096

// AnthropicModel adapts the Anthropic Messages API to Model.
type AnthropicModel struct {
	client anthropic.Client
	model  string
}

// NewAnthropicModel builds an Anthropic-backed model. A non-empty baseURL
// replaces the default API endpoint.
func NewAnthropicModel(apiKey, model, baseURL string) *AnthropicModel {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicModel{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

func (m *AnthropicModel) Name() string {
	return "anthropic/" + m.model
}

func (m *AnthropicModel) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: defaultMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic: empty completion")
	}
	return sb.String(), nil
}

// OpenAIModel adapts the OpenAI Chat Completions API to Model.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

// NewOpenAIModel builds an OpenAI-backed model. A non-empty baseURL
// replaces the default API endpoint.
func NewOpenAIModel(apiKey, model, baseURL string) *OpenAIModel {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIModel{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (m *OpenAIModel) Name() string {
	return "openai/" + m.model
}

func (m *OpenAIModel) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     m.model,
		MaxTokens: defaultMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// timeoutModel wraps a Model with a per-call deadline.
type timeoutModel struct {
	Model
	timeout time.Duration
}

func (m timeoutModel) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.Model.Complete(ctx, system, user)
}

// WithTimeout bounds every Complete call on the wrapped model.
func WithTimeout(m Model, d time.Duration) Model {
	if d <= 0 {
		return m
	}
	return timeoutModel{Model: m, timeout: d}
}
