// Package llm wraps the hosted model APIs used to label chat messages.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/studyhub/groupchat/pkg/tracing"
)

// ErrMissingKey is returned when a provider is built without an API key.
var ErrMissingKey = errors.New("llm: API key is required")

// defaultMaxTokens fits a single-word answer.
const defaultMaxTokens = 16

// Prompt is one short, deterministic question to a model.
type Prompt struct {
	Model string
	// System carries the instructions; Input is the text to judge.
	System    string
	Input     string
	MaxTokens int
}

// Answer is the model's reply to a Prompt.
type Answer struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
	Latency   time.Duration
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends p and returns the model's answer.
	Complete(ctx context.Context, p Prompt) (*Answer, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrMissingKey)
	}
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

func (p Prompt) withDefaults(model string) Prompt {
	if p.Model == "" {
		p.Model = model
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = defaultMaxTokens
	}
	return p
}

// traced runs call inside a span and stamps the answer's latency.
func traced(ctx context.Context, provider Provider, p Prompt, call func(context.Context) (*Answer, error)) (*Answer, error) {
	ctx, span := tracing.Tracer().Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", string(provider)),
		attribute.String("llm.model", p.Model),
	)

	start := time.Now()
	ans, err := call(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ans.Latency = time.Since(start)
	span.SetAttributes(
		attribute.Int("llm.tokens_in", ans.TokensIn),
		attribute.Int("llm.tokens_out", ans.TokensOut),
	)
	return ans, nil
}
