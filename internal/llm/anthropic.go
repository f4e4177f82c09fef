package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is small and fast enough for one-word labels.
const DefaultAnthropicModel = "claude-3-5-haiku-20241022"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, opts ...option.RequestOption) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, ErrMissingKey
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClient{client: anthropic.NewClient(opts...)}, nil
}

func (c *AnthropicClient) Name() string { return string(ProviderAnthropic) }

// Complete implements Client. The instructions go in the system field and
// temperature is pinned to zero.
func (c *AnthropicClient) Complete(ctx context.Context, p Prompt) (*Answer, error) {
	p = p.withDefaults(DefaultAnthropicModel)

	return traced(ctx, ProviderAnthropic, p, func(ctx context.Context) (*Answer, error) {
		params := anthropic.MessageNewParams{
			Model:       anthropic.F(p.Model),
			MaxTokens:   anthropic.F(int64(p.MaxTokens)),
			Temperature: anthropic.F(0.0),
			Messages: anthropic.F([]anthropic.MessageParam{{
				Role:    anthropic.F(anthropic.MessageParamRoleUser),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{textBlock(p.Input)}),
			}}),
		}
		if p.System != "" {
			params.System = anthropic.F([]anthropic.TextBlockParam{textBlock(p.System)})
		}

		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return nil, err
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == anthropic.ContentBlockTypeText {
				text.WriteString(block.Text)
			}
		}
		return &Answer{
			Text:      text.String(),
			Model:     resp.Model,
			TokensIn:  int(resp.Usage.InputTokens),
			TokensOut: int(resp.Usage.OutputTokens),
		}, nil
	})
}

func textBlock(text string) anthropic.TextBlockParam {
	return anthropic.TextBlockParam{
		Type: anthropic.F(anthropic.TextBlockParamTypeText),
		Text: anthropic.F(text),
	}
}
