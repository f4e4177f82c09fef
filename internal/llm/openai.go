package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when the prompt names no model.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient is the OpenAI LLM client.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, ErrMissingKey
	}
	return &OpenAIClient{client: openai.NewClient(apiKey)}, nil
}

// NewOpenAIClientWithConfig creates a client for an OpenAI-compatible
// endpoint, such as a local proxy.
func NewOpenAIClientWithConfig(cfg openai.ClientConfig) *OpenAIClient {
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) Name() string { return string(ProviderOpenAI) }

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, p Prompt) (*Answer, error) {
	p = p.withDefaults(DefaultOpenAIModel)

	return traced(ctx, ProviderOpenAI, p, func(ctx context.Context) (*Answer, error) {
		var messages []openai.ChatCompletionMessage
		if p.System != "" {
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.Input})

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       p.Model,
			Messages:    messages,
			MaxTokens:   p.MaxTokens,
			Temperature: 0,
		})
		if err != nil {
			return nil, err
		}

		ans := &Answer{
			Model:     resp.Model,
			TokensIn:  resp.Usage.PromptTokens,
			TokensOut: resp.Usage.CompletionTokens,
		}
		if len(resp.Choices) > 0 {
			ans.Text = resp.Choices[0].Message.Content
		}
		return ans, nil
	})
}
