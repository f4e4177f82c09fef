package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/studyhub/groupchat/internal/llm"
	"github.com/studyhub/groupchat/internal/model"
)

const classifyPrompt = `You label messages from a study group chat.
Answer with exactly one word: flashcard, poll, schedule, resource or general.`

// LLMClassifier asks a language model for the message type.
type LLMClassifier struct {
	client llm.Client
	model  string
}

// NewLLMClassifier creates a classifier backed by client. An empty model
// uses the provider default.
func NewLLMClassifier(client llm.Client, model string) *LLMClassifier {
	return &LLMClassifier{client: client, model: model}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, content string) (Result, error) {
	ans, err := c.client.Complete(ctx, llm.Prompt{
		Model:     c.model,
		System:    classifyPrompt,
		Input:     content,
		MaxTokens: 8,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s completion failed: %w", c.client.Name(), err)
	}

	label := strings.ToLower(strings.Trim(strings.TrimSpace(ans.Text), ".!\"'`*"))
	t := model.ParseMessageType(label)
	if t == model.MessageTypeGeneral && label != string(model.MessageTypeGeneral) {
		return Result{Success: false, Type: model.MessageTypeGeneral}, nil
	}
	return Result{Success: true, Type: t}, nil
}
