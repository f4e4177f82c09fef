package reward

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/studyhub/groupchat/internal/model"
)

func TestForContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    model.MessageType
		amount  int
	}{
		{"plain", "see you at the library", model.MessageTypeGeneral, 2},
		{"flashcard", "📚 **Flashcard**\nQ: mitosis?", model.MessageTypeFlashcard, 15},
		{"poll", "📊 **Poll** which day?", model.MessageTypePoll, 10},
		{"schedule", "📅 **Schedule** Tue 5pm", model.MessageTypeSchedule, 10},
		{"resource", "🔗 **Resource** notes.pdf", model.MessageTypeResource, 10},
		{"flashcard beats poll", "**Poll** then **Flashcard**", model.MessageTypeFlashcard, 15},
		{"poll beats schedule", "**Schedule** **Poll**", model.MessageTypePoll, 10},
		{"schedule beats resource", "**Resource** **Schedule**", model.MessageTypeSchedule, 10},
		{"marker must be exact", "*Flashcard* and flashcard", model.MessageTypeGeneral, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ForContent(tt.content)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, tt.amount, got.Amount)
			assert.NotEmpty(t, got.Reason)
			assert.Equal(t, tt.want, TypeForContent(tt.content))
		})
	}
}
