package model

import (
	"time"
)

// MessageType is the inferred semantic category of a chat message.
type MessageType string

const (
	MessageTypeGeneral   MessageType = "general"
	MessageTypeFlashcard MessageType = "flashcard"
	MessageTypePoll      MessageType = "poll"
	MessageTypeSchedule  MessageType = "schedule"
	MessageTypeResource  MessageType = "resource"
)

// ParseMessageType maps a free-form label onto a known MessageType.
// Unknown labels resolve to MessageTypeGeneral.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageTypeFlashcard, MessageTypePoll, MessageTypeSchedule, MessageTypeResource:
		return MessageType(s)
	default:
		return MessageTypeGeneral
	}
}

// ChatMessage represents a group chat message.
type ChatMessage struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Author
	AuthorID     string `json:"author_id"`
	AuthorName   string `json:"author_name"`
	AuthorAvatar string `json:"author_avatar,omitempty"`

	// Content may embed a reply-quote prefix and tool markers such as **Flashcard**.
	Content string `json:"content"`

	CreatedAt time.Time `json:"created_at"`

	// Pending is set only on local optimistic entries awaiting confirmation.
	Pending bool `json:"pending,omitempty"`

	// JetStream Metadata (populated on read)
	Sequence uint64 `json:"sequence,omitempty"`
}

// ClassifiedMessage pairs a message with its classification, if any.
type ClassifiedMessage struct {
	ChatMessage
	Type MessageType `json:"type,omitempty"`
}
