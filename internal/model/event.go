package model

import (
	"time"
)

// Award is an XP reward raised by a confirmed send.
type Award struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Amount         int       `json:"amount"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
