// Package reward maps outgoing message content to an XP reward.
package reward

import (
	"strings"

	"github.com/studyhub/groupchat/internal/model"
)

// Content markers embedded by the study tool UIs.
const (
	MarkerFlashcard = "**Flashcard**"
	MarkerPoll      = "**Poll**"
	MarkerSchedule  = "**Schedule**"
	MarkerResource  = "**Resource**"
)

// Reward is the XP granted for one confirmed send.
type Reward struct {
	Type   model.MessageType `json:"type"`
	Amount int               `json:"amount"`
	Reason string            `json:"reason"`
}

type rule struct {
	marker string
	reward Reward
}

// rules are checked in order; the first marker found wins.
var rules = []rule{
	{MarkerFlashcard, Reward{model.MessageTypeFlashcard, 15, "Shared a flashcard"}},
	{MarkerPoll, Reward{model.MessageTypePoll, 10, "Created a poll"}},
	{MarkerSchedule, Reward{model.MessageTypeSchedule, 10, "Scheduled a study session"}},
	{MarkerResource, Reward{model.MessageTypeResource, 10, "Shared a resource"}},
}

// Message is the reward for a plain message with no tool marker.
var Message = Reward{Type: model.MessageTypeGeneral, Amount: 2, Reason: "Sent a message"}

// ForContent returns the reward for content. Precedence is flashcard,
// poll, schedule, resource, then plain message; a message carrying two
// markers is rewarded only for the first in that order.
func ForContent(content string) Reward {
	for _, r := range rules {
		if strings.Contains(content, r.marker) {
			return r.reward
		}
	}
	return Message
}

// TypeForContent returns the message type implied by the highest
// precedence marker in content.
func TypeForContent(content string) model.MessageType {
	return ForContent(content).Type
}
