// Package model defines data structures for the group chat core.
package model

// MentionUser is a conversation participant that can be @mentioned.
type MentionUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GroupMetadata describes a group conversation.
type GroupMetadata struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Members     []MentionUser `json:"members,omitempty"`
}

// Profile is the signed-in user on whose behalf messages are sent.
type Profile struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ReplyInfo is the reply target while composing. Content is a snapshot
// of the quoted text taken when the reply was started.
type ReplyInfo struct {
	MessageID string `json:"message_id"`
	UserName  string `json:"user_name"`
	Content   string `json:"content"`
}
