// Package backend declares the collaborators the chat core depends on.
// The core treats them as opaque; internal/nats provides one adapter.
package backend

import (
	"context"
	"errors"

	"github.com/studyhub/groupchat/internal/model"
)

// ErrNotFound is returned when a conversation, group or profile is unknown.
var ErrNotFound = errors.New("not found")

// Disposer tears down a live subscription. Calling it more than once must
// be safe.
type Disposer func()

// OutgoingMessage is what the core asks the backend to publish.
type OutgoingMessage struct {
	ConversationID string
	AuthorID       string
	AuthorName     string
	AuthorAvatar   string
	Content        string
}

// Backend is the chat service the core reads from and writes to.
type Backend interface {
	// FetchHistory returns the conversation's messages, oldest first.
	FetchHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error)

	// SendMessage publishes a message and returns the confirmed record.
	SendMessage(ctx context.Context, msg OutgoingMessage) (*model.ChatMessage, error)

	// Subscribe delivers newly published messages at least once until the
	// returned Disposer is called.
	Subscribe(ctx context.Context, conversationID string, onMessage func(model.ChatMessage)) (Disposer, error)

	// GetGroupInfo returns the conversation's metadata and members.
	GetGroupInfo(ctx context.Context, conversationID string) (*model.GroupMetadata, error)
}

// ProfileSource returns the signed-in user, or ErrNotFound.
type ProfileSource interface {
	GetProfile(ctx context.Context) (*model.Profile, error)
}

// ProfileFunc adapts a function to ProfileSource.
type ProfileFunc func(ctx context.Context) (*model.Profile, error)

// GetProfile implements ProfileSource.
func (f ProfileFunc) GetProfile(ctx context.Context) (*model.Profile, error) {
	return f(ctx)
}

// StaticProfile returns a ProfileSource that always yields p.
func StaticProfile(p model.Profile) ProfileSource {
	return ProfileFunc(func(context.Context) (*model.Profile, error) {
		return &p, nil
	})
}

// RewardSink receives XP awards.
type RewardSink interface {
	Award(ctx context.Context, award model.Award) error
}

// RewardFunc adapts a function to RewardSink.
type RewardFunc func(ctx context.Context, award model.Award) error

// Award implements RewardSink.
func (f RewardFunc) Award(ctx context.Context, award model.Award) error {
	return f(ctx, award)
}
