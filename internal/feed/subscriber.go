// Package feed keeps at most one live message subscription open.
package feed

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/studyhub/groupchat/internal/backend"
	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/pkg/logger"
	"github.com/studyhub/groupchat/pkg/metrics"
)

// Source opens live subscriptions.
type Source interface {
	Subscribe(ctx context.Context, conversationID string, onMessage func(model.ChatMessage)) (backend.Disposer, error)
}

// Subscriber owns the single live feed of one session.
type Subscriber struct {
	source Source
	logger *logger.Logger

	mu             sync.Mutex
	conversationID string
	dispose        func()
}

// NewSubscriber creates a subscriber backed by source.
func NewSubscriber(source Source, log *logger.Logger) *Subscriber {
	return &Subscriber{
		source: source,
		logger: log,
	}
}

// Open disposes the current feed, if any, and then subscribes to
// conversationID. On error no feed is left open.
func (s *Subscriber) Open(ctx context.Context, conversationID string, onMessage func(model.ChatMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	d, err := s.source.Subscribe(ctx, conversationID, onMessage)
	if err != nil {
		metrics.FeedErrorsTotal.Inc()
		s.logger.Warn("live feed unavailable, keeping last loaded messages",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to subscribe to %s: %w", conversationID, err)
	}

	var once sync.Once
	s.dispose = func() {
		once.Do(func() {
			if d != nil {
				d()
			}
			metrics.FeedsActive.Dec()
		})
	}
	s.conversationID = conversationID
	metrics.FeedsActive.Inc()

	s.logger.Debug("live feed opened", zap.String("conversation_id", conversationID))
	return nil
}

// Close disposes the active feed. It is safe to call repeatedly.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscriber) closeLocked() {
	if s.dispose == nil {
		return
	}
	s.dispose()
	s.logger.Debug("live feed closed", zap.String("conversation_id", s.conversationID))
	s.dispose = nil
	s.conversationID = ""
}

// ConversationID returns the conversation of the open feed, or "".
func (s *Subscriber) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}
