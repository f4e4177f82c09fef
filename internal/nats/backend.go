package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/studyhub/groupchat/internal/backend"
	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/pkg/logger"
)

const (
	defaultHistoryLimit = 500
	fetchBatch          = 100
	fetchWait           = time.Second
)

// Backend is a backend.Backend and backend.RewardSink on JetStream.
type Backend struct {
	client       *Client
	logger       *logger.Logger
	historyLimit int
	now          func() time.Time
}

// NewBackend creates a backend. historyLimit caps the messages returned by
// FetchHistory; zero uses the default.
func NewBackend(client *Client, historyLimit int) *Backend {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Backend{
		client:       client,
		logger:       client.logger.Named("backend"),
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// FetchHistory reads the conversation from the start of the stream with
// an ordered consumer and returns the most recent historyLimit messages.
func (b *Backend) FetchHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	if err := checkTokens(conversationID); err != nil {
		return nil, err
	}

	cons, err := b.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{MessageSubject(conversationID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create history consumer: %w", err)
	}

	var messages []model.ChatMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := cons.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch history: %w", err)
		}

		var (
			received int
			pending  uint64
		)
		for msg := range batch.Messages() {
			received++
			if meta, err := msg.Metadata(); err == nil {
				pending = meta.NumPending
			}
			m, err := b.decodeMessage(msg)
			if err != nil {
				b.logger.Warn("skipping undecodable message",
					zap.String("conversation_id", conversationID),
					zap.Error(err),
				)
				continue
			}
			messages = append(messages, m)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("history batch error: %w", err)
		}
		if received == 0 || pending == 0 {
			break
		}
	}

	if len(messages) > b.historyLimit {
		messages = messages[len(messages)-b.historyLimit:]
	}
	return messages, nil
}

// SendMessage publishes a message and returns it as stored.
func (b *Backend) SendMessage(ctx context.Context, out backend.OutgoingMessage) (*model.ChatMessage, error) {
	if err := checkTokens(out.ConversationID); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	msg := model.ChatMessage{
		ID:             id.String(),
		ConversationID: out.ConversationID,
		AuthorID:       out.AuthorID,
		AuthorName:     out.AuthorName,
		AuthorAvatar:   out.AuthorAvatar,
		Content:        out.Content,
		CreatedAt:      b.now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := b.client.JetStream().Publish(ctx, MessageSubject(out.ConversationID), data, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	msg.Sequence = ack.Sequence

	return &msg, nil
}

// Subscribe delivers new messages of conversationID until the returned
// disposer is called. The subscription outlives ctx.
func (b *Backend) Subscribe(ctx context.Context, conversationID string, onMessage func(model.ChatMessage)) (backend.Disposer, error) {
	if err := checkTokens(conversationID); err != nil {
		return nil, err
	}

	cons, err := b.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{MessageSubject(conversationID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create live consumer: %w", err)
	}

	log := b.logger.With(zap.String("conversation_id", conversationID))
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		m, err := b.decodeMessage(msg)
		if err != nil {
			log.Warn("skipping undecodable message", zap.Error(err))
			return
		}
		onMessage(m)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		log.Warn("live feed error", zap.Error(err))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	return func() { cc.Stop() }, nil
}

// GetGroupInfo reads group metadata from the groups bucket.
func (b *Backend) GetGroupInfo(ctx context.Context, conversationID string) (*model.GroupMetadata, error) {
	if err := checkTokens(conversationID); err != nil {
		return nil, err
	}
	g, err := getJSON[model.GroupMetadata](ctx, b.client.JetStream(), GroupsBucket, conversationID)
	if err != nil {
		return nil, err
	}
	if g.ID == "" {
		g.ID = conversationID
	}
	return &g, nil
}

// PutGroup stores group metadata.
func (b *Backend) PutGroup(ctx context.Context, g model.GroupMetadata) error {
	if err := checkTokens(g.ID); err != nil {
		return err
	}
	return putJSON(ctx, b.client.JetStream(), GroupsBucket, g.ID, g)
}

// GetProfile reads a profile from the profiles bucket.
func (b *Backend) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	if err := checkTokens(userID); err != nil {
		return nil, err
	}
	p, err := getJSON[model.Profile](ctx, b.client.JetStream(), ProfilesBucket, userID)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = userID
	}
	return &p, nil
}

// PutProfile stores a profile.
func (b *Backend) PutProfile(ctx context.Context, p model.Profile) error {
	if err := checkTokens(p.ID); err != nil {
		return err
	}
	return putJSON(ctx, b.client.JetStream(), ProfilesBucket, p.ID, p)
}

// Award publishes an XP award. Awards for the same message are
// deduplicated by the stream.
func (b *Backend) Award(ctx context.Context, award model.Award) error {
	if err := checkTokens(award.UserID); err != nil {
		return err
	}

	data, err := json.Marshal(award)
	if err != nil {
		return fmt.Errorf("failed to marshal award: %w", err)
	}

	if _, err := b.client.JetStream().Publish(ctx, AwardSubject(award.UserID), data, jetstream.WithMsgID("xp-"+award.MessageID)); err != nil {
		return fmt.Errorf("failed to publish award: %w", err)
	}
	return nil
}

func (b *Backend) decodeMessage(msg jetstream.Msg) (model.ChatMessage, error) {
	var seq uint64
	if meta, err := msg.Metadata(); err == nil {
		seq = meta.Sequence.Stream
	}
	return decodeChatMessage(msg.Data(), seq)
}

func decodeChatMessage(data []byte, seq uint64) (model.ChatMessage, error) {
	m, err := decode[model.ChatMessage](data)
	if err != nil {
		return m, err
	}
	if m.ID == "" {
		return m, errors.New("message has no id")
	}
	m.Pending = false
	if seq != 0 {
		m.Sequence = seq
	}
	return m, nil
}

func getJSON[T any](ctx context.Context, js jetstream.JetStream, bucket, key string) (T, error) {
	var zero T
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		return zero, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}
	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return zero, backend.ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}
	return decode[T](entry.Value())
}

func putJSON(ctx context.Context, js jetstream.JetStream, bucket, key string, v any) error {
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, key, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", bucket, key, err)
	}
	return nil
}
