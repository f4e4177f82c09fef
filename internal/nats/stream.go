package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the name of the chat stream.
	StreamName = "GROUPCHAT"

	// SubjectPrefix is the prefix for all chat subjects.
	SubjectPrefix = "chat"

	// GroupsBucket holds group metadata keyed by conversation id.
	GroupsBucket = "groupchat_groups"
	// ProfilesBucket holds user profiles keyed by user id.
	ProfilesBucket = "groupchat_profiles"
)

// ErrInvalidToken is returned for ids that cannot be used as a subject token.
var ErrInvalidToken = errors.New("invalid subject token")

// StreamManager handles JetStream stream and bucket setup.
type StreamManager struct {
	client *Client
	maxAge time.Duration
}

// NewStreamManager creates a new stream manager. maxAge bounds message
// retention; zero keeps messages for a year.
func NewStreamManager(client *Client, maxAge time.Duration) *StreamManager {
	if maxAge <= 0 {
		maxAge = 365 * 24 * time.Hour
	}
	return &StreamManager{client: client, maxAge: maxAge}
}

// EnsureStream ensures the chat stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.maxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		DenyDelete:  true,
		Description: "Group chat messages and XP awards",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	m.client.logger.Info("created JetStream stream")
	return nil
}

// Check reports whether the stream and both buckets are reachable.
func (m *StreamManager) Check(ctx context.Context) error {
	if !m.client.IsConnected() {
		return errors.New("NATS not connected")
	}
	js := m.client.JetStream()
	if _, err := js.Stream(ctx, StreamName); err != nil {
		return fmt.Errorf("stream %s: %w", StreamName, err)
	}
	for _, bucket := range []string{GroupsBucket, ProfilesBucket} {
		if _, err := js.KeyValue(ctx, bucket); err != nil {
			return fmt.Errorf("bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// EnsureBuckets ensures the group and profile KV buckets exist.
func (m *StreamManager) EnsureBuckets(ctx context.Context) error {
	js := m.client.JetStream()

	for _, bucket := range []string{GroupsBucket, ProfilesBucket} {
		if _, err := js.KeyValue(ctx, bucket); err == nil {
			continue
		} else if !errors.Is(err, jetstream.ErrBucketNotFound) {
			return fmt.Errorf("failed to look up bucket %s: %w", bucket, err)
		}

		_, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			Storage: jetstream.FileStorage,
		})
		if err != nil && !errors.Is(err, jetstream.ErrBucketExists) {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// ValidToken reports whether s can be used as a single subject token.
func ValidToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// MessageSubject returns the subject messages of a conversation are
// published on.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.msg.%s", SubjectPrefix, conversationID)
}

// AwardSubject returns the subject XP awards of a user are published on.
func AwardSubject(userID string) string {
	return fmt.Sprintf("%s.xp.%s", SubjectPrefix, userID)
}

func checkTokens(ids ...string) error {
	for _, id := range ids {
		if !ValidToken(id) {
			return fmt.Errorf("%w: %q", ErrInvalidToken, id)
		}
	}
	return nil
}

func decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return v, nil
}
