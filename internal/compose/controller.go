// Package compose owns the draft, the reply target and the send flow of
// one conversation session.
package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/studyhub/groupchat/internal/backend"
	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/internal/reward"
	"github.com/studyhub/groupchat/pkg/logger"
	"github.com/studyhub/groupchat/pkg/metrics"
	"github.com/studyhub/groupchat/pkg/tracing"
)

// TempIDPrefix marks ids of optimistic entries.
const TempIDPrefix = "temp-"

var (
	// ErrEmptyDraft is returned when the draft is blank.
	ErrEmptyDraft = errors.New("draft is empty")
	// ErrSendInFlight is returned while a previous send is unresolved.
	ErrSendInFlight = errors.New("a send is already in flight")
	// ErrNoSession is returned without an active profile or conversation.
	ErrNoSession = errors.New("no active profile or conversation")
	// ErrNoFailedSend is returned by Retry when nothing failed.
	ErrNoFailedSend = errors.New("no failed send to retry")
	// ErrNotConfirmed is returned when the backend accepted a send but
	// returned no message.
	ErrNotConfirmed = errors.New("send was not confirmed")
)

// Status is the send state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSending Status = "sending"
)

// SendError is a failed send. It keeps the draft and reply target so the
// user can retry instead of losing what they typed.
type SendError struct {
	Draft string           `json:"draft"`
	Reply *model.ReplyInfo `json:"reply,omitempty"`
	Err   error            `json:"-"`
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Sender publishes outgoing messages.
type Sender interface {
	SendMessage(ctx context.Context, msg backend.OutgoingMessage) (*model.ChatMessage, error)
}

// Store is the part of the message store the controller writes to.
type Store interface {
	Append(msg model.ChatMessage) bool
	ReplaceOptimistic(tempID string, confirmed model.ChatMessage)
	Remove(id string) bool
}

// Config wires a Controller.
type Config struct {
	ConversationID string
	Profile        *model.Profile
	Sender         Sender
	Store          Store
	// Rewards receives the XP award of each confirmed send. Optional.
	Rewards backend.RewardSink
	// Current reports whether the owning session is still active. Results
	// of sends that resolve afterwards are not written to Store.
	Current func() bool
	// OnConfirmed runs after a confirmed message is reconciled.
	OnConfirmed func(model.ChatMessage)
	Logger      *logger.Logger
	Now         func() time.Time
}

// Result is a confirmed send.
type Result struct {
	Message model.ChatMessage `json:"message"`
	Reward  reward.Reward     `json:"reward"`
}

// Controller drives the idle → sending → confirmed|failed → idle cycle.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	draft  string
	reply  *model.ReplyInfo
	status Status
	failed *SendError
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Current == nil {
		cfg.Current = func() bool { return true }
	}
	return &Controller{cfg: cfg, status: StatusIdle}
}

// SetDraft replaces the draft text.
func (c *Controller) SetDraft(value string) {
	c.mu.Lock()
	c.draft = value
	c.mu.Unlock()
}

// Draft returns the draft text.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetReply starts replying to msg, snapshotting its body.
func (c *Controller) SetReply(msg model.ChatMessage) model.ReplyInfo {
	info := model.ReplyInfo{
		MessageID: msg.ID,
		UserName:  msg.AuthorName,
		Content:   Body(msg.Content),
	}

	c.mu.Lock()
	c.reply = &info
	c.mu.Unlock()

	return info
}

// Reply returns the reply target, or nil.
func (c *Controller) Reply() *model.ReplyInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reply == nil {
		return nil
	}
	cp := *c.reply
	return &cp
}

// CancelReply clears the reply target.
func (c *Controller) CancelReply() {
	c.mu.Lock()
	c.reply = nil
	c.mu.Unlock()
}

// Status returns the send state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Failed returns the last failed send, or nil.
func (c *Controller) Failed() *SendError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Send publishes the draft. The draft and reply target are cleared before
// the backend call returns; on failure they move to the failed slot.
func (c *Controller) Send(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.status == StatusSending {
		c.mu.Unlock()
		return nil, ErrSendInFlight
	}
	if strings.TrimSpace(c.draft) == "" {
		c.mu.Unlock()
		return nil, ErrEmptyDraft
	}
	if c.cfg.Profile == nil || c.cfg.ConversationID == "" {
		c.mu.Unlock()
		return nil, ErrNoSession
	}

	draft, reply := c.draft, c.reply
	c.draft = ""
	c.reply = nil
	c.failed = nil
	c.status = StatusSending
	c.mu.Unlock()

	return c.deliver(ctx, draft, reply)
}

// Retry re-sends the failed slot without touching the current draft.
func (c *Controller) Retry(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.status == StatusSending {
		c.mu.Unlock()
		return nil, ErrSendInFlight
	}
	if c.failed == nil {
		c.mu.Unlock()
		return nil, ErrNoFailedSend
	}
	if c.cfg.Profile == nil || c.cfg.ConversationID == "" {
		c.mu.Unlock()
		return nil, ErrNoSession
	}

	draft, reply := c.failed.Draft, c.failed.Reply
	c.failed = nil
	c.status = StatusSending
	c.mu.Unlock()

	return c.deliver(ctx, draft, reply)
}

// RestoreFailed moves the failed slot back into the draft and reply
// target. It reports whether there was anything to restore.
func (c *Controller) RestoreFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed == nil {
		return false
	}
	c.draft = c.failed.Draft
	c.reply = c.failed.Reply
	c.failed = nil
	return true
}

// DiscardFailed drops the failed slot.
func (c *Controller) DiscardFailed() {
	c.mu.Lock()
	c.failed = nil
	c.mu.Unlock()
}

func (c *Controller) deliver(ctx context.Context, draft string, reply *model.ReplyInfo) (*Result, error) {
	profile := c.cfg.Profile
	content := BuildContent(draft, reply)
	// Quoted text belongs to someone else and earns nothing.
	rw := reward.ForContent(draft)

	ctx, span := tracing.Tracer().Start(ctx, "compose.send")
	span.SetAttributes(
		attribute.String("conversation.id", c.cfg.ConversationID),
		attribute.String("reward.type", string(rw.Type)),
	)
	defer span.End()

	tempID := TempIDPrefix + uuid.NewString()
	c.cfg.Store.Append(model.ChatMessage{
		ID:             tempID,
		ConversationID: c.cfg.ConversationID,
		AuthorID:       profile.ID,
		AuthorName:     profile.FullName,
		AuthorAvatar:   profile.AvatarURL,
		Content:        content,
		CreatedAt:      c.cfg.Now(),
		Pending:        true,
	})

	start := time.Now()
	confirmed, err := c.cfg.Sender.SendMessage(ctx, backend.OutgoingMessage{
		ConversationID: c.cfg.ConversationID,
		AuthorID:       profile.ID,
		AuthorName:     profile.FullName,
		AuthorAvatar:   profile.AvatarURL,
		Content:        content,
	})
	if err == nil && confirmed == nil {
		err = ErrNotConfirmed
	}
	elapsed := time.Since(start).Seconds()

	if err != nil {
		metrics.RecordSend("failed", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if c.cfg.Current() {
			c.cfg.Store.Remove(tempID)
		}
		sendErr := &SendError{Draft: draft, Reply: reply, Err: err}

		c.mu.Lock()
		c.failed = sendErr
		c.status = StatusIdle
		c.mu.Unlock()

		c.cfg.Logger.Warn("send failed, draft kept for retry",
			zap.String("conversation_id", c.cfg.ConversationID),
			zap.Error(err),
		)
		return nil, sendErr
	}

	metrics.RecordSend("confirmed", elapsed)
	if c.cfg.Current() {
		c.cfg.Store.ReplaceOptimistic(tempID, *confirmed)
		if c.cfg.OnConfirmed != nil {
			c.cfg.OnConfirmed(*confirmed)
		}
	}

	c.award(ctx, *confirmed, rw)

	c.mu.Lock()
	c.status = StatusIdle
	c.mu.Unlock()

	return &Result{Message: *confirmed, Reward: rw}, nil
}

func (c *Controller) award(ctx context.Context, msg model.ChatMessage, rw reward.Reward) {
	if c.cfg.Rewards == nil {
		return
	}

	err := c.cfg.Rewards.Award(ctx, model.Award{
		UserID:         c.cfg.Profile.ID,
		ConversationID: c.cfg.ConversationID,
		MessageID:      msg.ID,
		Amount:         rw.Amount,
		Reason:         rw.Reason,
		CreatedAt:      c.cfg.Now(),
	})
	if err != nil {
		c.cfg.Logger.Warn("failed to award XP",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordReward(rw.Reason, rw.Amount)
}
