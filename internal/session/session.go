// Package session runs one open group conversation: history load, live
// feed, mentions, compose and classification.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/studyhub/groupchat/internal/backend"
	"github.com/studyhub/groupchat/internal/classify"
	"github.com/studyhub/groupchat/internal/compose"
	"github.com/studyhub/groupchat/internal/feed"
	"github.com/studyhub/groupchat/internal/mention"
	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/internal/store"
	"github.com/studyhub/groupchat/pkg/logger"
	"github.com/studyhub/groupchat/pkg/metrics"
)

var (
	// ErrNoConversation is returned when no conversation is open.
	ErrNoConversation = errors.New("no conversation open")
	// ErrSuperseded is returned by Open when another Open or Close won.
	ErrSuperseded = errors.New("conversation switched while loading")
	// ErrUnknownMember is returned when selecting a user outside the group.
	ErrUnknownMember = errors.New("unknown group member")
	// ErrUnknownMessage is returned when replying to a missing message.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNoMention is returned by SelectMention without an open "@" query.
	ErrNoMention = errors.New("no mention in progress")
)

// Deps are the collaborators of a Session.
type Deps struct {
	Backend    backend.Backend
	Profile    backend.ProfileSource
	Classifier classify.Classifier
	// Rewards receives XP awards. Optional.
	Rewards backend.RewardSink
	// OnClassified is called once per newly classified message. Optional.
	OnClassified classify.Hook
	Logger       *logger.Logger

	ClassifyConcurrency int64
	ClassifyTimeout     time.Duration
	MentionLimit        int
}

// Event is a store change tagged with its conversation.
type Event struct {
	ConversationID string       `json:"conversation_id"`
	Change         store.Change `json:"change"`
}

// conversation is the state of one Open, discarded on switch.
type conversation struct {
	gen        uint64
	id         string
	profile    *model.Profile
	group      *model.GroupMetadata
	store      *store.MessageStore
	compose    *compose.Controller
	dispatcher *classify.Dispatcher
	stopListen func()
	warnings   []string
}

// Session owns the state of the conversation currently on screen. Opening
// another conversation tears the previous one down first.
type Session struct {
	deps     Deps
	logger   *logger.Logger
	feed     *feed.Subscriber
	mentions *mention.Engine

	// openMu serializes Open and Close.
	openMu sync.Mutex
	gen    atomic.Uint64

	mu  sync.RWMutex
	cur *conversation

	listenersMu sync.RWMutex
	listeners   map[int]func(Event)
	nextID      int
}

// New creates a session with nothing open.
func New(deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.MarkerClassifier{}
	}

	s := &Session{
		deps:      deps,
		logger:    deps.Logger,
		feed:      feed.NewSubscriber(deps.Backend, deps.Logger),
		listeners: make(map[int]func(Event)),
	}
	s.mentions = mention.NewEngine(
		mention.WithCandidateLimit(deps.MentionLimit),
		mention.WithCallback(func(u model.MentionUser) {
			s.logger.Debug("user mentioned", zap.String("mentioned_id", u.ID))
		}),
	)
	return s
}

func (s *Session) isCurrent(gen uint64) func() bool {
	return func() bool { return s.gen.Load() == gen }
}

// Open switches the session to conversationID. The previous live feed is
// disposed before the new one is opened. Load failures degrade the session
// instead of failing Open; they are listed in View.Warnings.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	gen := s.gen.Add(1)
	s.teardown()
	s.mentions.Reset()

	log := s.logger.WithConversation(conversationID)
	c := &conversation{gen: gen, id: conversationID, store: store.New()}

	var (
		profile *model.Profile
		group   *model.GroupMetadata
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.deps.Profile.GetProfile(gctx)
		if err != nil {
			log.Warn("profile unavailable, sending disabled", zap.Error(err))
			return nil
		}
		profile = p
		return nil
	})
	g.Go(func() error {
		gm, err := s.deps.Backend.GetGroupInfo(gctx, conversationID)
		if err != nil {
			log.Warn("group info unavailable", zap.Error(err))
			return nil
		}
		group = gm
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	c.profile, c.group = profile, group
	if profile == nil {
		c.warnings = append(c.warnings, "profile unavailable")
	}
	if group == nil {
		c.warnings = append(c.warnings, "group info unavailable")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.gen.Load() != gen {
		return ErrSuperseded
	}

	current := s.isCurrent(gen)
	c.dispatcher = classify.NewDispatcher(bodyOnly(s.deps.Classifier), c.store, log,
		classify.WithConcurrency(s.deps.ClassifyConcurrency),
		classify.WithTimeout(s.deps.ClassifyTimeout),
		classify.WithGuard(current),
		classify.WithHook(s.deps.OnClassified),
	)
	c.compose = compose.New(compose.Config{
		ConversationID: conversationID,
		Profile:        c.profile,
		Sender:         s.deps.Backend,
		Store:          c.store,
		Rewards:        s.deps.Rewards,
		Current:        current,
		OnConfirmed: func(m model.ChatMessage) {
			c.dispatcher.Dispatch(m)
		},
		Logger: log,
	})
	c.stopListen = c.store.Listen(func(ch store.Change) {
		switch ch.Kind {
		case store.ChangeAppend, store.ChangeReplace, store.ChangeReset:
			c.dispatcher.Sweep(c.store.Unclassified())
		}
		s.emit(Event{ConversationID: conversationID, Change: ch})
	})

	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
	metrics.SessionsActive.Inc()
	s.emit(Event{ConversationID: conversationID, Change: store.Change{Kind: store.ChangeReset}})

	if err := s.feed.Open(ctx, conversationID, s.onMessage(c, log)); err != nil {
		s.warn(c, "live updates unavailable")
	}

	history, err := s.deps.Backend.FetchHistory(ctx, conversationID)
	if err != nil {
		log.Warn("failed to load history", zap.Error(err))
		s.warn(c, "history unavailable")
		return nil
	}
	if !current() {
		return ErrSuperseded
	}

	// Anything the live feed delivered while history was loading stays,
	// classified or not, after the history.
	c.store.MergeHistory(history)

	log.Info("conversation opened", zap.Int("messages", c.store.Len()))
	return nil
}

// bodyOnly classifies a message without its reply quote.
func bodyOnly(c classify.Classifier) classify.Classifier {
	return classify.ClassifierFunc(func(ctx context.Context, content string) (classify.Result, error) {
		return c.Classify(ctx, compose.Body(content))
	})
}

func (s *Session) warn(c *conversation, w string) {
	s.mu.Lock()
	c.warnings = append(c.warnings, w)
	s.mu.Unlock()
}

func (s *Session) onMessage(c *conversation, log *logger.Logger) func(model.ChatMessage) {
	current := s.isCurrent(c.gen)
	return func(m model.ChatMessage) {
		if !current() {
			metrics.RecordDelivery("stale")
			return
		}
		if m.ConversationID != "" && m.ConversationID != c.id {
			metrics.RecordDelivery("foreign")
			return
		}
		if !c.store.Append(m) {
			metrics.RecordDelivery("duplicate")
			return
		}
		metrics.RecordDelivery("appended")
		c.dispatcher.Dispatch(m)
		log.Debug("message delivered", zap.String("message_id", m.ID))
	}
}

// Close tears down the open conversation, if any.
func (s *Session) Close() {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.gen.Add(1)
	s.teardown()
	s.mentions.Reset()
}

// teardown must be called with openMu held.
func (s *Session) teardown() {
	s.feed.Close()

	s.mu.Lock()
	c := s.cur
	s.cur = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	c.stopListen()
	c.dispatcher.Close()
	metrics.SessionsActive.Dec()
	s.logger.Debug("conversation closed", zap.String("conversation_id", c.id))
}

func (s *Session) current() (*conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return nil, ErrNoConversation
	}
	return s.cur, nil
}

// ConversationID returns the open conversation, or "".
func (s *Session) ConversationID() string {
	c, err := s.current()
	if err != nil {
		return ""
	}
	return c.id
}

// Members returns the group members available for mentions.
func (s *Session) Members() []model.MentionUser {
	c, err := s.current()
	if err != nil || c.group == nil {
		return nil
	}
	return c.group.Members
}

// InputState is the mention state after an input change.
type InputState struct {
	Mention    mention.State       `json:"mention"`
	Candidates []model.MentionUser `json:"candidates,omitempty"`
}

// Input records the draft text and cursor and updates mention detection.
func (s *Session) Input(value string, cursor int) (InputState, error) {
	c, err := s.current()
	if err != nil {
		return InputState{}, err
	}

	c.compose.SetDraft(value)
	st := s.mentions.OnInput(value, cursor)
	return InputState{
		Mention:    st,
		Candidates: s.mentions.Candidates(s.selectable(c)),
	}, nil
}

// selectable excludes the signed-in user from mention candidates.
func (s *Session) selectable(c *conversation) []model.MentionUser {
	if c.group == nil {
		return nil
	}
	out := make([]model.MentionUser, 0, len(c.group.Members))
	for _, u := range c.group.Members {
		if c.profile != nil && u.ID == c.profile.ID {
			continue
		}
		out = append(out, u)
	}
	return out
}

// SelectMention completes the active mention with the member userID.
func (s *Session) SelectMention(userID string) (mention.Selection, error) {
	c, err := s.current()
	if err != nil {
		return mention.Selection{}, err
	}

	var user *model.MentionUser
	if c.group != nil {
		for i := range c.group.Members {
			if c.group.Members[i].ID == userID {
				user = &c.group.Members[i]
				break
			}
		}
	}
	if user == nil {
		return mention.Selection{}, fmt.Errorf("%w: %s", ErrUnknownMember, userID)
	}

	sel, ok := s.mentions.Select(c.compose.Draft(), *user)
	if !ok {
		return mention.Selection{}, ErrNoMention
	}
	c.compose.SetDraft(sel.Value)
	return sel, nil
}

// DismissMention closes the "@" query without selecting anyone.
func (s *Session) DismissMention() error {
	if _, err := s.current(); err != nil {
		return err
	}
	s.mentions.Close()
	return nil
}

// SetReply starts replying to messageID.
func (s *Session) SetReply(messageID string) (model.ReplyInfo, error) {
	c, err := s.current()
	if err != nil {
		return model.ReplyInfo{}, err
	}

	msg, ok := c.store.Get(messageID)
	if !ok || msg.Pending {
		return model.ReplyInfo{}, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	return c.compose.SetReply(msg), nil
}

// CancelReply clears the reply target.
func (s *Session) CancelReply() error {
	c, err := s.current()
	if err != nil {
		return err
	}
	c.compose.CancelReply()
	return nil
}

// Send publishes the current draft.
func (s *Session) Send(ctx context.Context) (*compose.Result, error) {
	c, err := s.current()
	if err != nil {
		return nil, err
	}

	mentioned := s.mentions.Mentioned()
	res, err := c.compose.Send(ctx)
	if err != nil {
		// A failed draft keeps its mentions for RestoreFailed.
		return nil, err
	}
	s.mentions.Reset()
	if len(mentioned) > 0 {
		ids := make([]string, 0, len(mentioned))
		for _, u := range mentioned {
			ids = append(ids, u.ID)
		}
		s.logger.Debug("sent with mentions",
			zap.String("message_id", res.Message.ID),
			zap.Strings("mentioned", ids),
		)
	}
	return res, nil
}

// Retry re-sends the last failed message.
func (s *Session) Retry(ctx context.Context) (*compose.Result, error) {
	c, err := s.current()
	if err != nil {
		return nil, err
	}
	res, err := c.compose.Retry(ctx)
	if err != nil {
		return nil, err
	}
	s.mentions.Reset()
	return res, nil
}

// RestoreFailed moves the last failed message back into the draft.
func (s *Session) RestoreFailed() (bool, error) {
	c, err := s.current()
	if err != nil {
		return false, err
	}
	return c.compose.RestoreFailed(), nil
}

// DiscardFailed drops the last failed message.
func (s *Session) DiscardFailed() error {
	c, err := s.current()
	if err != nil {
		return err
	}
	c.compose.DiscardFailed()
	return nil
}

// MessageView is a message prepared for display.
type MessageView struct {
	model.ClassifiedMessage
	Quote    *compose.Quote    `json:"quote,omitempty"`
	Segments []mention.Segment `json:"segments"`
	// HTML is the body with mentions wrapped in spans.
	HTML     string   `json:"html"`
	Mentions []string `json:"mentions,omitempty"`
}

// View is a snapshot of the open conversation.
type View struct {
	ConversationID string               `json:"conversation_id"`
	Group          *model.GroupMetadata `json:"group,omitempty"`
	Profile        *model.Profile       `json:"profile,omitempty"`
	Messages       []MessageView        `json:"messages"`
	Draft          string               `json:"draft"`
	Reply          *model.ReplyInfo     `json:"reply,omitempty"`
	Status         compose.Status       `json:"status"`
	Failed         *compose.SendError   `json:"failed,omitempty"`
	Mention        mention.State        `json:"mention"`
	Mentioned      []model.MentionUser  `json:"mentioned,omitempty"`
	Warnings       []string             `json:"warnings,omitempty"`
}

// Snapshot returns the current view of the open conversation.
func (s *Session) Snapshot() (View, error) {
	c, err := s.current()
	if err != nil {
		return View{}, err
	}

	var members []model.MentionUser
	if c.group != nil {
		members = c.group.Members
	}

	classified := c.store.Classified()
	msgs := make([]MessageView, 0, len(classified))
	for _, m := range classified {
		v := MessageView{ClassifiedMessage: m}
		body := m.Content
		if q, rest, ok := compose.ParseQuote(m.Content); ok {
			v.Quote = &q
			body = rest
		}
		v.Segments = mention.Format(body, members)
		v.HTML = mention.RenderHTML(v.Segments)
		v.Mentions = mention.Extract(body)
		msgs = append(msgs, v)
	}

	s.mu.RLock()
	warnings := append([]string(nil), c.warnings...)
	s.mu.RUnlock()

	return View{
		ConversationID: c.id,
		Group:          c.group,
		Profile:        c.profile,
		Messages:       msgs,
		Draft:          c.compose.Draft(),
		Reply:          c.compose.Reply(),
		Status:         c.compose.Status(),
		Failed:         c.compose.Failed(),
		Mention:        s.mentions.State(),
		Mentioned:      s.mentions.Mentioned(),
		Warnings:       warnings,
	}, nil
}

// WaitIdle blocks until in-flight classification requests finish.
func (s *Session) WaitIdle() {
	c, err := s.current()
	if err != nil {
		return
	}
	c.dispatcher.Wait()
}

// Listen registers fn for store changes of whichever conversation is open.
// A reset event with the new conversation id is emitted on every switch.
func (s *Session) Listen(fn func(Event)) (cancel func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

func (s *Session) emit(e Event) {
	s.listenersMu.RLock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
