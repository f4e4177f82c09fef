// Package backendtest provides an in-memory backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/studyhub/groupchat/internal/backend"
	"github.com/studyhub/groupchat/internal/model"
)

// Fake is an in-memory backend.Backend and backend.RewardSink.
type Fake struct {
	mu sync.Mutex

	history map[string][]model.ChatMessage
	groups  map[string]*model.GroupMetadata

	// Errors returned by the corresponding calls when set.
	HistoryErr   error
	SendErr      error
	SubscribeErr error
	GroupErr     error
	AwardErr     error

	// SendGate, when set, blocks SendMessage until it receives a value or
	// the context ends.
	SendGate chan struct{}

	// EchoSends delivers confirmed sends to subscribers before returning.
	EchoSends bool

	sends    []backend.OutgoingMessage
	awards   []model.Award
	subs     map[int]*subscription
	nextSub  int
	opened   map[string]int
	disposed map[string]int
	seq      int
	now      time.Time
}

type subscription struct {
	conversationID string
	fn             func(model.ChatMessage)
}

// New creates an empty fake backend.
func New() *Fake {
	return &Fake{
		history:  make(map[string][]model.ChatMessage),
		groups:   make(map[string]*model.GroupMetadata),
		subs:     make(map[int]*subscription),
		opened:   make(map[string]int),
		disposed: make(map[string]int),
		now:      time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC),
	}
}

// SetHistory seeds the history for a conversation.
func (f *Fake) SetHistory(conversationID string, msgs ...model.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[conversationID] = append([]model.ChatMessage(nil), msgs...)
}

// SetGroup seeds group metadata.
func (f *Fake) SetGroup(g model.GroupMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[g.ID] = &g
}

// FetchHistory implements backend.Backend.
func (f *Fake) FetchHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	return append([]model.ChatMessage(nil), f.history[conversationID]...), nil
}

// SendMessage implements backend.Backend.
func (f *Fake) SendMessage(ctx context.Context, out backend.OutgoingMessage) (*model.ChatMessage, error) {
	f.mu.Lock()
	f.sends = append(f.sends, out)
	gate := f.SendGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	if f.SendErr != nil {
		err := f.SendErr
		f.mu.Unlock()
		return nil, err
	}
	f.seq++
	msg := model.ChatMessage{
		ID:             fmt.Sprintf("msg-%d", f.seq),
		ConversationID: out.ConversationID,
		AuthorID:       out.AuthorID,
		AuthorName:     out.AuthorName,
		AuthorAvatar:   out.AuthorAvatar,
		Content:        out.Content,
		CreatedAt:      f.now.Add(time.Duration(f.seq) * time.Second),
	}
	f.history[out.ConversationID] = append(f.history[out.ConversationID], msg)
	echo := f.EchoSends
	f.mu.Unlock()

	if echo {
		f.Deliver(out.ConversationID, msg)
	}
	return &msg, nil
}

// Subscribe implements backend.Backend.
func (f *Fake) Subscribe(ctx context.Context, conversationID string, onMessage func(model.ChatMessage)) (backend.Disposer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}

	id := f.nextSub
	f.nextSub++
	f.subs[id] = &subscription{conversationID: conversationID, fn: onMessage}
	f.opened[conversationID]++

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; !ok {
			return
		}
		delete(f.subs, id)
		f.disposed[conversationID]++
	}, nil
}

// GetGroupInfo implements backend.Backend.
func (f *Fake) GetGroupInfo(ctx context.Context, conversationID string) (*model.GroupMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.GroupErr != nil {
		return nil, f.GroupErr
	}
	g, ok := f.groups[conversationID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// Award implements backend.RewardSink.
func (f *Fake) Award(ctx context.Context, a model.Award) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.AwardErr != nil {
		return f.AwardErr
	}
	f.awards = append(f.awards, a)
	return nil
}

// Deliver pushes msg to every live subscriber of conversationID.
func (f *Fake) Deliver(conversationID string, msg model.ChatMessage) {
	f.mu.Lock()
	var fns []func(model.ChatMessage)
	for _, s := range f.subs {
		if s.conversationID == conversationID {
			fns = append(fns, s.fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// Sends returns every SendMessage call in order.
func (f *Fake) Sends() []backend.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.OutgoingMessage(nil), f.sends...)
}

// Awards returns every recorded award in order.
func (f *Fake) Awards() []model.Award {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Award(nil), f.awards...)
}

// Opened returns how many subscriptions were opened for conversationID.
func (f *Fake) Opened(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[conversationID]
}

// Disposed returns how many subscriptions were disposed for conversationID.
func (f *Fake) Disposed(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed[conversationID]
}

// Active returns the number of live subscriptions.
func (f *Fake) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Release unblocks one gated SendMessage call.
func (f *Fake) Release() {
	f.SendGate <- struct{}{}
}

// SetSendErr sets SendErr under the fake's lock.
func (f *Fake) SetSendErr(err error) {
	f.mu.Lock()
	f.SendErr = err
	f.mu.Unlock()
}
