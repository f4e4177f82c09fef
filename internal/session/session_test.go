package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/studyhub/groupchat/internal/backend"
	"github.com/studyhub/groupchat/internal/backend/backendtest"
	"github.com/studyhub/groupchat/internal/compose"
	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	ann   = model.MentionUser{ID: "u-1", Name: "Ann Lee"}
	maria = model.MentionUser{ID: "u-2", Name: "Maria Cruz"}
	mark  = model.MentionUser{ID: "u-3", Name: "Mark Diaz"}
)

func newSession(t *testing.T) (*Session, *backendtest.Fake) {
	t.Helper()
	fake := backendtest.New()
	fake.SetGroup(model.GroupMetadata{ID: "conv-1", Name: "Biology", Members: []model.MentionUser{ann, maria, mark}})
	fake.SetGroup(model.GroupMetadata{ID: "conv-2", Name: "Chemistry", Members: []model.MentionUser{ann, mark}})

	s := New(Deps{
		Backend: fake,
		Profile: backend.StaticProfile(model.Profile{ID: ann.ID, FullName: ann.Name}),
		Rewards: fake,
	})
	t.Cleanup(s.Close)
	return s, fake
}

func viewIDs(v View) []string {
	out := make([]string, 0, len(v.Messages))
	for _, m := range v.Messages {
		out = append(out, m.ID)
	}
	return out
}

func TestOpen_LoadsHistoryAndClassifies(t *testing.T) {
	s, fake := newSession(t)
	fake.SetHistory("conv-1",
		model.ChatMessage{ID: "h1", ConversationID: "conv-1", Content: "**Poll** Friday?"},
		model.ChatMessage{ID: "h2", ConversationID: "conv-1", Content: "hi @Maria Cruz"},
	)

	require.NoError(t, s.Open(context.Background(), "conv-1"))
	s.WaitIdle()

	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "conv-1", v.ConversationID)
	assert.Equal(t, []string{"h1", "h2"}, viewIDs(v))
	assert.Equal(t, model.MessageTypePoll, v.Messages[0].Type)
	assert.Equal(t, model.MessageTypeGeneral, v.Messages[1].Type)
	require.Len(t, v.Messages[1].Segments, 2)
	assert.Equal(t, "u-2", v.Messages[1].Segments[1].UserID)
	assert.Empty(t, v.Warnings)
	assert.Equal(t, 1, fake.Active())
}

func TestOpen_SwitchingKeepsExactlyOneSubscription(t *testing.T) {
	s, fake := newSession(t)

	require.NoError(t, s.Open(context.Background(), "conv-1"))
	require.NoError(t, s.Open(context.Background(), "conv-2"))
	require.NoError(t, s.Open(context.Background(), "conv-1"))

	assert.Equal(t, 1, fake.Active())
	assert.Equal(t, 2, fake.Opened("conv-1"))
	assert.Equal(t, 1, fake.Disposed("conv-1"))
	assert.Equal(t, 1, fake.Disposed("conv-2"))

	s.Close()
	assert.Zero(t, fake.Active())
	assert.Equal(t, "", s.ConversationID())
}

func TestOpen_OldConversationDeliveriesIgnored(t *testing.T) {
	s, fake := newSession(t)
	require.NoError(t, s.Open(context.Background(), "conv-1"))
	require.NoError(t, s.Open(context.Background(), "conv-2"))

	fake.Deliver("conv-1", model.ChatMessage{ID: "late", ConversationID: "conv-1", Content: "hello"})
	fake.Deliver("conv-2", model.ChatMessage{ID: "new", ConversationID: "conv-2", Content: "hey"})

	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, viewIDs(v))
}

func TestOpen_LiveMessagesAreDedupedAndClassified(t *testing.T) {
	s, fake := newSession(t)
	fake.SetHistory("conv-1", model.ChatMessage{ID: "h1", ConversationID: "conv-1", Content: "hi"})
	require.NoError(t, s.Open(context.Background(), "conv-1"))

	msg := model.ChatMessage{ID: "m1", ConversationID: "conv-1", Content: "**Resource** notes.pdf"}
	fake.Deliver("conv-1", msg)
	fake.Deliver("conv-1", msg)
	fake.Deliver("conv-1", model.ChatMessage{ID: "h1", ConversationID: "conv-1", Content: "hi"})
	s.WaitIdle()

	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "m1"}, viewIDs(v))
	assert.Equal(t, model.MessageTypeResource, v.Messages[1].Type)
}

// slowHistory runs before ahead of every history fetch.
type slowHistory struct {
	*backendtest.Fake
	before func()
}

func (h *slowHistory) FetchHistory(ctx context.Context, conversationID string) ([]model.ChatMessage, error) {
	if h.before != nil {
		h.before()
	}
	return h.Fake.FetchHistory(ctx, conversationID)
}

func TestOpen_DeliveryDuringHistoryLoadKeepsClassification(t *testing.T) {
	fake := backendtest.New()
	fake.SetHistory("conv-1", model.ChatMessage{ID: "h1", ConversationID: "conv-1", Content: "hi"})
	hooked := &slowHistory{Fake: fake}

	var classified atomic.Int32
	s := New(Deps{
		Backend: hooked,
		Profile: backend.StaticProfile(model.Profile{ID: ann.ID, FullName: ann.Name}),
		OnClassified: func(model.ChatMessage, model.MessageType) {
			classified.Add(1)
		},
	})
	t.Cleanup(s.Close)

	hooked.before = func() {
		fake.Deliver("conv-1", model.ChatMessage{ID: "live-1", ConversationID: "conv-1", Content: "**Flashcard** mitosis"})
		s.WaitIdle()
	}

	require.NoError(t, s.Open(context.Background(), "conv-1"))
	s.WaitIdle()

	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "live-1"}, viewIDs(v))
	assert.Equal(t, model.MessageTypeFlashcard, v.Messages[1].Type)
	assert.EqualValues(t, 1, classified.Load())
}

func TestOpen_DegradesOnLoadFailures(t *testing.T) {
	fake := backendtest.New()
	fake.HistoryErr = errors.New("history down")
	fake.SubscribeErr = errors.New("feed down")

	s := New(Deps{
		Backend: fake,
		Profile: backend.ProfileFunc(func(context.Context) (*model.Profile, error) {
			return nil, errors.New("auth down")
		}),
	})
	defer s.Close()

	require.NoError(t, s.Open(context.Background(), "conv-9"))

	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, v.Messages)
	assert.ElementsMatch(t, []string{
		"profile unavailable",
		"group info unavailable",
		"live updates unavailable",
		"history unavailable",
	}, v.Warnings)

	_, err = s.Input("hi", 2)
	require.NoError(t, err)
	_, err = s.Send(context.Background())
	assert.ErrorIs(t, err, compose.ErrNoSession)
}

func TestOperationsWithoutConversation(t *testing.T) {
	s := New(Deps{Backend: backendtest.New(), Profile: backend.StaticProfile(model.Profile{ID: "u-1"})})

	_, err := s.Input("x", 1)
	assert.ErrorIs(t, err, ErrNoConversation)
	_, err = s.Send(context.Background())
	assert.ErrorIs(t, err, ErrNoConversation)
	_, err = s.Snapshot()
	assert.ErrorIs(t, err, ErrNoConversation)
	assert.Nil(t, s.Members())
}

func TestInputAndSelectMention(t *testing.T) {
	s, _ := newSession(t)
	require.NoError(t, s.Open(context.Background(), "conv-1"))

	st, err := s.Input("Hi @Ma", 6)
	require.NoError(t, err)
	assert.True(t, st.Mention.IsOpen)
	assert.Equal(t, "Ma", st.Mention.Query)
	assert.Equal(t, []model.MentionUser{maria, mark}, st.Candidates)

	st, err = s.Input("Hi @An", 6)
	require.NoError(t, err)
	assert.Empty(t, st.Candidates, "the signed-in user is not offered")

	_, err = s.Input("Hi @Mar", 7)
	require.NoError(t, err)
	sel, err := s.SelectMention(maria.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi @Maria Cruz ", sel.Value)
	assert.Equal(t, 15, sel.Cursor)

	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "Hi @Maria Cruz ", v.Draft)
	assert.False(t, v.Mention.IsOpen)

	_, err = s.SelectMention("nobody")
	assert.ErrorIs(t, err, ErrUnknownMember)
}

func TestReplyAndSend(t *testing.T) {
	s, fake := newSession(t)
	fake.SetHistory("conv-1", model.ChatMessage{ID: "h1", ConversationID: "conv-1", AuthorName: "Maria Cruz", Content: "Who has chapter 3?"})
	require.NoError(t, s.Open(context.Background(), "conv-1"))

	_, err := s.SetReply("missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)

	info, err := s.SetReply("h1")
	require.NoError(t, err)
	assert.Equal(t, "Maria Cruz", info.UserName)

	_, err = s.Input("**Flashcard** me", 16)
	require.NoError(t, err)
	res, err := s.Send(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, res.Reward.Amount)
	s.WaitIdle()

	v, err := s.Snapshot()
	require.NoError(t, err)
	require.Len(t, v.Messages, 2)
	sent := v.Messages[1]
	assert.Equal(t, res.Message.ID, sent.ID)
	assert.False(t, sent.Pending)
	assert.Equal(t, model.MessageTypeFlashcard, sent.Type)
	require.NotNil(t, sent.Quote)
	assert.Equal(t, "Maria Cruz", sent.Quote.UserName)
	assert.Equal(t, "**Flashcard** me", sent.Segments[0].Text)
	assert.Nil(t, v.Reply)
	assert.Len(t, fake.Awards(), 1)
}

func TestSendFailureRetry(t *testing.T) {
	s, fake := newSession(t)
	require.NoError(t, s.Open(context.Background(), "conv-1"))
	fake.SetSendErr(errors.New("offline"))

	_, err := s.Input("hello", 5)
	require.NoError(t, err)
	_, err = s.Send(context.Background())
	var sendErr *compose.SendError
	require.ErrorAs(t, err, &sendErr)

	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, v.Messages)
	require.NotNil(t, v.Failed)
	assert.Equal(t, "hello", v.Failed.Draft)

	fake.SetSendErr(nil)
	_, err = s.Retry(context.Background())
	require.NoError(t, err)

	v, err = s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, v.Messages, 1)
	assert.Nil(t, v.Failed)
}

func TestSendFailureKeepsMentionsForRestore(t *testing.T) {
	s, fake := newSession(t)
	require.NoError(t, s.Open(context.Background(), "conv-1"))

	_, err := s.Input("Hi @Mar", 7)
	require.NoError(t, err)
	_, err = s.SelectMention(maria.ID)
	require.NoError(t, err)

	fake.SetSendErr(errors.New("offline"))
	_, err = s.Send(context.Background())
	require.Error(t, err)

	restored, err := s.RestoreFailed()
	require.NoError(t, err)
	require.True(t, restored)

	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "Hi @Maria Cruz ", v.Draft)
	assert.Equal(t, []model.MentionUser{maria}, v.Mentioned)

	fake.SetSendErr(nil)
	_, err = s.Send(context.Background())
	require.NoError(t, err)

	v, err = s.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, v.Mentioned)
}

func TestSendResolvingAfterSwitchDoesNotLeak(t *testing.T) {
	s, fake := newSession(t)
	require.NoError(t, s.Open(context.Background(), "conv-1"))
	fake.SendGate = make(chan struct{})

	_, err := s.Input("hello", 5)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return len(fake.Sends()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Open(context.Background(), "conv-2"))
	fake.Release()
	require.NoError(t, <-done)

	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "conv-2", v.ConversationID)
	assert.Empty(t, v.Messages)
	assert.Len(t, fake.Awards(), 1, "XP is still awarded")
}

func TestListenSeesChangesAcrossSwitches(t *testing.T) {
	s, fake := newSession(t)

	var mu sync.Mutex
	var events []Event
	cancel := s.Listen(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, s.Open(context.Background(), "conv-1"))
	fake.Deliver("conv-1", model.ChatMessage{ID: "m1", ConversationID: "conv-1", Content: "hi"})
	require.NoError(t, s.Open(context.Background(), "conv-2"))

	mu.Lock()
	defer mu.Unlock()
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.ConversationID+":"+string(e.Change.Kind))
	}
	assert.Contains(t, kinds, "conv-1:"+string(store.ChangeAppend))
	assert.Equal(t, "conv-2:"+string(store.ChangeReset), kinds[len(kinds)-1])
}

func TestConcurrentSwitchAndDelivery(t *testing.T) {
	s, fake := newSession(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Open(context.Background(), "conv-1")
		}()
		go func() {
			defer wg.Done()
			fake.Deliver("conv-1", model.ChatMessage{ID: "m", ConversationID: "conv-1", Content: "**Poll**"})
		}()
	}
	wg.Wait()
	s.WaitIdle()

	assert.Equal(t, 1, fake.Active())
	v, err := s.Snapshot()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(v.Messages), 1)
}
