package compose

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhub/groupchat/internal/backend/backendtest"
	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/internal/store"
)

var profile = &model.Profile{ID: "u-1", FullName: "Ann Lee", AvatarURL: "https://cdn/ann.png"}

func newController(t *testing.T) (*Controller, *backendtest.Fake, *store.MessageStore) {
	t.Helper()
	fake := backendtest.New()
	s := store.New()
	c := New(Config{
		ConversationID: "conv-1",
		Profile:        profile,
		Sender:         fake,
		Store:          s,
		Rewards:        fake,
	})
	return c, fake, s
}

func TestSend_Guards(t *testing.T) {
	c, fake, _ := newController(t)

	_, err := c.Send(context.Background())
	assert.ErrorIs(t, err, ErrEmptyDraft)

	c.SetDraft("  \n\t ")
	_, err = c.Send(context.Background())
	assert.ErrorIs(t, err, ErrEmptyDraft)

	noProfile := New(Config{ConversationID: "conv-1", Sender: fake, Store: store.New()})
	noProfile.SetDraft("hi")
	_, err = noProfile.Send(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)

	noConv := New(Config{Profile: profile, Sender: fake, Store: store.New()})
	noConv.SetDraft("hi")
	_, err = noConv.Send(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)

	assert.Empty(t, fake.Sends())
}

func TestSend_ConfirmsAndRewards(t *testing.T) {
	c, fake, s := newController(t)

	c.SetDraft("  **Flashcard** Q: osmosis?  ")
	res, err := c.Send(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.MessageTypeFlashcard, res.Reward.Type)
	assert.Equal(t, "", c.Draft())
	assert.Equal(t, StatusIdle, c.Status())

	sends := fake.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "**Flashcard** Q: osmosis?", sends[0].Content)
	assert.Equal(t, "Ann Lee", sends[0].AuthorName)
	assert.Equal(t, "https://cdn/ann.png", sends[0].AuthorAvatar)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, res.Message.ID, msgs[0].ID)
	assert.False(t, msgs[0].Pending)

	awards := fake.Awards()
	require.Len(t, awards, 1)
	assert.Equal(t, 15, awards[0].Amount)
	assert.Equal(t, res.Message.ID, awards[0].MessageID)
	assert.Equal(t, "u-1", awards[0].UserID)
}

func TestSend_FlashcardBeatsPollReward(t *testing.T) {
	c, fake, _ := newController(t)

	c.SetDraft("**Poll** and **Flashcard**")
	res, err := c.Send(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.MessageTypeFlashcard, res.Reward.Type)
	assert.Equal(t, "Shared a flashcard", fake.Awards()[0].Reason)
}

func TestSend_ReplyQuotePrefix(t *testing.T) {
	c, fake, _ := newController(t)

	c.SetReply(model.ChatMessage{
		ID:         "m-9",
		AuthorName: "Maria Cruz",
		Content:    "↩️ @Bob: \"older\"\nWho has the notes\nfor chapter 3?",
	})
	c.SetDraft("I do!")

	_, err := c.Send(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "↩️ @Maria Cruz: \"Who has the notes for chapter 3?\"\nI do!", fake.Sends()[0].Content)
	assert.Nil(t, c.Reply())
}

func TestSend_OptimisticEntryVisibleWhileSending(t *testing.T) {
	c, fake, s := newController(t)
	fake.SendGate = make(chan struct{})

	c.SetDraft("hello")
	c.SetReply(model.ChatMessage{ID: "m-1", AuthorName: "Bob", Content: "hey"})

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return len(fake.Sends()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatusSending, c.Status())
	assert.Empty(t, c.Draft())
	assert.Nil(t, c.Reply())

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)
	assert.True(t, strings.HasPrefix(msgs[0].ID, TempIDPrefix))

	fake.Release()
	require.NoError(t, <-done)
	assert.Equal(t, StatusIdle, c.Status())
	assert.False(t, s.Messages()[0].Pending)
}

func TestSend_RapidDoubleSubmitSendsOnce(t *testing.T) {
	c, fake, _ := newController(t)
	fake.SendGate = make(chan struct{})

	c.SetDraft("first")
	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Status() == StatusSending }, time.Second, time.Millisecond)

	c.SetDraft("second")
	_, err := c.Send(context.Background())
	assert.ErrorIs(t, err, ErrSendInFlight)

	fake.Release()
	require.NoError(t, <-done)
	assert.Len(t, fake.Sends(), 1)
	assert.Equal(t, "second", c.Draft())
}

func TestSend_ConcurrentSubmitsSendOnce(t *testing.T) {
	c, fake, _ := newController(t)
	fake.SendGate = make(chan struct{})
	c.SetDraft("once")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Send(context.Background())
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return len(fake.Sends()) == 1 }, time.Second, time.Millisecond)
	fake.Release()
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, fake.Sends(), 1)
}

func TestSend_FailureKeepsDraftForRetry(t *testing.T) {
	c, fake, s := newController(t)
	boom := errors.New("network down")
	fake.SetSendErr(boom)

	c.SetReply(model.ChatMessage{ID: "m-1", AuthorName: "Bob", Content: "quiz tomorrow?"})
	c.SetDraft("yes")
	_, err := c.Send(context.Background())

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "yes", sendErr.Draft)
	assert.Equal(t, "m-1", sendErr.Reply.MessageID)

	assert.Zero(t, s.Len(), "optimistic entry must be withdrawn")
	assert.Empty(t, c.Draft())
	assert.Equal(t, StatusIdle, c.Status())
	assert.Empty(t, fake.Awards())
	require.NotNil(t, c.Failed())

	fake.SetSendErr(nil)
	res, err := c.Retry(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.Message.Content, "\nyes"))
	assert.Nil(t, c.Failed())
	assert.Equal(t, 1, s.Len())

	_, err = c.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNoFailedSend)
}

func TestRestoreAndDiscardFailed(t *testing.T) {
	c, fake, _ := newController(t)
	fake.SetSendErr(errors.New("nope"))

	c.SetReply(model.ChatMessage{ID: "m-1", AuthorName: "Bob", Content: "hi"})
	c.SetDraft("draft text")
	_, err := c.Send(context.Background())
	require.Error(t, err)

	assert.True(t, c.RestoreFailed())
	assert.Equal(t, "draft text", c.Draft())
	require.NotNil(t, c.Reply())
	assert.Equal(t, "m-1", c.Reply().MessageID)
	assert.False(t, c.RestoreFailed())

	_, err = c.Send(context.Background())
	require.Error(t, err)
	c.DiscardFailed()
	assert.Nil(t, c.Failed())
}

func TestSend_StaleSessionDoesNotTouchStore(t *testing.T) {
	fake := backendtest.New()
	s := store.New()
	var current atomic.Bool
	current.Store(true)
	var confirmed []string
	c := New(Config{
		ConversationID: "conv-1",
		Profile:        profile,
		Sender:         fake,
		Store:          s,
		Current:        current.Load,
		OnConfirmed:    func(m model.ChatMessage) { confirmed = append(confirmed, m.ID) },
	})
	fake.SendGate = make(chan struct{})

	c.SetDraft("hello")
	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return len(fake.Sends()) == 1 }, time.Second, time.Millisecond)

	current.Store(false)
	fake.Release()
	require.NoError(t, <-done)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)
	assert.Empty(t, confirmed)
}

func TestSend_ConfirmedEchoedByFeedFirst(t *testing.T) {
	c, fake, s := newController(t)
	fake.EchoSends = true
	disposer, err := fake.Subscribe(context.Background(), "conv-1", func(m model.ChatMessage) { s.Append(m) })
	require.NoError(t, err)
	defer disposer()

	c.SetDraft("hello")
	res, err := c.Send(context.Background())
	require.NoError(t, err)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, res.Message.ID, msgs[0].ID)
}

func TestSend_QuotedMarkersEarnNothing(t *testing.T) {
	c, fake, _ := newController(t)

	c.SetReply(model.ChatMessage{ID: "m-1", AuthorName: "Bob", Content: "**Flashcard** mitosis"})
	c.SetDraft("nice one")
	res, err := c.Send(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.MessageTypeGeneral, res.Reward.Type)
	assert.Equal(t, 2, fake.Awards()[0].Amount)
}
