// Package service keeps one chat session per signed-in user.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studyhub/groupchat/internal/backend"
	"github.com/studyhub/groupchat/internal/classify"
	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/internal/session"
	"github.com/studyhub/groupchat/pkg/logger"
)

// ProfileStore looks up stored user profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
}

// Options configures the sessions created by a SessionService.
type Options struct {
	Classifier   classify.Classifier
	Rewards      backend.RewardSink
	OnClassified classify.Hook

	ClassifyConcurrency int64
	ClassifyTimeout     time.Duration
	MentionLimit        int
	// IdleTTL closes sessions unused for this long. Zero disables reaping.
	IdleTTL time.Duration
}

type entry struct {
	session  *session.Session
	lastSeen time.Time
	holds    int
}

// SessionService handles session lifecycle for all users.
type SessionService struct {
	backend  backend.Backend
	profiles ProfileStore
	opts     Options
	logger   *logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewSessionService creates a new session service. profiles may be nil, in
// which case the identity passed to Acquire is the profile.
func NewSessionService(b backend.Backend, profiles ProfileStore, opts Options, log *logger.Logger) *SessionService {
	if log == nil {
		log = logger.Global()
	}
	return &SessionService{
		backend:  b,
		profiles: profiles,
		opts:     opts,
		logger:   log,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Acquire returns the session of user, creating it on first use.
func (s *SessionService) Acquire(user model.Profile) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[user.ID]; ok {
		e.lastSeen = s.now()
		return e.session
	}

	sess := session.New(session.Deps{
		Backend:             s.backend,
		Profile:             s.profileSource(user),
		Classifier:          s.opts.Classifier,
		Rewards:             s.opts.Rewards,
		OnClassified:        s.opts.OnClassified,
		Logger:              s.logger.With(zap.String("user_id", user.ID)),
		ClassifyConcurrency: s.opts.ClassifyConcurrency,
		ClassifyTimeout:     s.opts.ClassifyTimeout,
		MentionLimit:        s.opts.MentionLimit,
	})
	s.sessions[user.ID] = &entry{session: sess, lastSeen: s.now()}

	s.logger.Debug("session created", zap.String("user_id", user.ID))
	return sess
}

// profileSource prefers the stored profile and falls back to the identity
// from the token.
func (s *SessionService) profileSource(user model.Profile) backend.ProfileSource {
	return backend.ProfileFunc(func(ctx context.Context) (*model.Profile, error) {
		if s.profiles != nil {
			p, err := s.profiles.GetProfile(ctx, user.ID)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, backend.ErrNotFound) {
				return nil, fmt.Errorf("failed to load profile: %w", err)
			}
		}
		if user.FullName == "" {
			return nil, fmt.Errorf("profile %s: %w", user.ID, backend.ErrNotFound)
		}
		p := user
		return &p, nil
	})
}

// Lookup returns the session of userID if it exists.
func (s *SessionService) Lookup(userID string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[userID]
	if !ok {
		return nil, false
	}
	e.lastSeen = s.now()
	return e.session, true
}

// Hold keeps the session of userID from being reaped until release is
// called. It reports false if there is no such session.
func (s *SessionService) Hold(userID string) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[userID]
	if !ok {
		return nil, false
	}
	e.holds++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			e.holds--
			e.lastSeen = s.now()
			s.mu.Unlock()
		})
	}, true
}

// Close closes and forgets the session of userID.
func (s *SessionService) Close(userID string) bool {
	s.mu.Lock()
	e, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()

	if !ok {
		return false
	}
	e.session.Close()
	return true
}

// Len returns the number of live sessions.
func (s *SessionService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Reap closes sessions that are idle past IdleTTL and not held.
func (s *SessionService) Reap() int {
	if s.opts.IdleTTL <= 0 {
		return 0
	}

	cutoff := s.now().Add(-s.opts.IdleTTL)
	var idle []*session.Session

	s.mu.Lock()
	for id, e := range s.sessions {
		if e.holds == 0 && e.lastSeen.Before(cutoff) {
			idle = append(idle, e.session)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		sess.Close()
	}
	if len(idle) > 0 {
		s.logger.Info("reaped idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run reaps idle sessions until ctx is done.
func (s *SessionService) Run(ctx context.Context) {
	if s.opts.IdleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// Shutdown closes every session.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range all {
		e.session.Close()
	}
}
