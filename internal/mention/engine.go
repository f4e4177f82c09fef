package mention

import (
	"sort"
	"strings"
	"sync"

	"github.com/studyhub/groupchat/internal/model"
)

// DefaultCandidateLimit caps the autocomplete list.
const DefaultCandidateLimit = 5

// Selection is the result of picking an autocomplete candidate.
type Selection struct {
	Value  string `json:"value"`
	Cursor int    `json:"cursor"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithCallback sets a function invoked once per Select call with the
// chosen user. It fires even if the user was already mentioned in the
// current draft.
func WithCallback(fn func(model.MentionUser)) Option {
	return func(e *Engine) {
		e.onMention = fn
	}
}

// WithCandidateLimit overrides DefaultCandidateLimit.
func WithCandidateLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// Engine tracks the mention query for one draft.
type Engine struct {
	mu        sync.Mutex
	state     State
	mentioned map[string]model.MentionUser
	order     []string
	onMention func(model.MentionUser)
	limit     int
}

// NewEngine creates a mention engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		mentioned: make(map[string]model.MentionUser),
		limit:     DefaultCandidateLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnInput recomputes the query state from the current draft and cursor.
func (e *Engine) OnInput(value string, cursor int) State {
	st := Detect(value, cursor)

	e.mu.Lock()
	e.state = st
	e.mu.Unlock()

	return st
}

// State returns the current query state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close dismisses the autocomplete without selecting anyone.
func (e *Engine) Close() {
	e.mu.Lock()
	e.state = State{}
	e.mu.Unlock()
}

// Candidates filters users against the active query. Prefix matches on the
// full name or any word of it rank ahead of substring matches.
func (e *Engine) Candidates(users []model.MentionUser) []model.MentionUser {
	e.mu.Lock()
	st, limit := e.state, e.limit
	e.mu.Unlock()

	if !st.IsOpen {
		return nil
	}

	q := strings.ToLower(st.Query)
	type ranked struct {
		user model.MentionUser
		rank int
	}
	var matches []ranked
	for _, u := range users {
		name := strings.ToLower(u.Name)
		switch {
		case strings.HasPrefix(name, q):
			matches = append(matches, ranked{u, 0})
		case wordPrefix(name, q):
			matches = append(matches, ranked{u, 1})
		case strings.Contains(name, q):
			matches = append(matches, ranked{u, 2})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].rank < matches[j].rank
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]model.MentionUser, len(matches))
	for i, m := range matches {
		out[i] = m.user
	}
	return out
}

func wordPrefix(name, q string) bool {
	for _, w := range strings.Fields(name) {
		if strings.HasPrefix(w, q) {
			return true
		}
	}
	return false
}

// Select replaces the active "@query" span in value with "@Name " and
// returns the rewritten text with the cursor placed after the trailing
// space. It reports false when no mention is in progress.
func (e *Engine) Select(value string, user model.MentionUser) (Selection, bool) {
	e.mu.Lock()
	st := e.state
	if !st.IsOpen {
		e.mu.Unlock()
		return Selection{}, false
	}

	runes := []rune(value)
	end := st.End
	if end > len(runes) || st.Start >= len(runes) || runes[st.Start] != '@' {
		// Draft changed underneath the query; re-detect at the old cursor.
		st = Detect(value, end)
		if !st.IsOpen {
			e.state = State{}
			e.mu.Unlock()
			return Selection{}, false
		}
		end = st.End
	}

	insert := []rune("@" + user.Name + " ")
	out := make([]rune, 0, len(runes)+len(insert))
	out = append(out, runes[:st.Start]...)
	out = append(out, insert...)
	out = append(out, runes[end:]...)

	if _, ok := e.mentioned[user.ID]; !ok {
		e.order = append(e.order, user.ID)
	}
	e.mentioned[user.ID] = user
	e.state = State{}
	cb := e.onMention
	e.mu.Unlock()

	if cb != nil {
		cb(user)
	}

	return Selection{
		Value:  string(out),
		Cursor: st.Start + len(insert),
	}, true
}

// Mentioned returns the distinct users selected for the current draft in
// first-selection order.
func (e *Engine) Mentioned() []model.MentionUser {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.MentionUser, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.mentioned[id])
	}
	return out
}

// Reset clears the query and the mentioned set, typically after a send.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.state = State{}
	e.mentioned = make(map[string]model.MentionUser)
	e.order = nil
	e.mu.Unlock()
}
