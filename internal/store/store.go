// Package store holds the ordered message list for one conversation.
package store

import (
	"sync"

	"github.com/studyhub/groupchat/internal/model"
)

// ChangeKind identifies what happened to the store.
type ChangeKind string

const (
	ChangeAppend   ChangeKind = "append"
	ChangeReplace  ChangeKind = "replace"
	ChangeRemove   ChangeKind = "remove"
	ChangeAnnotate ChangeKind = "annotate"
	ChangeReset    ChangeKind = "reset"
)

// Change describes a single mutation. Message is set for append and
// replace; PreviousID carries the optimistic id that was replaced.
type Change struct {
	Kind       ChangeKind         `json:"kind"`
	Message    *model.ChatMessage `json:"message,omitempty"`
	MessageID  string             `json:"message_id,omitempty"`
	PreviousID string             `json:"previous_id,omitempty"`
	Type       model.MessageType  `json:"type,omitempty"`
	Index      int                `json:"index"`
}

// Listener receives changes after they are applied, outside the store lock.
type Listener func(Change)

// MessageStore is the in-memory, arrival-ordered message list and
// classification map. It is safe for concurrent use.
type MessageStore struct {
	mu       sync.RWMutex
	messages []model.ChatMessage
	index    map[string]int
	types    map[string]model.MessageType

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// New creates an empty message store.
func New() *MessageStore {
	return &MessageStore{
		index:     make(map[string]int),
		types:     make(map[string]model.MessageType),
		listeners: make(map[int]Listener),
	}
}

// Append adds msg at the end of the list. It returns false, leaving the
// list untouched, if a message with the same id is already present.
func (s *MessageStore) Append(msg model.ChatMessage) bool {
	s.mu.Lock()
	if _, exists := s.index[msg.ID]; exists {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages, msg)
	idx := len(s.messages) - 1
	s.index[msg.ID] = idx
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeAppend, Message: &msg, MessageID: msg.ID, Index: idx})
	return true
}

// ReplaceOptimistic swaps the optimistic entry tempID for confirmed at the
// same position. A missing tempID appends confirmed instead. If confirmed
// already arrived through the live feed, the optimistic entry is dropped so
// the id stays unique.
func (s *MessageStore) ReplaceOptimistic(tempID string, confirmed model.ChatMessage) {
	s.mu.Lock()
	tempIdx, hasTemp := s.index[tempID]
	_, hasConfirmed := s.index[confirmed.ID]

	switch {
	case hasTemp && hasConfirmed && tempID != confirmed.ID:
		s.removeLocked(tempIdx)
		s.mu.Unlock()
		s.emit(Change{Kind: ChangeRemove, MessageID: tempID, Index: tempIdx})

	case hasTemp:
		s.messages[tempIdx] = confirmed
		delete(s.index, tempID)
		s.index[confirmed.ID] = tempIdx
		s.mu.Unlock()
		s.emit(Change{Kind: ChangeReplace, Message: &confirmed, MessageID: confirmed.ID, PreviousID: tempID, Index: tempIdx})

	case hasConfirmed:
		s.mu.Unlock()

	default:
		s.messages = append(s.messages, confirmed)
		idx := len(s.messages) - 1
		s.index[confirmed.ID] = idx
		s.mu.Unlock()
		s.emit(Change{Kind: ChangeAppend, Message: &confirmed, MessageID: confirmed.ID, Index: idx})
	}
}

// Remove deletes the message with id. It reports whether it was present.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	idx, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(idx)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeRemove, MessageID: id, Index: idx})
	return true
}

func (s *MessageStore) removeLocked(idx int) {
	delete(s.index, s.messages[idx].ID)
	delete(s.types, s.messages[idx].ID)
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	for i := idx; i < len(s.messages); i++ {
		s.index[s.messages[i].ID] = i
	}
}

// Annotate records the classification of id. Only the first call for an
// id has any effect; it reports whether this call set the type.
func (s *MessageStore) Annotate(id string, t model.MessageType) bool {
	s.mu.Lock()
	if _, done := s.types[id]; done {
		s.mu.Unlock()
		return false
	}
	idx, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.types[id] = t
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeAnnotate, MessageID: id, Type: t, Index: idx})
	return true
}

// Reset replaces the whole list with history, dropping duplicate ids and
// all classifications.
func (s *MessageStore) Reset(history []model.ChatMessage) {
	s.mu.Lock()
	s.messages = make([]model.ChatMessage, 0, len(history))
	s.index = make(map[string]int, len(history))
	s.types = make(map[string]model.MessageType)
	for _, msg := range history {
		if _, exists := s.index[msg.ID]; exists {
			continue
		}
		s.messages = append(s.messages, msg)
		s.index[msg.ID] = len(s.messages) - 1
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeReset})
}

// MergeHistory puts history at the front of the list in one step. Messages
// already present and missing from history, such as live arrivals and
// optimistic entries, follow it in their current order. Classifications of
// surviving ids are kept.
func (s *MessageStore) MergeHistory(history []model.ChatMessage) {
	s.mu.Lock()
	merged := make([]model.ChatMessage, 0, len(history)+len(s.messages))
	index := make(map[string]int, len(history)+len(s.messages))
	add := func(msg model.ChatMessage) {
		if _, exists := index[msg.ID]; exists {
			return
		}
		merged = append(merged, msg)
		index[msg.ID] = len(merged) - 1
	}
	for _, msg := range history {
		add(msg)
	}
	for _, msg := range s.messages {
		add(msg)
	}
	for id := range s.types {
		if _, ok := index[id]; !ok {
			delete(s.types, id)
		}
	}
	s.messages = merged
	s.index = index
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeReset})
}

// Messages returns a copy of the list in arrival order.
func (s *MessageStore) Messages() []model.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Classified returns the list with each message's classification.
func (s *MessageStore) Classified() []model.ClassifiedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ClassifiedMessage, len(s.messages))
	for i, msg := range s.messages {
		out[i] = model.ClassifiedMessage{ChatMessage: msg, Type: s.types[msg.ID]}
	}
	return out
}

// Get returns the message with id.
func (s *MessageStore) Get(id string) (model.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.index[id]
	if !ok {
		return model.ChatMessage{}, false
	}
	return s.messages[idx], true
}

// IndexOf returns the list position of id, or -1.
func (s *MessageStore) IndexOf(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx, ok := s.index[id]; ok {
		return idx
	}
	return -1
}

// Classification returns the recorded type for id.
func (s *MessageStore) Classification(id string) (model.MessageType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.types[id]
	return t, ok
}

// Classifications returns a copy of the classification map.
func (s *MessageStore) Classifications() map[string]model.MessageType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.MessageType, len(s.types))
	for id, t := range s.types {
		out[id] = t
	}
	return out
}

// Unclassified returns confirmed messages that have no classification yet.
func (s *MessageStore) Unclassified() []model.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ChatMessage
	for _, msg := range s.messages {
		if msg.Pending {
			continue
		}
		if _, ok := s.types[msg.ID]; !ok {
			out = append(out, msg)
		}
	}
	return out
}

// Len returns the number of messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Listen registers fn for future changes and returns a function that
// unregisters it.
func (s *MessageStore) Listen(fn Listener) (cancel func()) {
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

func (s *MessageStore) emit(c Change) {
	s.listenersMu.RLock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
