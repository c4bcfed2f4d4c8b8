package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It backs STORE=memory and the tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // conversationID -> conversation
	pairs         map[string]string        // pair key -> conversationID
	userIndex     map[string][]string      // userID -> []conversationID
	messages      map[string]*Message      // messageID -> message
	order         map[string][]string      // conversationID -> []messageID in append order
	seq           map[string]int64         // messageID -> append sequence
	nextSeq       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		pairs:         make(map[string]string),
		userIndex:     make(map[string][]string),
		messages:      make(map[string]*Message),
		order:         make(map[string][]string),
		seq:           make(map[string]int64),
	}
}

func (s *MemoryStore) FindConversation(_ context.Context, low, high string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pairs[pairKey(low, high)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.conversations[id].Clone(), nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(conv.Participants[0], conv.Participants[1])
	if _, ok := s.pairs[key]; ok {
		return ErrConflict
	}
	s.conversations[conv.ID] = conv.Clone()
	s.pairs[key] = conv.ID
	for _, p := range conv.Participants {
		s.userIndex[p] = append(s.userIndex[p], conv.ID)
	}
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Conversation, 0, len(s.userIndex[userID]))
	for _, id := range s.userIndex[userID] {
		result = append(result, s.conversations[id].Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	stored := msg.Clone()
	s.nextSeq++
	s.seq[stored.ID] = s.nextSeq
	s.messages[stored.ID] = stored
	s.order[conv.ID] = append(s.order[conv.ID], stored.ID)

	conv.LastMessage = &LastMessage{Text: stored.Text, SenderID: stored.SenderID, SentAt: stored.SentAt}
	conv.UpdatedAt = stored.SentAt
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, filter ListFilter) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	var out []*Message
	for _, id := range s.order[conversationID] {
		msg := s.messages[id]
		if filter.ExcludeDeleted && msg.IsDeleted {
			continue
		}
		if filter.Viewer != "" && msg.DeletedFor.Has(filter.Viewer) {
			continue
		}
		out = append(out, msg.Clone())
	}
	s.sortLocked(out)
	return out, nil
}

func (s *MemoryStore) ListUnread(_ context.Context, userID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, convID := range s.userIndex[userID] {
		for _, id := range s.order[convID] {
			msg := s.messages[id]
			if msg.SenderID == userID || msg.ReadBy.Has(userID) || !msg.VisibleTo(userID) {
				continue
			}
			out = append(out, msg.Clone())
		}
	}
	s.sortLocked(out)
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id string) (*Message, error) {
	return s.update(id, func(msg *Message) {
		msg.DeliveryStatus = msg.DeliveryStatus.Advance(StatusDelivered)
	})
}

func (s *MemoryStore) MarkRead(_ context.Context, id, userID string) (*Message, error) {
	return s.update(id, func(msg *Message) {
		msg.ReadBy.Add(userID)
		msg.DeliveryStatus = msg.DeliveryStatus.Advance(StatusRead)
	})
}

func (s *MemoryStore) HideForUser(_ context.Context, id, userID string) (*Message, error) {
	return s.update(id, func(msg *Message) {
		msg.DeletedFor.Add(userID)
	})
}

func (s *MemoryStore) DeleteForEveryone(_ context.Context, id string, at time.Time) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !msg.IsDeleted {
		msg.IsDeleted = true
		msg.DeletedAt = &at
	}

	// Recompute the summary from the newest message still visible to anyone
	conv := s.conversations[msg.ConversationID]
	conv.LastMessage = nil
	var newest *Message
	for _, mid := range s.order[conv.ID] {
		m := s.messages[mid]
		if m.IsDeleted {
			continue
		}
		if newest == nil || !m.SentAt.Before(newest.SentAt) {
			newest = m
		}
	}
	if newest != nil {
		conv.LastMessage = &LastMessage{Text: newest.Text, SenderID: newest.SenderID, SentAt: newest.SentAt}
	}
	return msg.Clone(), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) update(id string, fn func(*Message)) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.ReadBy == nil {
		msg.ReadBy = NewUserSet()
	}
	if msg.DeletedFor == nil {
		msg.DeletedFor = NewUserSet()
	}
	fn(msg)
	return msg.Clone(), nil
}

// sortLocked orders by SentAt, then append sequence. Caller holds s.mu.
func (s *MemoryStore) sortLocked(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return s.seq[a.ID] < s.seq[b.ID]
	})
}
