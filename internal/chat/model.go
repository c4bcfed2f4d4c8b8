package chat

import (
	"encoding/json"
	"sort"
	"time"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

// DeliveryStatus is the coarse "best progress across recipients" marker of a message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s DeliveryStatus) Valid() bool { return s.rank() > 0 }

// Advance returns the later of s and next. Status never moves backward.
func (s DeliveryStatus) Advance(next DeliveryStatus) DeliveryStatus {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// UserSet is an add-only set of user ids. It encodes as a sorted JSON array.
type UserSet map[string]struct{}

func NewUserSet(ids ...string) UserSet {
	s := make(UserSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add reports whether id was not already present.
func (s UserSet) Add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s UserSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s UserSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s UserSet) Clone() UserSet {
	c := make(UserSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

func (s UserSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *UserSet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewUserSet(ids...)
	return nil
}

// LastMessage is the conversation's cached summary of its newest visible message.
type LastMessage struct {
	Text     string    `json:"text"`
	SenderID string    `json:"sender_id"`
	SentAt   time.Time `json:"sent_at"`
}

type Conversation struct {
	ID string `json:"id"`
	// Sorted ascending; the pair is unique across conversations
	Participants [2]string    `json:"participants"`
	IsGroup      bool         `json:"is_group"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

func (c *Conversation) Clone() *Conversation {
	cp := *c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		cp.LastMessage = &lm
	}
	return &cp
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Text           string         `json:"text"`
	SentAt         time.Time      `json:"sent_at"`
	ReadBy         UserSet        `json:"read_by"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	DeletedFor     UserSet        `json:"deleted_for"`
	IsDeleted      bool           `json:"is_deleted"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

// VisibleTo reports whether the message may be served to userID.
func (m *Message) VisibleTo(userID string) bool {
	if m.IsDeleted {
		return false
	}
	return !m.DeletedFor.Has(userID)
}

func (m *Message) Clone() *Message {
	cp := *m
	cp.ReadBy = m.ReadBy.Clone()
	cp.DeletedFor = m.DeletedFor.Clone()
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

// ListFilter narrows a conversation's history.
type ListFilter struct {
	// ExcludeDeleted drops hard-deleted messages.
	ExcludeDeleted bool
	// Viewer, when set, drops messages the viewer deleted for themselves.
	Viewer string
}

// ---------------------------------------------
// ⚡ Events
// ---------------------------------------------

type EventType string

const (
	EventMessageSent      EventType = "message.sent"
	EventMessageDelivered EventType = "message.delivered"
	EventMessageRead      EventType = "message.read"
	EventMessageHidden    EventType = "message.hidden"
	EventMessageDeleted   EventType = "message.deleted"
)

// Event tells connected clients that something changed and a re-poll is worthwhile.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Recipients     []string  `json:"recipients"`
	Message        *Message  `json:"message,omitempty"`
	At             time.Time `json:"at"`
}

// SendRequest is what a sender submits; the conversation is resolved from the pair.
type SendRequest struct {
	SenderID    string `json:"-"`
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	IsGroup     bool   `json:"is_group"`
}
