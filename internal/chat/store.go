package chat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means another writer created the same participant pair first.
	ErrConflict = errors.New("conversation already exists for participant pair")
)

// Store is the persistence collaborator of the chat core. Implementations must make
// every method atomic on its own: AppendMessage updates the conversation summary in
// the same transaction, and the delivery/read/hide/delete updates are merges rather
// than read-modify-write cycles.
type Store interface {
	// FindConversation looks up the conversation of a sorted participant pair.
	FindConversation(ctx context.Context, low, high string) (*Conversation, error)
	// CreateConversation inserts conv or returns ErrConflict when its pair exists.
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	AppendMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, filter ListFilter) ([]*Message, error)
	ListUnread(ctx context.Context, userID string) ([]*Message, error)

	MarkDelivered(ctx context.Context, id string) (*Message, error)
	MarkRead(ctx context.Context, id, userID string) (*Message, error)
	HideForUser(ctx context.Context, id, userID string) (*Message, error)
	DeleteForEveryone(ctx context.Context, id string, at time.Time) (*Message, error)

	Ping(ctx context.Context) error
}
