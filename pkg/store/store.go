// Package store defines persistence for conversations and their messages.
package store

import (
	"context"
	"errors"

	"github.com/nstogner/celeste/pkg/domain"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("not found")

// ListOptions pages conversation listings. A zero Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// ConversationStore manages the lightweight conversation records shown in the
// history list. Records are independent of message content.
type ConversationStore interface {
	// CreateConversation persists a new conversation. The ID must be set by
	// the caller.
	CreateConversation(ctx context.Context, c *domain.Conversation) error

	// GetConversation returns ErrNotFound if the conversation does not exist.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns the owner's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, ownerID string, opts ListOptions) ([]domain.Conversation, error)

	// UpdateConversation persists title, metadata and UpdatedAt.
	UpdateConversation(ctx context.Context, c *domain.Conversation) error

	// DeleteConversation removes a conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error

	// SearchConversations returns the owner's conversations whose title or
	// message text contains query, case-insensitively.
	SearchConversations(ctx context.Context, ownerID, query string, limit int) ([]domain.Conversation, error)

	// ConversationsWithCapability returns the owner's conversations holding at
	// least one message of the given capability.
	ConversationsWithCapability(ctx context.Context, ownerID string, c domain.Capability, limit int) ([]domain.Conversation, error)
}

// MessageStore persists messages keyed by conversation and ordered by
// Message.Seq. Bulk operations are not transactional. Inserts and updates into
// a conversation that does not exist fail with ErrNotFound.
type MessageStore interface {
	InsertMessages(ctx context.Context, conversationID string, msgs []*domain.Message) error

	// UpdateMessages overwrites stored messages. Messages that are not stored
	// yet are inserted.
	UpdateMessages(ctx context.Context, conversationID string, msgs []*domain.Message) error

	// DeleteMessages removes messages by ID. Unknown IDs are ignored.
	DeleteMessages(ctx context.Context, conversationID string, ids []string) error

	// ListMessages returns all messages in Seq order.
	ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error)

	// WatchMessages streams message writes made to one conversation after the
	// call, until ctx is done. The channel is then closed. Slow consumers miss
	// changes.
	WatchMessages(ctx context.Context, conversationID string) (<-chan MessageChange, error)
}

// MessageChangeType is the kind of a stored message write.
type MessageChangeType string

const (
	MessageInserted MessageChangeType = "inserted"
	MessageUpdated  MessageChangeType = "updated"
	MessageDeleted  MessageChangeType = "deleted"
)

// MessageChange describes one message write seen by WatchMessages.
type MessageChange struct {
	Type           MessageChangeType
	ConversationID string
	MessageID      string
	// Message is nil for deletes.
	Message *domain.Message
	// Origin is the writer's tag from WithOrigin, empty if untagged.
	Origin string
}

type originKey struct{}

// WithOrigin tags writes made with ctx so their watchers can tell who made
// them.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the tag set by WithOrigin.
func OriginFrom(ctx context.Context) string {
	o, _ := ctx.Value(originKey{}).(string)
	return o
}

// Store is a complete persistence backend.
type Store interface {
	ConversationStore
	MessageStore

	// Subscribe returns a channel that emits conversation IDs whenever a
	// conversation or its messages are written. Slow consumers miss
	// notifications.
	Subscribe() <-chan string

	Close() error
}
