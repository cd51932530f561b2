// Package persist flushes thread change-logs to a store and rebuilds threads
// from it.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/store"
	"github.com/nstogner/celeste/pkg/thread"
)

// Synchronizer reconciles in-memory threads with a store on behalf of one
// owner. A conversation's ID is the ID of the thread holding its messages.
type Synchronizer struct {
	store   store.Store
	ownerID string
	now     func() time.Time
	opts    []thread.Option

	// mu serializes Save so two flushes of the same change-log never overlap.
	mu sync.Mutex
}

type Option func(*Synchronizer)

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// WithThreadOptions sets the options applied to threads built by Load.
func WithThreadOptions(opts ...thread.Option) Option {
	return func(s *Synchronizer) { s.opts = opts }
}

func New(st store.Store, ownerID string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:   st,
		ownerID: ownerID,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Synchronizer) OwnerID() string { return s.ownerID }

// Save flushes th's pending changes into the conversation. Inserts, updates
// and deletes run concurrently; each is skipped when empty. On success the
// flushed entries are dropped from the change-log and the conversation is
// touched. On failure the change-log is left intact and the error returned.
func (s *Synchronizer) Save(ctx context.Context, th *thread.Thread, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := th.Changes()
	if len(changes) == 0 {
		return nil
	}

	var adds, updates []*domain.Message
	var deletes []string
	for _, c := range changes {
		switch c.Type {
		case thread.ChangeAdd:
			if c.Message != nil {
				adds = append(adds, c.Message)
			}
		case thread.ChangeUpdate:
			if c.Message != nil {
				updates = append(updates, c.Message)
			}
		case thread.ChangeDelete:
			deletes = append(deletes, c.MessageID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(adds) > 0 {
		g.Go(func() error { return s.store.InsertMessages(gctx, conversationID, adds) })
	}
	if len(updates) > 0 {
		g.Go(func() error { return s.store.UpdateMessages(gctx, conversationID, updates) })
	}
	if len(deletes) > 0 {
		g.Go(func() error { return s.store.DeleteMessages(gctx, conversationID, deletes) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("saving conversation %s: %w", conversationID, err)
	}
	th.MarkFlushed(changes)

	slog.Debug("Saved conversation", "conversation", conversationID,
		"added", len(adds), "updated", len(updates), "deleted", len(deletes))

	return s.touch(ctx, th, conversationID)
}

// touch bumps UpdatedAt and replaces a default title with one derived from
// the first user prompt.
func (s *Synchronizer) touch(ctx context.Context, th *thread.Thread, conversationID string) error {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if c.Title == domain.DefaultConversationTitle {
		c.Title = TitleFor(th)
	}
	c.Touch(s.now())
	return s.store.UpdateConversation(ctx, c)
}

// Load rebuilds a thread from the stored messages of a conversation. The
// returned thread has no pending changes.
func (s *Synchronizer) Load(ctx context.Context, conversationID string) (*thread.Thread, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}
	th := thread.FromID(conversationID, s.opts...)
	for _, m := range msgs {
		th.AddExistingMessage(m)
	}
	return th, nil
}

// CreateConversation creates a record for th. A blank title is derived from
// the thread's first user prompt.
func (s *Synchronizer) CreateConversation(ctx context.Context, th *thread.Thread, title string) (*domain.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = TitleFor(th)
	}
	c := domain.NewConversation(th.ID(), s.ownerID, title, s.now())
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return c, nil
}

// WatchMessages reports message writes to a conversation until ctx is done.
func (s *Synchronizer) WatchMessages(ctx context.Context, conversationID string) (<-chan store.MessageChange, error) {
	return s.store.WatchMessages(ctx, conversationID)
}

func (s *Synchronizer) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// ListConversations returns the owner's conversations, most recent first.
func (s *Synchronizer) ListConversations(ctx context.Context, opts store.ListOptions) ([]domain.Conversation, error) {
	return s.store.ListConversations(ctx, s.ownerID, opts)
}

// MostRecent returns the most recently updated conversation, or
// store.ErrNotFound when the owner has none.
func (s *Synchronizer) MostRecent(ctx context.Context) (*domain.Conversation, error) {
	cs, err := s.store.ListConversations(ctx, s.ownerID, store.ListOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, fmt.Errorf("no conversations for %q: %w", s.ownerID, store.ErrNotFound)
	}
	return &cs[0], nil
}

func (s *Synchronizer) RenameConversation(ctx context.Context, id, title string) (*domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title must not be empty")
	}
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	c.UpdateTitle(title, s.now())
	if err := s.store.UpdateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateMetadata merges md into the conversation's metadata.
func (s *Synchronizer) UpdateMetadata(ctx context.Context, id string, md map[string]any) (*domain.Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	c.UpdateMetadata(md, s.now())
	if err := s.store.UpdateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Synchronizer) DeleteConversation(ctx context.Context, id string) error {
	return s.store.DeleteConversation(ctx, id)
}

func (s *Synchronizer) Search(ctx context.Context, query string, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(query) == "" {
		return s.ListConversations(ctx, store.ListOptions{Limit: limit})
	}
	return s.store.SearchConversations(ctx, s.ownerID, query, limit)
}

func (s *Synchronizer) SearchByCapability(ctx context.Context, c domain.Capability, limit int) ([]domain.Conversation, error) {
	return s.store.ConversationsWithCapability(ctx, s.ownerID, c, limit)
}

// TitleFor derives a conversation title from th's first user prompt.
func TitleFor(th *thread.Thread) string {
	return domain.TitleFromText(th.FirstUserText())
}
