// Package memory is an in-process store.Store.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/store"
)

type Store struct {
	store.Notifier
	store.MessageFeed

	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	// messages is keyed by conversation ID, then message ID.
	messages map[string]map[string]*domain.Message
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		conversations: map[string]*domain.Conversation{},
		messages:      map[string]map[string]*domain.Message{},
	}
}

func (s *Store) Close() error { return nil }

func copyConversation(c *domain.Conversation) *domain.Conversation {
	cp := *c
	cp.Metadata = maps.Clone(c.Metadata)
	return &cp
}

func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	if _, ok := s.conversations[c.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation already exists: %s", c.ID)
	}
	s.conversations[c.ID] = copyConversation(c)
	s.mu.Unlock()
	s.Notify(c.ID)
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return copyConversation(c), nil
}

func (s *Store) ListConversations(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return page(s.owned(ownerID, func(*domain.Conversation) bool { return true }), opts), nil
}

func (s *Store) UpdateConversation(ctx context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	if _, ok := s.conversations[c.ID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", c.ID, store.ErrNotFound)
	}
	s.conversations[c.ID] = copyConversation(c)
	s.mu.Unlock()
	s.Notify(c.ID)
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.conversations[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	s.mu.Unlock()
	s.Notify(id)
	return nil
}

func (s *Store) SearchConversations(ctx context.Context, ownerID, query string, limit int) ([]domain.Conversation, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := s.owned(ownerID, func(c *domain.Conversation) bool {
		if strings.Contains(strings.ToLower(c.Title), q) {
			return true
		}
		for _, m := range s.messages[c.ID] {
			if strings.Contains(strings.ToLower(m.Text()), q) {
				return true
			}
		}
		return false
	})
	return page(found, store.ListOptions{Limit: limit}), nil
}

func (s *Store) ConversationsWithCapability(ctx context.Context, ownerID string, capability domain.Capability, limit int) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := s.owned(ownerID, func(c *domain.Conversation) bool {
		for _, m := range s.messages[c.ID] {
			if m.Capability == capability {
				return true
			}
		}
		return false
	})
	return page(found, store.ListOptions{Limit: limit}), nil
}

// owned returns matching conversations, most recently updated first. Caller
// holds s.mu.
func (s *Store) owned(ownerID string, match func(*domain.Conversation) bool) []domain.Conversation {
	var out []domain.Conversation
	for _, c := range s.conversations {
		if c.OwnerID == ownerID && match(c) {
			out = append(out, *copyConversation(c))
		}
	}
	slices.SortFunc(out, func(a, b domain.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func page(cs []domain.Conversation, opts store.ListOptions) []domain.Conversation {
	if opts.Offset > 0 {
		if opts.Offset >= len(cs) {
			return nil
		}
		cs = cs[opts.Offset:]
	}
	if opts.Limit > 0 && len(cs) > opts.Limit {
		cs = cs[:opts.Limit]
	}
	return cs
}

func (s *Store) InsertMessages(ctx context.Context, conversationID string, msgs []*domain.Message) error {
	return s.put(ctx, conversationID, msgs, false)
}

func (s *Store) UpdateMessages(ctx context.Context, conversationID string, msgs []*domain.Message) error {
	return s.put(ctx, conversationID, msgs, true)
}

func (s *Store) put(ctx context.Context, conversationID string, msgs []*domain.Message, overwrite bool) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}
	byID, ok := s.messages[conversationID]
	if !ok {
		byID = map[string]*domain.Message{}
		s.messages[conversationID] = byID
	}
	if !overwrite {
		for _, m := range msgs {
			if _, exists := byID[m.ID]; exists {
				s.mu.Unlock()
				return fmt.Errorf("message already exists: %s", m.ID)
			}
		}
	}
	for _, m := range msgs {
		byID[m.ID] = m.Clone()
	}
	s.mu.Unlock()

	typ := store.MessageInserted
	if overwrite {
		typ = store.MessageUpdated
	}
	s.PublishWrites(ctx, conversationID, typ, msgs)
	s.Notify(conversationID)
	return nil
}

func (s *Store) DeleteMessages(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	var deleted []string
	for _, id := range ids {
		if _, ok := s.messages[conversationID][id]; ok {
			delete(s.messages[conversationID], id)
			deleted = append(deleted, id)
		}
	}
	s.mu.Unlock()
	s.PublishDeletes(ctx, conversationID, deleted)
	s.Notify(conversationID)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Message, 0, len(s.messages[conversationID]))
	for _, m := range s.messages[conversationID] {
		out = append(out, m.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Message) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}
