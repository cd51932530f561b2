package store

import (
	"context"
	"sync"

	"github.com/nstogner/celeste/pkg/domain"
)

// Notifier fans conversation IDs out to subscribers. The zero value is ready
// to use.
type Notifier struct {
	mu          sync.RWMutex
	subscribers []chan string
}

func (n *Notifier) Subscribe() <-chan string {
	ch := make(chan string, 64)
	n.mu.Lock()
	n.subscribers = append(n.subscribers, ch)
	n.mu.Unlock()
	return ch
}

func (n *Notifier) Notify(conversationID string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subscribers {
		select {
		case ch <- conversationID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// MessageFeed serves WatchMessages for stores that see every write in
// process. The zero value is ready to use.
type MessageFeed struct {
	mu       sync.Mutex
	nextID   int
	watchers map[string]map[int]chan MessageChange
}

func (f *MessageFeed) WatchMessages(ctx context.Context, conversationID string) (<-chan MessageChange, error) {
	ch := make(chan MessageChange, 256)
	f.mu.Lock()
	if f.watchers == nil {
		f.watchers = map[string]map[int]chan MessageChange{}
	}
	if f.watchers[conversationID] == nil {
		f.watchers[conversationID] = map[int]chan MessageChange{}
	}
	wid := f.nextID
	f.nextID++
	f.watchers[conversationID][wid] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.watchers[conversationID], wid)
		if len(f.watchers[conversationID]) == 0 {
			delete(f.watchers, conversationID)
		}
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// PublishWrites reports inserted or updated messages to watchers. Messages
// are copied.
func (f *MessageFeed) PublishWrites(ctx context.Context, conversationID string, typ MessageChangeType, msgs []*domain.Message) {
	origin := OriginFrom(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.send(MessageChange{Type: typ, ConversationID: conversationID, MessageID: m.ID, Message: m.Clone(), Origin: origin})
	}
}

// PublishDeletes reports deleted message IDs to watchers.
func (f *MessageFeed) PublishDeletes(ctx context.Context, conversationID string, ids []string) {
	origin := OriginFrom(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.send(MessageChange{Type: MessageDeleted, ConversationID: conversationID, MessageID: id, Origin: origin})
	}
}

// Caller holds f.mu.
func (f *MessageFeed) send(c MessageChange) {
	for _, ch := range f.watchers[c.ConversationID] {
		select {
		case ch <- c:
		default:
		}
	}
}
