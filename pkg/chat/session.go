// Package chat is the application facade UIs drive: one current conversation,
// submissions routed through the dispatcher, and saves after each exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nstogner/celeste/pkg/dispatch"
	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/events"
	"github.com/nstogner/celeste/pkg/generation"
	"github.com/nstogner/celeste/pkg/id"
	"github.com/nstogner/celeste/pkg/persist"
	"github.com/nstogner/celeste/pkg/selections"
	"github.com/nstogner/celeste/pkg/store"
	"github.com/nstogner/celeste/pkg/thread"
)

// ErrNoConversation is returned by operations that need a saved conversation
// before the first save has happened.
var ErrNoConversation = errors.New("no conversation is open")

type Config struct {
	Synchronizer *persist.Synchronizer
	Provider     generation.Provider
	// Catalog lists models. Optional.
	Catalog    generation.Catalog
	Selections *selections.Store
	// Bus receives session events on the topic named by Session.ID. Optional.
	Bus      *events.Bus
	Autosave bool
	// ThreadOptions apply to every thread the session creates.
	ThreadOptions []thread.Option
}

// Session is safe for concurrent use. Switching conversations is refused
// while a submission is in flight; pending changes are flushed before a
// switch.
type Session struct {
	id       string
	sync     *persist.Synchronizer
	disp     *dispatch.Dispatcher
	catalog  generation.Catalog
	sel      *selections.Store
	bus      *events.Bus
	autosave bool
	thOpts   []thread.Option

	// mu serializes conversation switches and saves. th and conv are written
	// under mu and may be read without it.
	mu         sync.Mutex
	th         atomic.Pointer[thread.Thread]
	conv       atomic.Pointer[domain.Conversation]
	submitting int
	unsubTh    func()
	unsubBusy  func()
	stopWatch  context.CancelFunc
}

func New(cfg Config) *Session {
	s := &Session{
		id:       id.New(),
		sync:     cfg.Synchronizer,
		disp:     dispatch.New(cfg.Provider, nil),
		catalog:  cfg.Catalog,
		sel:      cfg.Selections,
		bus:      cfg.Bus,
		autosave: cfg.Autosave,
		thOpts:   cfg.ThreadOptions,
	}
	s.unsubBusy = s.disp.Busy().OnChange(func(on bool) {
		s.publish(events.Event{Type: events.Busy, Busy: on})
	})
	s.mu.Lock()
	s.setThread(thread.New(s.thOpts...), nil)
	s.mu.Unlock()
	return s
}

// ID names the session's event topic.
func (s *Session) ID() string { return s.id }

func (s *Session) Selections() *selections.Store { return s.sel }

func (s *Session) Synchronizer() *persist.Synchronizer { return s.sync }

// Generating reports whether a generation is in progress.
func (s *Session) Generating() bool { return s.disp.Busy().Generating() }

func (s *Session) Thread() *thread.Thread {
	return s.th.Load()
}

// Conversation returns the current conversation record, or false before the
// first save.
func (s *Session) Conversation() (domain.Conversation, bool) {
	c := s.conv.Load()
	if c == nil {
		return domain.Conversation{}, false
	}
	return *c, true
}

func (s *Session) Messages() []*domain.Message {
	return s.Thread().Messages()
}

// Models lists catalog models matching the current selections.
func (s *Session) Models(ctx context.Context) ([]domain.Model, error) {
	return s.ListModels(ctx, s.sel.Filter())
}

func (s *Session) ListModels(ctx context.Context, filter domain.ModelFilter) ([]domain.Model, error) {
	if s.catalog == nil {
		return nil, nil
	}
	return s.catalog.ListModels(ctx, filter)
}

// Publish sends ev to the session's subscribers.
func (s *Session) Publish(ev events.Event) { s.publish(ev) }

// Submit dispatches a prompt against the current conversation with the
// current selections. With autosave on, the conversation is saved afterwards
// even when generation failed, so the failed draft is persisted too.
func (s *Session) Submit(ctx context.Context, sub dispatch.Submission) (dispatch.Result, error) {
	s.mu.Lock()
	th := s.th.Load()
	s.submitting++
	s.mu.Unlock()

	res, err := s.disp.Submit(ctx, th, s.sel.Get(), sub)

	s.mu.Lock()
	s.submitting--
	s.mu.Unlock()

	if err != nil {
		s.publish(events.Event{Type: events.Error, ConversationID: th.ID(), Error: err.Error()})
	}
	if !res.Accepted || !s.autosave {
		return res, err
	}
	if saveErr := s.Save(context.WithoutCancel(ctx)); saveErr != nil {
		slog.Error("Autosave failed", "conversation", th.ID(), "error", saveErr)
		s.publish(events.Event{Type: events.Error, ConversationID: th.ID(), Error: saveErr.Error()})
		if err == nil {
			err = saveErr
		}
	}
	return res, err
}

// Cancel stops the in-flight submission, keeping any streamed text.
func (s *Session) Cancel() { s.disp.Cancel() }

// Save creates the conversation record on first use and flushes pending
// changes.
func (s *Session) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

// Caller holds s.mu.
func (s *Session) saveLocked(ctx context.Context) error {
	th, c := s.th.Load(), s.conv.Load()
	if c == nil {
		if !th.Dirty() {
			return nil
		}
		created, err := s.sync.CreateConversation(ctx, th, "")
		if err != nil {
			return err
		}
		s.conv.Store(created)
		c = created
	}
	if s.stopWatch == nil {
		s.watchLocked(th, c.ID)
	}
	if err := s.sync.Save(store.WithOrigin(ctx, s.id), th, c.ID); err != nil {
		return err
	}
	c, err := s.sync.GetConversation(ctx, c.ID)
	if err != nil {
		return err
	}
	s.conv.Store(c)
	s.publish(events.Event{Type: events.ConversationChanged, ConversationID: c.ID})
	return nil
}

// Caller holds s.mu.
func (s *Session) checkIdle() error {
	if s.submitting > 0 || s.disp.InFlight() {
		return dispatch.ErrBusy
	}
	return nil
}

// NewConversation flushes the current conversation and starts an empty one.
// The record is created on the first save.
func (s *Session) NewConversation(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdle(); err != nil {
		return err
	}
	if err := s.saveLocked(ctx); err != nil {
		return fmt.Errorf("saving current conversation: %w", err)
	}
	s.setThread(thread.New(s.thOpts...), nil)
	return nil
}

// Open flushes the current conversation and loads conversationID.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdle(); err != nil {
		return err
	}
	return s.openLocked(ctx, conversationID)
}

// Caller holds s.mu.
func (s *Session) openLocked(ctx context.Context, conversationID string) error {
	if err := s.saveLocked(ctx); err != nil {
		return fmt.Errorf("saving current conversation: %w", err)
	}
	c, err := s.sync.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	th, err := s.sync.Load(ctx, conversationID)
	if err != nil {
		return err
	}
	s.setThread(th, c)
	return nil
}

// OpenMostRecent opens the latest conversation. With none stored the session
// keeps its empty conversation.
func (s *Session) OpenMostRecent(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdle(); err != nil {
		return err
	}
	c, err := s.sync.MostRecent(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.openLocked(ctx, c.ID)
}

func (s *Session) Rename(ctx context.Context, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.conv.Load()
	if cur == nil {
		return ErrNoConversation
	}
	c, err := s.sync.RenameConversation(ctx, cur.ID, title)
	if err != nil {
		return err
	}
	s.conv.Store(c)
	s.publish(events.Event{Type: events.ConversationChanged, ConversationID: c.ID})
	return nil
}

// DeleteConversation removes a stored conversation. Deleting the current one
// starts a fresh conversation.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.conv.Load()
	current := cur != nil && cur.ID == conversationID
	if current {
		if err := s.checkIdle(); err != nil {
			return err
		}
	}
	if err := s.sync.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	if current {
		s.setThread(thread.New(s.thOpts...), nil)
	} else {
		s.publish(events.Event{Type: events.ConversationChanged, ConversationID: conversationID})
	}
	return nil
}

// DeleteMessage removes a message from the current conversation.
func (s *Session) DeleteMessage(ctx context.Context, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIdle(); err != nil {
		return err
	}
	if !s.th.Load().DeleteMessage(msgID) {
		return fmt.Errorf("message %s: %w", msgID, store.ErrNotFound)
	}
	if !s.autosave {
		return nil
	}
	return s.saveLocked(ctx)
}

// Close detaches the session from its thread, store watch and busy flag.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubTh != nil {
		s.unsubTh()
		s.unsubTh = nil
	}
	s.unwatchLocked()
	s.unsubBusy()
}

// Caller holds s.mu.
func (s *Session) setThread(th *thread.Thread, c *domain.Conversation) {
	if s.unsubTh != nil {
		s.unsubTh()
	}
	s.unwatchLocked()
	s.th.Store(th)
	s.conv.Store(c)
	s.unsubTh = th.Subscribe(func(ev thread.Event) {
		s.publish(events.FromThread(ev))
	})
	convID := ""
	if c != nil {
		convID = c.ID
		s.watchLocked(th, c.ID)
	}
	s.publish(events.Event{Type: events.ConversationChanged, ConversationID: convID})
}

// watchLocked applies message writes made by other sessions to th until the
// conversation is switched. A failed watch only loses live updates. Caller
// holds s.mu.
func (s *Session) watchLocked(th *thread.Thread, conversationID string) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.sync.WatchMessages(ctx, conversationID)
	if err != nil {
		cancel()
		slog.Warn("Watching conversation failed", "conversation", conversationID, "error", err)
		return
	}
	s.stopWatch = cancel
	go func() {
		for c := range ch {
			if c.Origin == s.id {
				continue
			}
			switch c.Type {
			case store.MessageDeleted:
				th.RemoveRemote(c.MessageID)
			default:
				if c.Message != nil {
					th.ApplyRemote(c.Message)
				}
			}
		}
	}()
}

// Caller holds s.mu.
func (s *Session) unwatchLocked() {
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
}

func (s *Session) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.PublishBlind(s.id, ev)
}
