// Package thread holds the in-memory aggregate for one conversation: an
// ordered list of messages plus the log of changes not yet persisted.
package thread

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/id"
)

// ChangeType is the kind of a pending change.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one pending change-log entry.
type Change struct {
	Type      ChangeType
	MessageID string
	// Message is a snapshot of the message taken when Changes was called.
	// Nil for deletes.
	Message *domain.Message
	// Rev is the thread revision at which the entry was last touched.
	Rev uint64
}

type entry struct {
	typ ChangeType
	id  string
	rev uint64
}

// Thread is safe for concurrent use. Listeners are invoked after the
// internal lock is released, in mutation order per goroutine.
type Thread struct {
	id string

	mu        *sync.Mutex
	messages  []*domain.Message
	changes   []entry
	seq       int64
	rev       uint64
	listeners map[int]Listener
	nextLID   int

	newID id.Generator
	now   func() time.Time
}

// Option configures a Thread.
type Option func(*Thread)

// WithIDGenerator overrides how message ids are generated.
func WithIDGenerator(g id.Generator) Option {
	return func(t *Thread) { t.newID = g }
}

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Thread) { t.now = now }
}

// New creates an empty thread with a fresh id.
func New(opts ...Option) *Thread {
	return FromID(id.New(), opts...)
}

// FromID creates an empty thread carrying an existing id, for rehydration.
func FromID(threadID string, opts ...Option) *Thread {
	t := &Thread{
		id:        threadID,
		mu:        &sync.Mutex{},
		listeners: map[int]Listener{},
		newID:     id.New,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Thread) ID() string { return t.id }

// AddMessage appends a new message and records an add change. The returned
// value is a snapshot; use its ID for later mutations.
func (t *Thread) AddMessage(provider string, capability domain.Capability, model string, parts []domain.Part, role domain.Role) *domain.Message {
	t.mu.Lock()
	t.seq++
	m := domain.NewMessage(t.newID(), role, capability, provider, model, parts, t.seq, t.now())
	t.messages = append(t.messages, m)
	t.rev++
	t.changes = append(t.changes, entry{typ: ChangeAdd, id: m.ID, rev: t.rev})
	snap := m.Clone()
	t.mu.Unlock()

	t.emit(Event{Type: EventAdded, ThreadID: t.id, MessageID: snap.ID, Message: snap.Clone()})
	return snap
}

// AddExistingMessage appends an already-persisted message without recording a
// change. The sequence counter is advanced past the message's Seq so later
// additions sort after it; a zero Seq is assigned the next value.
func (t *Thread) AddExistingMessage(m *domain.Message) {
	t.mu.Lock()
	m = m.Clone()
	if m.Seq <= 0 {
		t.seq++
		m.Seq = t.seq
	} else if m.Seq > t.seq {
		t.seq = m.Seq
	}
	if len(m.Parts) == 0 {
		m.Parts = []domain.Part{domain.NewTextPart("")}
	}
	t.messages = append(t.messages, m)
	snap := m.Clone()
	t.mu.Unlock()

	t.emit(Event{Type: EventAdded, ThreadID: t.id, MessageID: snap.ID, Message: snap})
}

// UpdateMessage replaces a message's parts. Returns false if id is unknown.
func (t *Thread) UpdateMessage(msgID string, parts []domain.Part) bool {
	return t.mutate(msgID, func(m *domain.Message) { m.UpdateContent(parts) })
}

// AppendTextToMessage appends a streamed delta. Returns false if id is unknown.
func (t *Thread) AppendTextToMessage(msgID, text string) bool {
	return t.mutate(msgID, func(m *domain.Message) { m.AppendText(text) })
}

// AppendPartsToMessage appends parts, replacing a draft placeholder. Returns
// false if id is unknown.
func (t *Thread) AppendPartsToMessage(msgID string, parts []domain.Part) bool {
	return t.mutate(msgID, func(m *domain.Message) { m.AppendParts(parts) })
}

// MarkFailed records a generation error on a message. Returns false if id is
// unknown.
func (t *Thread) MarkFailed(msgID string, err error) bool {
	if err == nil {
		return false
	}
	return t.mutate(msgID, func(m *domain.Message) { m.Error = err.Error() })
}

func (t *Thread) mutate(msgID string, fn func(*domain.Message)) bool {
	t.mu.Lock()
	i := t.indexOf(msgID)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	m := t.messages[i]
	fn(m)
	t.rev++
	t.touch(msgID)
	snap := m.Clone()
	t.mu.Unlock()

	t.emit(Event{Type: EventUpdated, ThreadID: t.id, MessageID: msgID, Message: snap})
	return true
}

// touch coalesces an update into an existing add or update entry for id.
// Caller holds t.mu.
func (t *Thread) touch(msgID string) {
	for i := range t.changes {
		if t.changes[i].id == msgID && t.changes[i].typ != ChangeDelete {
			t.changes[i].rev = t.rev
			return
		}
	}
	t.changes = append(t.changes, entry{typ: ChangeUpdate, id: msgID, rev: t.rev})
}

// DeleteMessage removes a message and records a delete change, superseding
// any pending add or update for it. A message whose add was never flushed
// leaves no trace in the log. Returns false if id is unknown.
func (t *Thread) DeleteMessage(msgID string) bool {
	t.mu.Lock()
	i := t.indexOf(msgID)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	t.messages = slices.Delete(t.messages, i, i+1)
	unsaved := false
	t.changes = slices.DeleteFunc(t.changes, func(e entry) bool {
		if e.id != msgID {
			return false
		}
		unsaved = unsaved || e.typ == ChangeAdd
		return true
	})
	t.rev++
	if !unsaved {
		t.changes = append(t.changes, entry{typ: ChangeDelete, id: msgID, rev: t.rev})
	}
	t.mu.Unlock()

	t.emit(Event{Type: EventRemoved, ThreadID: t.id, MessageID: msgID})
	return true
}

// Messages returns deep copies of all messages in order.
func (t *Thread) Messages() []*domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// Message returns a copy of the message with the given id.
func (t *Thread) Message(msgID string) (*domain.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(msgID)
	if i < 0 {
		return nil, false
	}
	return t.messages[i].Clone(), true
}

// LastMessage returns a copy of the most recently added message.
func (t *Thread) LastMessage() (*domain.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return nil, false
	}
	return t.messages[len(t.messages)-1].Clone(), true
}

func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Changes returns the pending change-log with snapshots of the current state
// of every added or updated message.
func (t *Thread) Changes() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Change, 0, len(t.changes))
	for _, e := range t.changes {
		c := Change{Type: e.typ, MessageID: e.id, Rev: e.rev}
		if e.typ != ChangeDelete {
			if i := t.indexOf(e.id); i >= 0 {
				c.Message = t.messages[i].Clone()
			}
		}
		out = append(out, c)
	}
	return out
}

// Dirty reports whether there are pending changes.
func (t *Thread) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes) > 0
}

// MarkClean empties the change-log without altering messages.
func (t *Thread) MarkClean() {
	t.mu.Lock()
	t.changes = nil
	t.mu.Unlock()
}

// MarkFlushed drops the given changes from the log. Entries touched again
// after the snapshot was taken are kept; a flushed add that was touched again
// becomes an update, since the message now exists in the store. A flushed add
// whose message was deleted meanwhile is replaced by a delete.
func (t *Thread) MarkFlushed(flushed []Change) {
	if len(flushed) == 0 {
		return
	}
	done := make(map[string]Change, len(flushed))
	for _, c := range flushed {
		done[c.MessageID] = c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.changes[:0]
	for _, e := range t.changes {
		c, ok := done[e.id]
		switch {
		case !ok:
		case c.Type != e.typ:
			// Replaced by a different kind of change since the snapshot.
		case e.rev == c.Rev:
			continue
		case e.typ == ChangeAdd:
			e.typ = ChangeUpdate
		}
		kept = append(kept, e)
	}
	t.changes = kept

	for _, c := range flushed {
		if c.Type != ChangeAdd || t.indexOf(c.MessageID) >= 0 {
			continue
		}
		if slices.ContainsFunc(t.changes, func(e entry) bool { return e.id == c.MessageID }) {
			continue
		}
		t.rev++
		t.changes = append(t.changes, entry{typ: ChangeDelete, id: c.MessageID, rev: t.rev})
	}
}

// ApplyRemote inserts or replaces a message written elsewhere, without
// recording a change. Messages with pending local changes are left alone.
// Reports whether the thread changed.
func (t *Thread) ApplyRemote(m *domain.Message) bool {
	t.mu.Lock()
	if t.pending(m.ID) {
		t.mu.Unlock()
		return false
	}
	m = m.Clone()
	if len(m.Parts) == 0 {
		m.Parts = []domain.Part{domain.NewTextPart("")}
	}
	typ := EventUpdated
	if i := t.indexOf(m.ID); i >= 0 {
		t.messages[i] = m
	} else {
		typ = EventAdded
		if m.Seq <= 0 {
			t.seq++
			m.Seq = t.seq
		} else if m.Seq > t.seq {
			t.seq = m.Seq
		}
		at, _ := slices.BinarySearchFunc(t.messages, m.Seq, func(x *domain.Message, seq int64) int {
			return cmp.Compare(x.Seq, seq)
		})
		t.messages = slices.Insert(t.messages, at, m)
	}
	snap := m.Clone()
	t.mu.Unlock()

	t.emit(Event{Type: typ, ThreadID: t.id, MessageID: snap.ID, Message: snap})
	return true
}

// RemoveRemote drops a message deleted elsewhere, without recording a
// change. Reports whether the thread changed.
func (t *Thread) RemoveRemote(msgID string) bool {
	t.mu.Lock()
	i := t.indexOf(msgID)
	if i < 0 || t.pending(msgID) {
		t.mu.Unlock()
		return false
	}
	t.messages = slices.Delete(t.messages, i, i+1)
	t.mu.Unlock()

	t.emit(Event{Type: EventRemoved, ThreadID: t.id, MessageID: msgID})
	return true
}

// Caller holds t.mu.
func (t *Thread) pending(msgID string) bool {
	return slices.ContainsFunc(t.changes, func(e entry) bool { return e.id == msgID })
}

// Clone returns a new Thread with the same id whose message and change slices
// are shallow copies of this one's. The messages themselves are shared, so
// the clone is not an isolated copy; it shares its source's lock, which keeps
// both safe to use concurrently. Listeners are not carried over.
func (t *Thread) Clone() *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Thread{
		id:        t.id,
		mu:        t.mu,
		messages:  slices.Clone(t.messages),
		changes:   slices.Clone(t.changes),
		seq:       t.seq,
		rev:       t.rev,
		listeners: map[int]Listener{},
		newID:     t.newID,
		now:       t.now,
	}
}

// Caller holds t.mu.
func (t *Thread) indexOf(msgID string) int {
	return slices.IndexFunc(t.messages, func(m *domain.Message) bool { return m.ID == msgID })
}
