package thread

import "github.com/nstogner/celeste/pkg/domain"

// EventType identifies what changed in a thread.
type EventType string

const (
	EventAdded   EventType = "message_added"
	EventUpdated EventType = "message_updated"
	EventRemoved EventType = "message_removed"
)

// Event describes a single mutation. Message is a snapshot owned by the
// receiver; it is nil for removals.
type Event struct {
	Type      EventType       `json:"type"`
	ThreadID  string          `json:"thread_id"`
	MessageID string          `json:"message_id"`
	Message   *domain.Message `json:"message,omitempty"`
}

// Listener is called after every mutation.
type Listener func(Event)

// Subscribe registers a listener and returns a function that removes it.
func (t *Thread) Subscribe(l Listener) (unsubscribe func()) {
	t.mu.Lock()
	lid := t.nextLID
	t.nextLID++
	t.listeners[lid] = l
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, lid)
		t.mu.Unlock()
	}
}

func (t *Thread) emit(ev Event) {
	t.mu.Lock()
	ls := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.mu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}
