package dispatch

import "sync"

// Busy is the process-wide "is generating" indicator read by UIs.
type Busy struct {
	mu        sync.Mutex
	on        bool
	listeners map[int]func(bool)
	next      int
}

func NewBusy() *Busy {
	return &Busy{listeners: map[int]func(bool){}}
}

// Generating reports whether a generation is in progress.
func (b *Busy) Generating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.on
}

// OnChange registers fn to be called whenever the flag flips.
func (b *Busy) OnChange(fn func(bool)) (unsubscribe func()) {
	b.mu.Lock()
	lid := b.next
	b.next++
	b.listeners[lid] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, lid)
		b.mu.Unlock()
	}
}

func (b *Busy) set(on bool) {
	b.mu.Lock()
	if b.on == on {
		b.mu.Unlock()
		return
	}
	b.on = on
	fns := make([]func(bool), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(on)
	}
}
