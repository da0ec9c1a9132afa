package spreadsheet

import "sync"

// Watchers is an observer list owned by a store. callbacks run synchronously,
// in registration order, inside the operation that fired them.
type Watchers[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []watcherEntry[T]
}

type watcherEntry[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a func that unregisters it.
func (w *Watchers[T]) Add(fn func(T)) (remove func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	w.entries = append(w.entries, watcherEntry[T]{id: id, fn: fn})

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, e := range w.entries {
			if e.id == id {
				w.entries = append(w.entries[:i:i], w.entries[i+1:]...)
				return
			}
		}
	}
}

// Fire invokes every registered watcher with v.
func (w *Watchers[T]) Fire(v T) {
	w.mu.Lock()
	snapshot := make([]watcherEntry[T], len(w.entries))
	copy(snapshot, w.entries)
	w.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len returns the number of registered watchers.
func (w *Watchers[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
