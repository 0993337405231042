package chat

import "sync"

// guarded is a mutex-protected value. Every Set that changes the value
// fires onChange(new, old) on the configured queue.
type guarded[T any] struct {
	mu       sync.Mutex
	value    T
	equal    func(a, b T) bool
	queue    CallbackQueue
	onChange func(newValue, oldValue T)
}

func newGuarded[T any](initial T, equal func(a, b T) bool, queue CallbackQueue, onChange func(newValue, oldValue T)) *guarded[T] {
	return &guarded[T]{value: initial, equal: equal, queue: queue, onChange: onChange}
}

func (g *guarded[T]) Get() T {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Set replaces the value and reports whether it changed.
func (g *guarded[T]) Set(v T) bool {
	return g.Update(func(T) T { return v })
}

// Update applies fn to the current value under the lock.
func (g *guarded[T]) Update(fn func(T) T) bool {
	g.mu.Lock()
	old := g.value
	g.value = fn(old)
	changed := g.equal == nil || !g.equal(old, g.value)
	newValue := g.value
	g.mu.Unlock()

	if changed && g.onChange != nil {
		perform(g.queue, func() { g.onChange(newValue, old) })
	}
	return changed
}

func equalComparable[T comparable](a, b T) bool { return a == b }

// ============================================================================
// Keyed observers
// ============================================================================

// observers maps caller-chosen keys to callbacks; the last write for a key
// wins.
type observers[T any] struct {
	mu sync.RWMutex
	m  map[string]func(T)
}

func newObservers[T any]() *observers[T] {
	return &observers[T]{m: make(map[string]func(T))}
}

func (o *observers[T]) set(key string, fn func(T)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fn == nil {
		delete(o.m, key)
		return
	}
	o.m[key] = fn
}

func (o *observers[T]) remove(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.m, key)
}

func (o *observers[T]) removeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m = make(map[string]func(T))
}

func (o *observers[T]) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.m)
}

func (o *observers[T]) notify(v T) {
	o.mu.RLock()
	handlers := make([]func(T), 0, len(o.m))
	for _, h := range o.m {
		handlers = append(handlers, h)
	}
	o.mu.RUnlock()
	for _, h := range handlers {
		h(v)
	}
}
