package chat

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// CallbackQueue runs completion and observer callbacks. A client without
// one invokes callbacks on the goroutine that produced the result.
type CallbackQueue interface {
	Dispatch(fn func())
}

// SerialQueue runs dispatched functions one at a time, in dispatch order,
// on a single goroutine.
type SerialQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}

	// onPanic receives the value recovered from a panicking function.
	onPanic func(v any)
}

// NewSerialQueue starts a serial queue. A panicking function is logged to
// slog.Default with its stack and the queue keeps running. Call Close to
// stop it.
func NewSerialQueue() *SerialQueue {
	return newSerialQueue(func(v any) {
		slog.Default().Error("callback panicked", "panic", v, "stack", string(debug.Stack()))
	})
}

func newSerialQueue(onPanic func(v any)) *SerialQueue {
	q := &SerialQueue{done: make(chan struct{}), onPanic: onPanic}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Dispatch appends fn. It never blocks. Functions dispatched after Close
// are dropped.
func (q *SerialQueue) Dispatch(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.cond.Signal()
}

// Sync dispatches fn and waits until it has run.
func (q *SerialQueue) Sync(fn func()) {
	ran := make(chan struct{})
	q.Dispatch(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-q.done:
	}
}

// Close stops the queue after the already dispatched functions have run.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}

func (q *SerialQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.run(fn)
	}
}

func (q *SerialQueue) run(fn func()) {
	defer func() {
		if v := recover(); v != nil && q.onPanic != nil {
			q.onPanic(v)
		}
	}()
	fn()
}

// perform runs fn on queue, or inline when queue is nil.
func perform(queue CallbackQueue, fn func()) {
	if queue == nil {
		fn()
		return
	}
	queue.Dispatch(fn)
}
