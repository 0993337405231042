package chat

import "sync"

// Cancellable is returned by every request.
type Cancellable interface {
	Cancel()
}

// CancelFunc adapts a function to Cancellable.
type CancelFunc func()

func (f CancelFunc) Cancel() { f() }

type noopCancellable struct{}

func (noopCancellable) Cancel() {}

// WaitingRequest defers a request while the token is being renewed.
// Perform runs the request at most once; Cancel may be called any number of
// times, before or after Perform.
type WaitingRequest struct {
	request func() Cancellable

	mu           sync.Mutex
	subscription Cancellable
	performed    bool
	canceled     bool
}

// NewWaitingRequest wraps request without running it.
func NewWaitingRequest(request func() Cancellable) *WaitingRequest {
	return &WaitingRequest{request: request}
}

// Perform runs the wrapped request unless it already ran or was cancelled.
func (w *WaitingRequest) Perform() {
	w.mu.Lock()
	if w.performed || w.canceled {
		w.mu.Unlock()
		return
	}
	w.performed = true
	w.mu.Unlock()

	sub := w.request()

	w.mu.Lock()
	w.subscription = sub
	canceled := w.canceled
	w.mu.Unlock()

	// Cancel raced with request(); honour it now.
	if canceled && sub != nil {
		sub.Cancel()
	}
}

// Cancel prevents a pending Perform, or cancels the request it started.
func (w *WaitingRequest) Cancel() {
	w.mu.Lock()
	if w.canceled {
		w.mu.Unlock()
		return
	}
	w.canceled = true
	sub := w.subscription
	w.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

// Performed reports whether Perform ran the request.
func (w *WaitingRequest) Performed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.performed
}

// Canceled reports whether Cancel was called.
func (w *WaitingRequest) Canceled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canceled
}
