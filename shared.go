package chat

import "sync"

var (
	sharedMu     sync.RWMutex
	sharedClient *Client
)

// Configure creates the process-wide client returned by Shared, closing
// the previous one.
func Configure(apiKey string, opts ...ClientOption) *Client {
	c := NewClient(apiKey, opts...)
	sharedMu.Lock()
	prev := sharedClient
	sharedClient = c
	sharedMu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return c
}

// Shared returns the client set by Configure, or nil.
func Shared() *Client {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return sharedClient
}
