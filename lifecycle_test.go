package chat

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu        sync.Mutex
	connected bool
	calls     []string
}

func (f *fakeTarget) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeTarget) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTarget) connectAsync()           { f.record("connect") }
func (f *fakeTarget) reset()                  { f.record("reset") }
func (f *fakeTarget) disconnectInBackground() { f.record("disconnectInBackground") }
func (f *fakeTarget) cancelBackgroundWork()   { f.record("cancelBackgroundWork") }

func TestLifecycleDecisionTable(t *testing.T) {
	cases := []struct {
		name      string
		app       AppState
		network   Reachability
		connected bool
		stay      bool
		want      []string
	}{
		{"active available disconnected", AppActive, ReachabilityAvailable, false, false, []string{"cancelBackgroundWork", "connect"}},
		{"active available connected", AppActive, ReachabilityAvailable, true, false, []string{"cancelBackgroundWork"}},
		{"active unavailable", AppActive, ReachabilityUnavailable, true, false, []string{"reset"}},
		{"background unavailable", AppBackground, ReachabilityUnavailable, false, false, []string{"reset"}},
		{"background available connected", AppBackground, ReachabilityAvailable, true, false, []string{"disconnectInBackground"}},
		{"background stay connected", AppBackground, ReachabilityAvailable, true, true, nil},
		{"background not connected", AppBackground, ReachabilityAvailable, false, false, nil},
		{"active unknown", AppActive, ReachabilityUnknown, false, false, nil},
		{"background unknown", AppBackground, ReachabilityUnknown, true, false, nil},
		{"inactive available", AppInactive, ReachabilityAvailable, true, false, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := &fakeTarget{connected: tc.connected}
			l := newLifecycle(target, tc.stay)
			l.setObserving(true)

			l.mu.Lock()
			l.app = tc.app
			l.mu.Unlock()
			l.SetReachability(tc.network)

			assert.Equal(t, tc.want, target.calls)
		})
	}
}

func TestLifecycleIgnoresTransitionsWhenNotObserving(t *testing.T) {
	target := &fakeTarget{}
	l := newLifecycle(target, false)

	l.SetReachability(ReachabilityUnavailable)
	l.SetAppState(AppActive)
	l.SetReachability(ReachabilityAvailable)
	assert.Empty(t, target.calls)
	assert.Equal(t, ReachabilityAvailable, l.Reachability())
	assert.Equal(t, AppActive, l.AppState())
}

func TestReachabilityLossDropsInFlightCompletions(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := newChatServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		writeJSON(w, http.StatusOK, EmptyResponse{})
	}))
	c := newTestClient(t, srv)
	require.NoError(t, c.SetUser(testUser, "t"))
	require.NoError(t, c.Connect(context.Background()))
	c.Lifecycle().SetReachability(ReachabilityAvailable)

	r := newResult[EmptyResponse]()
	Request(context.Background(), c, Endpoint{Path: "/slow"}, r.complete)
	<-arrived

	c.Lifecycle().SetReachability(ReachabilityUnavailable)
	assert.False(t, c.IsConnected())
	assert.Zero(t, c.inflightCount())
	close(release)

	c.Lifecycle().SetReachability(ReachabilityAvailable)
	require.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.count(), "no completion may fire after a reset")
	assert.Equal(t, int32(2), srv.accepts.Load())
}

func TestBackgroundTransitionStartsGracePeriod(t *testing.T) {
	srv := newChatServer(t, nil)
	c := newTestClient(t, srv, WithBackgroundGracePeriod(time.Hour))
	require.NoError(t, c.SetUser(testUser, "t"))
	require.NoError(t, c.Connect(context.Background()))
	c.Lifecycle().SetReachability(ReachabilityAvailable)

	c.Lifecycle().SetAppState(AppBackground)
	assert.True(t, c.WebSocket().backgroundPending())

	c.Lifecycle().SetAppState(AppActive)
	assert.False(t, c.WebSocket().backgroundPending())
	assert.True(t, c.IsConnected())
}

func TestDisconnectDetachesLifecycle(t *testing.T) {
	srv := newChatServer(t, nil)
	c := newTestClient(t, srv)
	require.NoError(t, c.SetUser(testUser, "t"))
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	c.Lifecycle().SetReachability(ReachabilityAvailable)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.IsConnected())
	assert.Equal(t, int32(1), srv.accepts.Load())
}
