package chat

import "sync"

// AppState is the host application's foreground state.
type AppState int

const (
	AppActive AppState = iota
	AppInactive
	AppBackground
)

func (s AppState) String() string {
	switch s {
	case AppActive:
		return "active"
	case AppInactive:
		return "inactive"
	case AppBackground:
		return "background"
	}
	return "unknown"
}

// Reachability is the host's network reachability.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityAvailable
	ReachabilityUnavailable
)

func (r Reachability) String() string {
	switch r {
	case ReachabilityAvailable:
		return "available"
	case ReachabilityUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// lifecycleTarget is what the Lifecycle drives.
type lifecycleTarget interface {
	isConnected() bool
	connectAsync()
	reset()
	disconnectInBackground()
	cancelBackgroundWork()
}

// Lifecycle maps app state and reachability transitions onto connection
// actions. The host feeds it with SetAppState and SetReachability. It only
// acts between Client.Connect and Client.Disconnect.
type Lifecycle struct {
	target                    lifecycleTarget
	stayConnectedInBackground bool

	// eval serializes evaluations so actions run in transition order.
	eval sync.Mutex

	mu        sync.Mutex
	observing bool
	app       AppState
	network   Reachability
}

func newLifecycle(target lifecycleTarget, stayConnectedInBackground bool) *Lifecycle {
	return &Lifecycle{
		target:                    target,
		stayConnectedInBackground: stayConnectedInBackground,
		app:                       AppActive,
		network:                   ReachabilityUnknown,
	}
}

// SetAppState records a foreground/background transition.
func (l *Lifecycle) SetAppState(s AppState) {
	l.mu.Lock()
	l.app = s
	l.mu.Unlock()
	l.evaluate()
}

// SetReachability records a network transition.
func (l *Lifecycle) SetReachability(r Reachability) {
	l.mu.Lock()
	l.network = r
	l.mu.Unlock()
	l.evaluate()
}

// AppState returns the last reported app state.
func (l *Lifecycle) AppState() AppState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.app
}

// Reachability returns the last reported reachability.
func (l *Lifecycle) Reachability() Reachability {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.network
}

func (l *Lifecycle) setObserving(on bool) {
	l.mu.Lock()
	l.observing = on
	l.mu.Unlock()
}

func (l *Lifecycle) isObserving() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observing
}

func (l *Lifecycle) evaluate() {
	l.eval.Lock()
	defer l.eval.Unlock()

	l.mu.Lock()
	observing, app, network := l.observing, l.app, l.network
	l.mu.Unlock()
	if !observing {
		return
	}

	switch network {
	case ReachabilityUnknown:
		return
	case ReachabilityUnavailable:
		l.target.reset()
		return
	}

	switch app {
	case AppActive:
		l.target.cancelBackgroundWork()
		if !l.target.isConnected() {
			l.target.connectAsync()
		}
	case AppBackground:
		if l.target.isConnected() && !l.stayConnectedInBackground {
			l.target.disconnectInBackground()
		}
	}
}
