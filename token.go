package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// Token is a user JWT sent in the Authorization header.
type Token string

// TokenProvider mints a fresh token. It runs on its own goroutine and should
// return when ctx is cancelled.
type TokenProvider func(ctx context.Context) (Token, error)

// DevToken builds an unsigned development token for userID. The backend
// accepts it only when the app has auth checks disabled.
func DevToken(userID string) Token {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userID})
	s, err := t.SigningString()
	if err != nil {
		return ""
	}
	return Token(s + ".devtoken")
}

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// Tokens that do not parse, or carry no exp, are treated as valid and left
// for the server to judge.
func tokenExpired(token Token, now time.Time) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(string(token), &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}

// ============================================================================
// Token manager
// ============================================================================

// requestWork performs one request with token. ordered is set for requests
// replayed after a renewal; those must run in submission order.
type requestWork func(token Token, ordered bool) Cancellable

// queuedCall is the request that owns a queued WaitingRequest.
type queuedCall interface {
	Cancellable
	fail(err error)
}

type pendingRequest struct {
	waiting *WaitingRequest
	owner   queuedCall
}

// tokenManager owns the token and the queue of requests waiting for a
// renewal. It is either valid or renewing; at most one renewal runs.
type tokenManager struct {
	clock   clock.Clock
	logger  Logger
	metrics *metrics

	// onRenewed runs after a successful renewal, before queued requests
	// are replayed.
	onRenewed func(Token)

	mu            sync.Mutex
	token         Token
	expired       bool
	provider      TokenProvider
	renewing      bool
	waiting       []*pendingRequest
	generation    uint64
	cancelRenewal context.CancelFunc
}

func newTokenManager(clk clock.Clock, logger Logger, m *metrics) *tokenManager {
	return &tokenManager{clock: clk, logger: logger, metrics: m}
}

// set installs a token and provider, dropping any queued work.
func (tm *tokenManager) set(token Token, provider TokenProvider) {
	tm.reset()
	tm.mu.Lock()
	tm.token = token
	tm.provider = provider
	tm.expired = false
	tm.mu.Unlock()
}

// Token returns the current token, which may be empty or expired.
func (tm *tokenManager) Token() Token {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.token
}

// IsRenewing reports whether a renewal is in flight.
func (tm *tokenManager) IsRenewing() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.renewing
}

func (tm *tokenManager) waitingCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.waiting)
}

func (tm *tokenManager) usableLocked() bool {
	return tm.token != "" && !tm.expired && !tokenExpired(tm.token, tm.clock.Now())
}

// submit runs work now if the token is usable. Otherwise it queues work
// and starts a renewal unless one is already running. owner is failed with
// the renewal error if the renewal fails, and cancelled on reset.
func (tm *tokenManager) submit(work requestWork, owner queuedCall) Cancellable {
	tm.mu.Lock()
	if !tm.renewing && tm.usableLocked() {
		token := tm.token
		tm.mu.Unlock()
		return work(token, false)
	}

	p := &pendingRequest{owner: owner}
	p.waiting = NewWaitingRequest(func() Cancellable {
		return work(tm.Token(), true)
	})
	tm.waiting = append(tm.waiting, p)

	if tm.renewing {
		tm.mu.Unlock()
		return p.waiting
	}

	tm.renewing = true
	ctx, cancel := context.WithCancel(context.Background())
	tm.cancelRenewal = cancel
	generation := tm.generation
	provider := tm.provider
	tm.mu.Unlock()

	tm.logger.Log("token renewal started")
	go tm.renew(ctx, provider, generation)
	return p.waiting
}

// markExpired flags token as expired if it is still the current one.
func (tm *tokenManager) markExpired(token Token) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.token == token {
		tm.expired = true
	}
}

func (tm *tokenManager) renew(ctx context.Context, provider TokenProvider, generation uint64) {
	var (
		token Token
		err   error
	)
	if provider == nil {
		err = ErrMissingTokenProvider
	} else {
		token, err = provider(ctx)
		if err == nil && token == "" {
			err = errors.New("token provider returned an empty token")
		}
	}

	tm.mu.Lock()
	if generation != tm.generation {
		// A reset happened while the provider ran; its queue is gone.
		tm.mu.Unlock()
		return
	}
	tm.renewing = false
	tm.cancelRenewal = nil
	queue := tm.waiting
	tm.waiting = nil
	if err == nil {
		tm.token = token
		tm.expired = false
	}
	tm.mu.Unlock()

	if err != nil {
		tm.metrics.renewal("failure")
		tm.logger.LogError(newClientError(KindTokenRenewalFailed, err))
		for _, p := range queue {
			p.owner.fail(newClientError(KindTokenRenewalFailed, err))
			p.waiting.Cancel()
		}
		return
	}

	tm.metrics.renewal("success")
	tm.logger.Log("token renewed", "queued", len(queue))
	if tm.onRenewed != nil {
		tm.onRenewed(token)
	}
	for _, p := range queue {
		p.waiting.Perform()
	}
}

// reset abandons any renewal and cancels every queued request. Their
// completions do not fire.
func (tm *tokenManager) reset() {
	tm.mu.Lock()
	tm.generation++
	tm.renewing = false
	if tm.cancelRenewal != nil {
		tm.cancelRenewal()
		tm.cancelRenewal = nil
	}
	queue := tm.waiting
	tm.waiting = nil
	tm.mu.Unlock()

	for _, p := range queue {
		p.waiting.Cancel()
		p.owner.Cancel()
	}
}

// tokenWaiter lets a blocking caller wait for a usable token.
type tokenWaiter struct {
	once   sync.Once
	result chan error
}

func (w *tokenWaiter) send(err error) {
	w.once.Do(func() { w.result <- err })
}

func (w *tokenWaiter) Cancel()        { w.send(ErrCanceled) }
func (w *tokenWaiter) fail(err error) { w.send(err) }

// await returns a usable token, renewing it first if needed.
func (tm *tokenManager) await(ctx context.Context) (Token, error) {
	w := &tokenWaiter{result: make(chan error, 1)}
	var token Token
	sub := tm.submit(func(t Token, _ bool) Cancellable {
		token = t
		w.send(nil)
		return noopCancellable{}
	}, w)

	select {
	case err := <-w.result:
		if err != nil {
			return "", err
		}
		return token, nil
	case <-ctx.Done():
		sub.Cancel()
		w.Cancel()
		return "", ctx.Err()
	}
}
