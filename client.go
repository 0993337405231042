// Package chat is a Go client for a hosted chat backend.
//
// It signs REST requests with a user token, renews the token when it
// expires (queueing requests meanwhile), and keeps one realtime WebSocket
// connected according to the host's app state and network reachability.
//
// Example:
//
//	client := chat.NewClient("api-key", chat.WithCallbackQueue(chat.NewSerialQueue()))
//	client.SetUser(&chat.User{ID: "jane"}, token)
//	if err := client.Connect(ctx); err != nil { ... }
//
//	devices, err := client.Devices(ctx)
//	client.Lifecycle().SetAppState(chat.AppBackground)
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"weak"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL = "https://chat.stream-io-api.com"
	DefaultTimeout = 30 * time.Second

	flaggedCacheSize = 1024
)

// ErrMissingAPIKey is returned by Connect when the client has no API key.
var ErrMissingAPIKey = errors.New("chat: api key is not set")

// Database is the optional offline store. The client only closes it.
type Database interface {
	Close() error
}

// ============================================================================
// Client
// ============================================================================

// Client is the entry point of the SDK. It is safe for concurrent use.
type Client struct {
	baseURL                   string
	httpClient                *http.Client
	callbackQueue             CallbackQueue
	stayConnectedInBackground bool
	database                  Database
	logOptions                LogOptions
	logger                    Logger
	wsLogger                  Logger
	clock                     clock.Clock
	registerer                prometheus.Registerer
	metrics                   *metrics
	compressRequests          bool
	wsConfig                  webSocketConfig

	tokens     *tokenManager
	webSocket  *WebSocket
	lifecycle  *Lifecycle
	events     *SerialQueue
	replayLane *SerialQueue

	user        *guarded[*User]
	unreadCount *guarded[UnreadCount]

	userObservers   *observers[*User]
	unreadObservers *observers[UnreadCount]
	eventObservers  *observers[Event]
	stateObservers  *observers[ConnectionState]

	flaggedMessages *lru.Cache[string, struct{}]
	flaggedUsers    *lru.Cache[string, struct{}]

	mu       sync.Mutex
	apiKey   string
	inflight map[*call]struct{}
	watching map[ChannelID][]weak.Pointer[Channel]
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithCallbackQueue sets where completions and observers run. Without one
// completions run on the goroutine that finished the request.
func WithCallbackQueue(q CallbackQueue) ClientOption {
	return func(c *Client) { c.callbackQueue = q }
}

// WithStayConnectedInBackground keeps the WebSocket open while the app is
// in the background.
func WithStayConnectedInBackground(stay bool) ClientOption {
	return func(c *Client) { c.stayConnectedInBackground = stay }
}

func WithDatabase(db Database) ClientOption {
	return func(c *Client) { c.database = db }
}

// WithLogOptions enables the built-in slog logger.
func WithLogOptions(opts LogOptions) ClientOption {
	return func(c *Client) { c.logOptions = opts }
}

// WithLogger replaces the built-in logger for both requests and the
// WebSocket.
func WithLogger(l Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
		c.wsLogger = l
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithBackgroundGracePeriod sets how long the WebSocket stays open after
// the app moves to the background.
func WithBackgroundGracePeriod(d time.Duration) ClientOption {
	return func(c *Client) { c.wsConfig.gracePeriod = d }
}

func WithReconnect(cfg ReconnectConfig) ClientOption {
	return func(c *Client) { c.wsConfig.reconnect = cfg }
}

func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.wsConfig.heartbeatInterval = d }
}

// WithClock replaces the clock used for token expiry and timers.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// WithMetrics registers the client's collectors with reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *Client) { c.registerer = reg }
}

// WithRequestCompression toggles gzip request bodies. On by default.
func WithRequestCompression(on bool) ClientOption {
	return func(c *Client) { c.compressRequests = on }
}

// NewClient creates a client for apiKey. Set a user before issuing
// requests or connecting.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		clock:            clock.New(),
		compressRequests: true,
		wsConfig:         webSocketConfig{reconnect: DefaultReconnectConfig},
		inflight:         make(map[*call]struct{}),
		watching:         make(map[ChannelID][]weak.Pointer[Channel]),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		if c.logOptions.IsEnabled() {
			c.logger = NewRequestLogger(slog.Default(), c.logOptions)
			c.wsLogger = NewWebSocketLogger(slog.Default(), c.logOptions)
		} else {
			c.logger = nopLogger{}
			c.wsLogger = nopLogger{}
		}
	}
	if c.registerer != nil {
		m, err := newMetrics(c.registerer)
		if err != nil {
			c.logger.LogError(fmt.Errorf("register metrics: %w", err))
		}
		c.metrics = m
	}

	onPanic := func(v any) {
		c.logger.LogError(fmt.Errorf("callback panicked: %v", v))
	}
	c.events = newSerialQueue(onPanic)
	c.replayLane = newSerialQueue(onPanic)

	c.userObservers = newObservers[*User]()
	c.unreadObservers = newObservers[UnreadCount]()
	c.eventObservers = newObservers[Event]()
	c.stateObservers = newObservers[ConnectionState]()

	c.user = newGuarded[*User](nil, equalUsers, c.events, func(newUser, _ *User) {
		c.forward(func() { c.userObservers.notify(newUser) })
	})
	c.unreadCount = newGuarded(NoUnread, equalComparable[UnreadCount], c.events, func(newCount, _ UnreadCount) {
		c.forward(func() { c.unreadObservers.notify(newCount) })
	})

	c.flaggedMessages, _ = lru.New[string, struct{}](flaggedCacheSize)
	c.flaggedUsers, _ = lru.New[string, struct{}](flaggedCacheSize)

	c.tokens = newTokenManager(c.clock, c.logger, c.metrics)
	c.tokens.onRenewed = c.tokenRenewed

	wsConfig := c.wsConfig
	wsHTTP := *c.httpClient
	wsHTTP.Timeout = 0
	wsConfig.httpClient = &wsHTTP
	c.webSocket = newWebSocket(wsConfig, c.clock, c.wsLogger, c.metrics)
	c.webSocket.dialURL = c.webSocketURL
	c.webSocket.onEvent = func(ev Event) {
		c.events.Dispatch(func() { c.handleEvent(ev) })
	}
	c.webSocket.onStateChange = func(s ConnectionState) {
		c.events.Dispatch(func() {
			c.forward(func() { c.stateObservers.notify(s) })
		})
	}
	c.webSocket.recoverLost = func() bool {
		return c.lifecycle.AppState() == AppActive
	}

	c.lifecycle = newLifecycle(c, c.stayConnectedInBackground)

	if c.logOptions.IsEnabled() && apiKey != "" {
		c.logger.Log("client created", "base_url", c.baseURL)
	}
	return c
}

// APIKey returns the API key.
func (c *Client) APIKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

// SetAPIKey switches the client to another app. The connection is closed
// and the user and token are cleared; set a user again before use.
func (c *Client) SetAPIKey(apiKey string) {
	c.lifecycle.setObserving(false)
	c.reset()
	c.mu.Lock()
	c.apiKey = apiKey
	c.mu.Unlock()
	c.user.Set(nil)
	c.unreadCount.Set(NoUnread)
	c.tokens.set("", nil)
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Lifecycle returns the coordinator the host feeds with app state and
// reachability changes.
func (c *Client) Lifecycle() *Lifecycle { return c.lifecycle }

// WebSocket returns the realtime connection.
func (c *Client) WebSocket() *WebSocket { return c.webSocket }

// Database returns the database given with WithDatabase, if any.
func (c *Client) Database() Database { return c.database }

// ============================================================================
// User & token
// ============================================================================

// SetUser sets the current user with a fixed token. When the token
// expires requests fail with a token renewal error.
func (c *Client) SetUser(user *User, token Token) error {
	return c.setUser(user, token, nil)
}

// SetUserWithProvider sets the current user. provider is called for the
// first token and again whenever the token expires.
func (c *Client) SetUserWithProvider(user *User, provider TokenProvider) error {
	return c.setUser(user, "", provider)
}

func (c *Client) setUser(user *User, token Token, provider TokenProvider) error {
	if user == nil || user.ID == "" {
		return ErrEmptyUser
	}
	if current := c.User(); current != nil && current.ID != user.ID {
		c.reset()
		c.unreadCount.Set(NoUnread)
	}
	c.user.Set(user)
	c.tokens.set(token, provider)
	return nil
}

// User returns the current user, or nil.
func (c *Client) User() *User {
	return c.user.Get()
}

// Token returns the current token, which may be expired.
func (c *Client) Token() Token {
	return c.tokens.Token()
}

// IsRenewingToken reports whether a token renewal is in flight.
func (c *Client) IsRenewingToken() bool {
	return c.tokens.IsRenewing()
}

// UnreadCount returns the unread counters of the current user.
func (c *Client) UnreadCount() UnreadCount {
	return c.unreadCount.Get()
}

func (c *Client) tokenRenewed(Token) {
	if c.lifecycle.isObserving() && c.lifecycle.AppState() == AppActive && !c.webSocket.IsConnected() {
		c.connectAsync()
	}
}

// ============================================================================
// Connection
// ============================================================================

// IsConnected reports whether the client has an API key and a connected
// WebSocket.
func (c *Client) IsConnected() bool {
	return c.APIKey() != "" && c.webSocket.IsConnected()
}

// ConnectionState returns the WebSocket state.
func (c *Client) ConnectionState() ConnectionState {
	return c.webSocket.State()
}

// Connect opens the WebSocket and starts following lifecycle changes.
func (c *Client) Connect(ctx context.Context) error {
	if c.APIKey() == "" {
		return ErrMissingAPIKey
	}
	if c.User() == nil {
		return ErrEmptyUser
	}
	c.lifecycle.setObserving(true)
	return c.connect(ctx)
}

// connect waits for a usable token and dials. A reset that lands while it
// waits wins: the dial is abandoned.
func (c *Client) connect(ctx context.Context) error {
	gen := c.webSocket.generation()
	c.webSocket.CancelBackgroundWork()
	if _, err := c.tokens.await(ctx); err != nil {
		return err
	}
	return c.webSocket.connect(ctx, gen)
}

// Disconnect closes the WebSocket, cancels outstanding requests and stops
// following lifecycle changes until the next Connect.
func (c *Client) Disconnect() {
	c.logger.Log("disconnecting deliberately")
	c.lifecycle.setObserving(false)
	c.reset()
}

// Close disconnects and releases the client's goroutines and database.
func (c *Client) Close() error {
	c.lifecycle.setObserving(false)
	c.tokens.reset()
	c.cancelInflight()
	err := c.webSocket.Close()
	if c.database != nil {
		err = multierr.Append(err, c.database.Close())
	}
	c.replayLane.Close()
	c.events.Close()
	return err
}

// reset disconnects and drops all session state tied to the connection:
// queued and in-flight requests, a pending renewal, the flagged caches.
// No completion of a request outstanding at reset fires afterwards.
func (c *Client) reset() {
	c.webSocket.disconnect(true, "resetting connection")
	c.flaggedMessages.Purge()
	c.flaggedUsers.Purge()
	c.tokens.reset()
	c.cancelInflight()
}

func (c *Client) isConnected() bool { return c.webSocket.IsConnected() }

func (c *Client) connectAsync() {
	go func() {
		if err := c.connect(context.Background()); err != nil && !errors.Is(err, errDisconnected) {
			c.wsLogger.LogError(fmt.Errorf("connect: %w", err))
		}
	}()
}

func (c *Client) disconnectInBackground() { c.webSocket.DisconnectInBackground() }

func (c *Client) cancelBackgroundWork() { c.webSocket.CancelBackgroundWork() }

// webSocketURL builds the realtime connect URL for the current user.
func (c *Client) webSocketURL() (string, error) {
	user := c.User()
	if user == nil {
		return "", ErrEmptyUser
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	if base.Host == "" {
		return "", fmt.Errorf("base url %q has no host", c.baseURL)
	}
	switch base.Scheme {
	case "http", "ws":
		base.Scheme = "ws"
	default:
		base.Scheme = "wss"
	}

	payload, err := json.Marshal(struct {
		UserID                       string `json:"user_id"`
		User                         *User  `json:"user_details"`
		ServerDeterminesConnectionID bool   `json:"server_determines_connection_id"`
	}{user.ID, user, true})
	if err != nil {
		return "", err
	}

	u := base.JoinPath("connect")
	q := url.Values{}
	q.Set("json", string(payload))
	q.Set("api_key", c.APIKey())
	q.Set("authorization", string(c.tokens.Token()))
	q.Set("stream-auth-type", "jwt")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ============================================================================
// In-flight requests
// ============================================================================

func (c *Client) register(cl *call) {
	c.mu.Lock()
	c.inflight[cl] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unregister(cl *call) {
	c.mu.Lock()
	delete(c.inflight, cl)
	c.mu.Unlock()
}

func (c *Client) cancelInflight() {
	c.mu.Lock()
	calls := make([]*call, 0, len(c.inflight))
	for cl := range c.inflight {
		calls = append(calls, cl)
	}
	c.inflight = make(map[*call]struct{})
	c.mu.Unlock()

	for _, cl := range calls {
		cl.Cancel()
	}
}

func (c *Client) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// ============================================================================
// Events & observers
// ============================================================================

// handleEvent runs on the events queue.
func (c *Client) handleEvent(ev Event) {
	if ev.Me != nil {
		c.user.Update(func(current *User) *User {
			if current == nil || current.ID != ev.Me.ID {
				return current
			}
			return ev.Me
		})
	}
	if count, ok := ev.unreadCount(); ok {
		c.unreadCount.Set(count)
	}
	c.forward(func() { c.eventObservers.notify(ev) })
}

// forward hands an observer notification, already ordered by the events
// queue, to the caller's callback queue.
func (c *Client) forward(fn func()) {
	perform(c.callbackQueue, fn)
}

// AddUserObserver registers fn under key, replacing any observer with the
// same key. Notifications are ordered on an internal queue and then run on
// the client's callback queue.
func (c *Client) AddUserObserver(key string, fn func(*User)) {
	c.userObservers.set(key, fn)
}

func (c *Client) RemoveUserObserver(key string) {
	c.userObservers.remove(key)
}

// AddUnreadCountObserver registers fn under key, replacing any observer
// with the same key.
func (c *Client) AddUnreadCountObserver(key string, fn func(UnreadCount)) {
	c.unreadObservers.set(key, fn)
}

func (c *Client) RemoveUnreadCountObserver(key string) {
	c.unreadObservers.remove(key)
}

// AddEventObserver registers fn for every realtime event.
func (c *Client) AddEventObserver(key string, fn func(Event)) {
	c.eventObservers.set(key, fn)
}

func (c *Client) RemoveEventObserver(key string) {
	c.eventObservers.remove(key)
}

// AddConnectionStateObserver registers fn for WebSocket state changes.
func (c *Client) AddConnectionStateObserver(key string, fn func(ConnectionState)) {
	c.stateObservers.set(key, fn)
}

func (c *Client) RemoveConnectionStateObserver(key string) {
	c.stateObservers.remove(key)
}

// RemoveAllObservers drops every registered observer.
func (c *Client) RemoveAllObservers() {
	c.userObservers.removeAll()
	c.unreadObservers.removeAll()
	c.eventObservers.removeAll()
	c.stateObservers.removeAll()
}

// ============================================================================
// Watched channels
// ============================================================================

// StartWatching records ch as watched. The registry holds ch weakly; a
// channel that is garbage collected stops being watched.
func (c *Client) StartWatching(ch *Channel) {
	if ch == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := c.liveRefsLocked(ch.CID)
	for _, ref := range refs {
		if ref.Value() == ch {
			return
		}
	}
	c.watching[ch.CID] = append(refs, weak.Make(ch))
}

// StopWatching removes ch from the registry.
func (c *Client) StopWatching(ch *Channel) {
	if ch == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := c.liveRefsLocked(ch.CID)
	kept := refs[:0]
	for _, ref := range refs {
		if ref.Value() != ch {
			kept = append(kept, ref)
		}
	}
	if len(kept) == 0 {
		delete(c.watching, ch.CID)
		return
	}
	c.watching[ch.CID] = kept
}

// IsWatching reports whether this exact channel instance is watched.
func (c *Client) IsWatching(ch *Channel) bool {
	if ch == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range c.liveRefsLocked(ch.CID) {
		if ref.Value() == ch {
			return true
		}
	}
	return false
}

// liveRefsLocked prunes collected channels under cid and returns the rest.
func (c *Client) liveRefsLocked(cid ChannelID) []weak.Pointer[Channel] {
	refs := c.watching[cid]
	live := refs[:0]
	for _, ref := range refs {
		if ref.Value() != nil {
			live = append(live, ref)
		}
	}
	if len(live) == 0 {
		delete(c.watching, cid)
		return nil
	}
	c.watching[cid] = live
	return live
}

// ============================================================================
// Session caches
// ============================================================================

// IsMessageFlagged reports whether the message was flagged in this session.
func (c *Client) IsMessageFlagged(messageID string) bool {
	return c.flaggedMessages.Contains(messageID)
}

// IsUserFlagged reports whether the user was flagged in this session.
func (c *Client) IsUserFlagged(userID string) bool {
	return c.flaggedUsers.Contains(userID)
}
