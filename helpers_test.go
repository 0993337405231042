package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testAPIKey = "test-api-key"

var testUser = &User{ID: "luke", Name: "Luke"}

// signedToken returns an HS256 token for userID expiring at exp.
func signedToken(t *testing.T, userID string, exp time.Time) Token {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return Token(s)
}

// chatServer is a fake backend: /connect upgrades to a WebSocket, every
// other path goes to rest.
type chatServer struct {
	*httptest.Server

	accepts atomic.Int32
	// onSocket drives connection number n after the health check was sent.
	// The default keeps reading until the connection closes.
	onSocket func(n int, ctx context.Context, conn *websocket.Conn)

	mu        sync.Mutex
	connectQs []map[string]string
}

func newChatServer(t *testing.T, rest http.Handler) *chatServer {
	t.Helper()
	s := &chatServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		s.mu.Lock()
		s.connectQs = append(s.connectQs, q)
		s.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		n := int(s.accepts.Add(1))

		ctx := r.Context()
		hello, _ := json.Marshal(map[string]any{
			"type":          "health.check",
			"connection_id": fmt.Sprintf("conn-%d", n),
			"me":            map[string]any{"id": testUser.ID, "name": testUser.Name, "total_unread_count": 3, "unread_channels": 1},
		})
		if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
			return
		}
		if s.onSocket != nil {
			s.onSocket(n, ctx, conn)
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	if rest == nil {
		rest = http.NotFoundHandler()
	}
	mux.Handle("/", rest)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *chatServer) lastConnectQuery() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.connectQs) == 0 {
		return nil
	}
	return s.connectQs[len(s.connectQs)-1]
}

// newTestClient returns a client pointed at srv with gzip off, so handlers
// can read bodies directly.
func newTestClient(t *testing.T, srv *chatServer, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithBaseURL(srv.URL),
		WithRequestCompression(false),
		WithReconnect(ReconnectConfig{Enabled: false}),
	}
	c := NewClient(testAPIKey, append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// result collects request completions.
type result[T any] struct {
	mu    sync.Mutex
	calls int
	value T
	err   error
	done  chan struct{}
}

func newResult[T any]() *result[T] {
	return &result[T]{done: make(chan struct{}, 1)}
}

func (r *result[T]) complete(v T, err error) {
	r.mu.Lock()
	r.calls++
	r.value, r.err = v, err
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
}

func (r *result[T]) wait(t *testing.T) (T, error) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("completion not called")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

func (r *result[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
