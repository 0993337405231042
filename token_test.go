package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Tokens
// ============================================================================

func TestDevToken(t *testing.T) {
	token := DevToken("luke")
	parts := strings.Split(string(token), ".")
	require.Len(t, parts, 3)
	assert.Equal(t, "devtoken", parts[2])

	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	assert.Contains(t, string(header), `"alg":"HS256"`)

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "luke", claims["user_id"])
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name  string
		token Token
		want  bool
	}{
		{"future exp", signedToken(t, "u", now.Add(time.Hour)), false},
		{"past exp", signedToken(t, "u", now.Add(-time.Minute)), true},
		{"dev token without exp", DevToken("u"), false},
		{"not a jwt", "opaque", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tokenExpired(tc.token, now))
		})
	}
}

// ============================================================================
// Renewal
// ============================================================================

type seqResponse struct {
	N        int    `json:"n"`
	Duration string `json:"duration"`
}

// seqHandler echoes the n query parameter and records the tokens it saw.
func seqHandler(tokens *[]string, mu *sync.Mutex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*tokens = append(*tokens, r.Header.Get("Authorization"))
		mu.Unlock()
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		writeJSON(w, http.StatusOK, seqResponse{N: n})
	}
}

func TestRenewalQueuesAndReplaysInOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		tokens []string
	)
	srv := newChatServer(t, seqHandler(&tokens, &mu))
	c := newTestClient(t, srv)

	release := make(chan struct{})
	var providerCalls atomic.Int32
	require.NoError(t, c.SetUserWithProvider(testUser, func(ctx context.Context) (Token, error) {
		providerCalls.Add(1)
		select {
		case <-release:
			return "fresh", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))

	const n = 20
	var (
		orderMu sync.Mutex
		order   []int
		wg      sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		ep := Endpoint{Method: http.MethodGet, Path: "/seq", Query: map[string]string{"n": strconv.Itoa(i)}}
		Request(context.Background(), c, ep, func(resp seqResponse, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			orderMu.Lock()
			order = append(order, resp.N)
			orderMu.Unlock()
		})
	}

	assert.True(t, c.IsRenewingToken())
	assert.Equal(t, n, c.tokens.waitingCount())

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), providerCalls.Load())
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, tok := range tokens {
		assert.Equal(t, "fresh", tok)
	}
	assert.False(t, c.IsRenewingToken())
	assert.Equal(t, Token("fresh"), c.Token())
}

func TestRenewalFailureFailsEveryQueuedRequest(t *testing.T) {
	var hits atomic.Int32
	srv := newChatServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, EmptyResponse{})
	}))
	c := newTestClient(t, srv)

	providerErr := errors.New("auth server down")
	release := make(chan struct{})
	require.NoError(t, c.SetUserWithProvider(testUser, func(ctx context.Context) (Token, error) {
		<-release
		return "", providerErr
	}))

	results := make([]*result[EmptyResponse], 5)
	for i := range results {
		results[i] = newResult[EmptyResponse]()
		Request(context.Background(), c, Endpoint{Path: "/x"}, results[i].complete)
	}
	close(release)

	for _, r := range results {
		_, err := r.wait(t)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTokenRenewalFailed)
		assert.ErrorIs(t, err, providerErr)
	}
	assert.Zero(t, hits.Load())
}

func TestMissingProviderFailsRenewal(t *testing.T) {
	srv := newChatServer(t, nil)
	c := newTestClient(t, srv)
	require.NoError(t, c.SetUser(testUser, ""))

	r := newResult[EmptyResponse]()
	Request(context.Background(), c, Endpoint{Path: "/x"}, r.complete)
	_, err := r.wait(t)
	assert.ErrorIs(t, err, ErrTokenRenewalFailed)
	assert.ErrorIs(t, err, ErrMissingTokenProvider)
}

func TestExpiredJWTTriggersRenewal(t *testing.T) {
	var (
		mu     sync.Mutex
		tokens []string
	)
	srv := newChatServer(t, seqHandler(&tokens, &mu))
	c := newTestClient(t, srv)

	fresh := signedToken(t, testUser.ID, time.Now().Add(time.Hour))
	require.NoError(t, c.SetUserWithProvider(testUser, func(context.Context) (Token, error) {
		return fresh, nil
	}))
	c.tokens.set(signedToken(t, testUser.ID, time.Now().Add(-time.Minute)), c.tokens.provider)

	_, err := Do[seqResponse](context.Background(), c, Endpoint{Path: "/seq"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{string(fresh)}, tokens)
}

func TestServerTokenExpiredRetriesOnce(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := newChatServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		seen = append(seen, auth)
		mu.Unlock()
		if auth == "stale" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: ErrorCodeTokenExpired, Message: "token expired", StatusCode: 401})
			return
		}
		writeJSON(w, http.StatusOK, seqResponse{N: 1})
	}))
	c := newTestClient(t, srv)

	var providerCalls atomic.Int32
	provider := func(context.Context) (Token, error) {
		providerCalls.Add(1)
		return "renewed", nil
	}
	require.NoError(t, c.SetUserWithProvider(testUser, provider))
	c.tokens.set("stale", provider)

	resp, err := Do[seqResponse](context.Background(), c, Endpoint{Path: "/seq"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.N)
	assert.Equal(t, int32(1), providerCalls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stale", "renewed"}, seen)
}

func TestServerTokenExpiredTwiceSurfacesError(t *testing.T) {
	srv := newChatServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: ErrorCodeTokenExpired, Message: "token expired", StatusCode: 401})
	}))
	c := newTestClient(t, srv)
	require.NoError(t, c.SetUserWithProvider(testUser, func(context.Context) (Token, error) {
		return "again", nil
	}))

	_, err := Do[seqResponse](context.Background(), c, Endpoint{Path: "/seq"})
	require.Error(t, err)
	var cerr *ClientError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindResponseError, cerr.Kind)
	assert.True(t, cerr.Response.IsTokenExpired())
}

func TestResetCancelsQueuedRequests(t *testing.T) {
	var hits atomic.Int32
	srv := newChatServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, EmptyResponse{})
	}))
	c := newTestClient(t, srv)

	release := make(chan struct{})
	providerCanceled := make(chan struct{})
	require.NoError(t, c.SetUserWithProvider(testUser, func(ctx context.Context) (Token, error) {
		select {
		case <-ctx.Done():
			close(providerCanceled)
			<-release
			return "late", nil
		case <-release:
			return "late", nil
		}
	}))

	r := newResult[EmptyResponse]()
	Request(context.Background(), c, Endpoint{Path: "/x"}, r.complete)
	require.Equal(t, 1, c.tokens.waitingCount())

	c.reset()
	select {
	case <-providerCanceled:
	case <-time.After(5 * time.Second):
		t.Fatal("provider context not cancelled")
	}
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.count())
	assert.Zero(t, hits.Load())
	assert.Zero(t, c.tokens.waitingCount())
	assert.Zero(t, c.inflightCount())
	assert.False(t, c.IsRenewingToken())
	assert.NotEqual(t, Token("late"), c.Token(), "result of an abandoned renewal must be dropped")
}
