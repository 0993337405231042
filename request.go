package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// ============================================================================
// Public request API
// ============================================================================

// Request sends endpoint and calls completion exactly once with the decoded
// response or a *ClientError, on the client's callback queue. If the
// request is cancelled (through the returned handle, through ctx, or by a
// connection reset) completion is not called.
func Request[T any](ctx context.Context, c *Client, endpoint Endpoint, completion func(T, error)) Cancellable {
	cl := c.newCall(ctx, endpoint)
	cl.decode = func(data []byte, status int) (func(), *ClientError) {
		v, err := decodeResponse[T](data, status)
		if err != nil {
			return nil, err
		}
		return func() { completion(v, nil) }, nil
	}
	cl.failWith = func(err *ClientError) func() {
		return func() {
			var zero T
			completion(zero, err)
		}
	}
	c.start(cl)
	return cl
}

// Do is the blocking form of Request. It must not be called from a
// function running on the client's callback queue.
func Do[T any](ctx context.Context, c *Client, endpoint Endpoint) (T, error) {
	type result struct {
		v   T
		err error
	}
	results := make(chan result, 1)
	handle := Request(ctx, c, endpoint, func(v T, err error) {
		results <- result{v, err}
	})
	cl := handle.(*call)

	var zero T
	select {
	case r := <-results:
		return r.v, r.err
	case <-ctx.Done():
		handle.Cancel()
		return zero, newClientError(KindCanceled, ctx.Err())
	case <-cl.canceledCh:
		select {
		case r := <-results:
			return r.v, r.err
		default:
		}
		if err := ctx.Err(); err != nil {
			return zero, newClientError(KindCanceled, err)
		}
		return zero, ErrCanceled
	}
}

// ============================================================================
// call
// ============================================================================

// call is one request from submission to completion.
type call struct {
	client   *Client
	endpoint Endpoint
	ctx      context.Context
	cancel   context.CancelFunc

	decode   func(data []byte, status int) (func(), *ClientError)
	failWith func(err *ClientError) func()

	// retried is set once a token-expired response has been retried.
	retried bool

	mu         sync.Mutex
	inner      Cancellable
	canceled   bool
	delivered  bool
	canceledCh chan struct{}
}

func (c *Client) newCall(ctx context.Context, endpoint Endpoint) *call {
	callCtx, cancel := context.WithCancel(ctx)
	return &call{
		client:     c,
		endpoint:   endpoint,
		ctx:        callCtx,
		cancel:     cancel,
		canceledCh: make(chan struct{}),
	}
}

// start routes cl through the token manager.
func (c *Client) start(cl *call) {
	if c.User() == nil {
		cl.fail(ErrEmptyUser)
		return
	}
	c.register(cl)
	cl.setInner(c.tokens.submit(cl.work, cl))
}

// work runs the HTTP round trip off the caller's goroutine. Replayed
// requests share one ordered lane so they reach the server, and complete,
// in submission order.
func (cl *call) work(token Token, ordered bool) Cancellable {
	run := func() { cl.execute(token) }
	if ordered {
		cl.client.replayLane.Dispatch(run)
	} else {
		go run()
	}
	return CancelFunc(cl.cancel)
}

func (cl *call) execute(token Token) {
	c := cl.client
	if cl.isCanceled() {
		return
	}
	if cl.ctx.Err() != nil {
		cl.Cancel()
		return
	}

	data, status, cerr := c.roundTrip(cl.ctx, cl.endpoint, token)
	if cl.ctx.Err() != nil {
		cl.Cancel()
		return
	}
	if cerr != nil {
		c.metrics.request(cl.endpoint.Method, cerr.Kind)
		cl.fail(cerr)
		return
	}

	success, cerr := cl.decode(data, status)
	if cerr != nil {
		if cerr.Response != nil && cerr.Response.IsTokenExpired() && !cl.retried {
			cl.retried = true
			c.logger.Log("token expired, renewing", "path", cl.endpoint.Path)
			c.tokens.markExpired(token)
			cl.setInner(c.tokens.submit(cl.work, cl))
			return
		}
		c.logger.LogError(cerr)
		c.metrics.request(cl.endpoint.Method, cerr.Kind)
		cl.fail(cerr)
		return
	}
	c.metrics.request(cl.endpoint.Method, 0)
	cl.deliver(success)
}

func (cl *call) setInner(inner Cancellable) {
	cl.mu.Lock()
	if cl.canceled {
		cl.mu.Unlock()
		inner.Cancel()
		return
	}
	cl.inner = inner
	cl.mu.Unlock()
}

func (cl *call) isCanceled() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.canceled
}

// fail delivers err. It satisfies queuedCall.
func (cl *call) fail(err error) {
	var cerr *ClientError
	if !errors.As(err, &cerr) {
		cerr = newClientError(KindRequestFailed, err)
	}
	cl.deliver(cl.failWith(cerr))
}

func (cl *call) deliver(fn func()) {
	cl.mu.Lock()
	if cl.canceled || cl.delivered {
		cl.mu.Unlock()
		return
	}
	cl.delivered = true
	cl.mu.Unlock()

	cl.client.unregister(cl)
	cl.cancel()
	perform(cl.client.callbackQueue, func() {
		if cl.isCanceled() {
			return
		}
		fn()
	})
}

// Cancel stops the request. Safe to call more than once.
func (cl *call) Cancel() {
	cl.mu.Lock()
	if cl.canceled {
		cl.mu.Unlock()
		return
	}
	cl.canceled = true
	inner := cl.inner
	cl.mu.Unlock()

	close(cl.canceledCh)
	cl.cancel()
	if inner != nil {
		inner.Cancel()
	}
	cl.client.unregister(cl)
}

// ============================================================================
// Transport
// ============================================================================

// roundTrip performs one HTTP exchange and returns the raw body.
func (c *Client) roundTrip(ctx context.Context, endpoint Endpoint, token Token) ([]byte, int, *ClientError) {
	req, body, cerr := c.buildRequest(ctx, endpoint, token)
	if cerr != nil {
		c.logger.LogError(cerr)
		return nil, 0, cerr
	}
	c.logger.LogRequest(req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cerr := newClientError(KindRequestFailed, err)
		c.logger.LogError(cerr)
		return nil, 0, cerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.logger.LogResponse(resp, data)
	if err != nil {
		cerr := newClientError(KindRequestFailed, err)
		c.logger.LogError(cerr)
		return nil, resp.StatusCode, cerr
	}
	if len(data) == 0 {
		return nil, resp.StatusCode, newClientError(KindEmptyBody, nil)
	}
	return data, resp.StatusCode, nil
}

// buildRequest assembles the URL, query, headers and body. The returned
// body is the uncompressed JSON, for logging.
func (c *Client) buildRequest(ctx context.Context, endpoint Endpoint, token Token) (*http.Request, []byte, *ClientError) {
	user := c.User()
	if user == nil {
		return nil, nil, ErrEmptyUser
	}

	u, err := c.endpointURL(endpoint.Path)
	if err != nil {
		return nil, nil, &ClientError{Kind: KindInvalidURL, Path: endpoint.Path, Err: err}
	}

	query := url.Values{}
	query.Set("api_key", c.APIKey())
	query.Set("user_id", user.ID)
	query.Set("client_id", c.webSocket.ConnectionID())
	for k, v := range endpoint.Query {
		query.Add(k, v)
	}
	u.RawQuery = query.Encode()

	var (
		body   []byte
		reader io.Reader
	)
	if endpoint.Body != nil {
		body, err = json.Marshal(endpoint.Body)
		if err != nil {
			return nil, nil, &ClientError{Kind: KindEncodingFailure, Object: endpoint.Body, Err: err}
		}
		reader = bytes.NewReader(body)
		if c.compressRequests {
			compressed, err := gzipBody(body)
			if err != nil {
				return nil, nil, &ClientError{Kind: KindEncodingFailure, Object: endpoint.Body, Err: err}
			}
			reader = bytes.NewReader(compressed)
		}
	}

	method := endpoint.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, nil, &ClientError{Kind: KindInvalidURL, Path: endpoint.Path, Err: err}
	}

	req.Header.Set("Authorization", string(token))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("stream-auth-type", "jwt")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if reader != nil && c.compressRequests {
		req.Header.Set("Content-Encoding", "gzip")
	}
	return req, body, nil
}

func (c *Client) endpointURL(path string) (*url.URL, error) {
	if path == "" {
		return nil, errors.New("empty path")
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	if base.Host == "" {
		return nil, errors.New("base url has no host")
	}
	if base.Scheme == "" {
		base.Scheme = "https"
	}
	joined, err := url.JoinPath(base.String(), path)
	if err != nil {
		return nil, err
	}
	return url.Parse(joined)
}

func gzipBody(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeResponse decodes data as T. If that fails, or the status is not
// 2xx, the body is read as an ErrorResponse instead.
func decodeResponse[T any](data []byte, status int) (T, *ClientError) {
	var v T
	decodeErr := json.Unmarshal(data, &v)

	var errResp ErrorResponse
	isError := json.Unmarshal(data, &errResp) == nil && errResp.valid()
	ok := status >= 200 && status < 300

	if decodeErr == nil && ok && !(isError && errResp.StatusCode >= 400) {
		return v, nil
	}
	if isError {
		if errResp.StatusCode == 0 {
			errResp.StatusCode = status
		}
		return v, &ClientError{Kind: KindResponseError, Response: &errResp}
	}
	if decodeErr != nil {
		return v, newClientError(KindDecodingFailure, decodeErr)
	}
	return v, &ClientError{Kind: KindResponseError, Response: &ErrorResponse{
		StatusCode: status,
		Message:    http.StatusText(status),
	}}
}
