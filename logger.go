package chat

import (
	"log/slog"
	"net/http"

	"go.uber.org/zap"
)

// Logger receives every outbound request, inbound response and error.
// Implementations must not block.
type Logger interface {
	LogRequest(req *http.Request, body []byte)
	LogResponse(resp *http.Response, body []byte)
	LogError(err error)
	Log(msg string, args ...any)
}

// LogOptions selects what the built-in logger writes.
type LogOptions uint

const (
	LogRequestsError LogOptions = 1 << iota
	LogRequestsInfo
	LogRequests
	LogWebSocketError
	LogWebSocketInfo
	LogWebSocket

	LogNone  LogOptions = 0
	LogError            = LogRequestsError | LogWebSocketError
	LogInfo             = LogError | LogRequestsInfo | LogWebSocketInfo
	LogAll              = LogInfo | LogRequests | LogWebSocket
)

// IsEnabled reports whether any logging is switched on.
func (o LogOptions) IsEnabled() bool { return o != LogNone }

func (o LogOptions) has(flag LogOptions) bool { return o&flag != 0 }

// ============================================================================
// slog logger
// ============================================================================

// ClientLogger writes to a *slog.Logger, filtered by LogOptions.
type ClientLogger struct {
	l      *slog.Logger
	errors bool
	info   bool
	bodies bool
}

// NewRequestLogger returns a logger for the REST side of the client.
func NewRequestLogger(l *slog.Logger, opts LogOptions) *ClientLogger {
	return &ClientLogger{
		l:      l.With("scope", "requests"),
		errors: opts.has(LogRequestsError | LogRequestsInfo | LogRequests),
		info:   opts.has(LogRequestsInfo | LogRequests),
		bodies: opts.has(LogRequests),
	}
}

// NewWebSocketLogger returns a logger for the realtime connection.
func NewWebSocketLogger(l *slog.Logger, opts LogOptions) *ClientLogger {
	return &ClientLogger{
		l:      l.With("scope", "websocket"),
		errors: opts.has(LogWebSocketError | LogWebSocketInfo | LogWebSocket),
		info:   opts.has(LogWebSocketInfo | LogWebSocket),
		bodies: opts.has(LogWebSocket),
	}
}

func (c *ClientLogger) LogRequest(req *http.Request, body []byte) {
	if !c.info || req == nil {
		return
	}
	args := []any{"method", req.Method, "url", req.URL.String()}
	if c.bodies {
		args = append(args, "headers", redactHeaders(req.Header), "body", string(body))
	}
	c.l.Info("request", args...)
}

func (c *ClientLogger) LogResponse(resp *http.Response, body []byte) {
	if !c.info || resp == nil {
		return
	}
	args := []any{"status", resp.StatusCode}
	if resp.Request != nil {
		args = append(args, "url", resp.Request.URL.String())
	}
	if c.bodies {
		args = append(args, "body", string(body))
	}
	c.l.Info("response", args...)
}

func (c *ClientLogger) LogError(err error) {
	if !c.errors || err == nil {
		return
	}
	c.l.Error("error", "err", err)
}

func (c *ClientLogger) Log(msg string, args ...any) {
	if !c.info {
		return
	}
	c.l.Info(msg, args...)
}

func redactHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out.Get("Authorization") != "" {
		out.Set("Authorization", "<redacted>")
	}
	return out
}

// ============================================================================
// zap logger
// ============================================================================

// ZapLogger writes everything to a *zap.Logger; use the zap level to filter.
type ZapLogger struct {
	z *zap.SugaredLogger
}

// NewZapLogger wraps z.
func NewZapLogger(z *zap.Logger) *ZapLogger {
	return &ZapLogger{z: z.Sugar()}
}

func (l *ZapLogger) LogRequest(req *http.Request, body []byte) {
	if req == nil {
		return
	}
	l.z.Debugw("request", "method", req.Method, "url", req.URL.String(),
		"headers", redactHeaders(req.Header), "bytes", len(body))
}

func (l *ZapLogger) LogResponse(resp *http.Response, body []byte) {
	if resp == nil {
		return
	}
	l.z.Debugw("response", "status", resp.StatusCode, "bytes", len(body))
}

func (l *ZapLogger) LogError(err error) {
	if err == nil {
		return
	}
	l.z.Errorw("error", "err", err)
}

func (l *ZapLogger) Log(msg string, args ...any) {
	l.z.Infow(msg, args...)
}

// ============================================================================
// no-op
// ============================================================================

type nopLogger struct{}

func (nopLogger) LogRequest(*http.Request, []byte)   {}
func (nopLogger) LogResponse(*http.Response, []byte) {}
func (nopLogger) LogError(error)                     {}
func (nopLogger) Log(string, ...any)                 {}
