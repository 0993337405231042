package chat

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Client errors
// ============================================================================

// ErrorKind classifies a ClientError.
type ErrorKind int

const (
	KindEmptyUser ErrorKind = iota + 1
	KindInvalidURL
	KindEncodingFailure
	KindRequestFailed
	KindEmptyBody
	KindResponseError
	KindDecodingFailure
	KindTokenRenewalFailed
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindEmptyUser:
		return "empty user"
	case KindInvalidURL:
		return "invalid url"
	case KindEncodingFailure:
		return "encoding failure"
	case KindRequestFailed:
		return "request failed"
	case KindEmptyBody:
		return "empty body"
	case KindResponseError:
		return "response error"
	case KindDecodingFailure:
		return "decoding failure"
	case KindTokenRenewalFailed:
		return "token renewal failed"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// Sentinels for errors.Is. Any *ClientError of the same kind matches.
var (
	ErrEmptyUser          = &ClientError{Kind: KindEmptyUser}
	ErrInvalidURL         = &ClientError{Kind: KindInvalidURL}
	ErrEncodingFailure    = &ClientError{Kind: KindEncodingFailure}
	ErrRequestFailed      = &ClientError{Kind: KindRequestFailed}
	ErrEmptyBody          = &ClientError{Kind: KindEmptyBody}
	ErrResponseError      = &ClientError{Kind: KindResponseError}
	ErrDecodingFailure    = &ClientError{Kind: KindDecodingFailure}
	ErrTokenRenewalFailed = &ClientError{Kind: KindTokenRenewalFailed}

	// ErrCanceled is only returned by Do. Completions of cancelled
	// requests are never invoked.
	ErrCanceled = &ClientError{Kind: KindCanceled}

	// ErrMissingTokenProvider is the renewal cause when a token is needed
	// but the client was given neither a token nor a provider.
	ErrMissingTokenProvider = errors.New("no token provider configured")
)

// ClientError is the only error type delivered to request completions.
type ClientError struct {
	Kind ErrorKind

	// Path is set for KindInvalidURL.
	Path string
	// Object is the value that failed to encode (KindEncodingFailure).
	Object any
	// Response is the server error payload (KindResponseError).
	Response *ErrorResponse

	Err error
}

func (e *ClientError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	switch {
	case e.Response != nil:
		b.WriteString(": ")
		b.WriteString(e.Response.Error())
	case e.Path != "":
		fmt.Fprintf(&b, " %q", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ClientError) Unwrap() error { return e.Err }

// Is matches on kind so that errors.Is(err, ErrEmptyBody) works for any
// instance of that kind.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newClientError(kind ErrorKind, err error) *ClientError {
	return &ClientError{Kind: kind, Err: err}
}

// ============================================================================
// Server error payload
// ============================================================================

// ErrorCodeTokenExpired is the server error code for an expired token.
const ErrorCodeTokenExpired = 40

// ErrorResponse is the error shape returned by the API.
type ErrorResponse struct {
	Code            int               `json:"code"`
	Message         string            `json:"message"`
	StatusCode      int               `json:"StatusCode"`
	Duration        string            `json:"duration,omitempty"`
	ExceptionFields map[string]string `json:"exception_fields,omitempty"`
	MoreInfo        string            `json:"more_info,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("code %d (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// valid reports whether the payload looked like a real error document.
func (e *ErrorResponse) valid() bool {
	return e.Code != 0 || e.Message != ""
}

// IsTokenExpired reports whether the server rejected the request because
// the token expired.
func (e *ErrorResponse) IsTokenExpired() bool {
	return e.Code == ErrorCodeTokenExpired
}
