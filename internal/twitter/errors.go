package twitter

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth means the provider rejected the credentials. Retrying with the
	// same token pair will not help.
	ErrAuth = errors.New("twitter: authentication rejected")
	// ErrStall means no data, not even a keep-alive, arrived in time.
	ErrStall = errors.New("twitter: stream stalled")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("twitter: stream closed")
	// ErrFrameTooLarge means a frame ran past Config.MaxFrame without a
	// newline.
	ErrFrameTooLarge = errors.New("twitter: frame too large")
)

// RateLimitedError is returned for HTTP 420 and 429. RetryAfter is zero
// when the provider sent no hint.
type RateLimitedError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("twitter: rate limited (status %d)", e.StatusCode)
}

// StatusError is any other non-200 handshake response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("twitter: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("twitter: unexpected status %d: %s", e.StatusCode, e.Body)
}

// DisconnectError reports a disconnect notice sent on the stream.
type DisconnectError struct {
	Code   int
	Reason string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("twitter: disconnected by provider (code %d): %s", e.Code, e.Reason)
}

// disconnectTokenRevoked is the notice code for a revoked user token.
const disconnectTokenRevoked = 6

func (e *DisconnectError) Is(target error) bool {
	return target == ErrAuth && e.Code == disconnectTokenRevoked
}

// IsRateLimited reports whether err is a RateLimitedError and returns it.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
