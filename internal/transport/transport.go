// Package transport defines the delivery port. The scheduling core only
// decides what to send and when; the actual push call lives behind the
// Transport interface provided by the surrounding application.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is a fully-resolved notification handed to the transport.
type Message struct {
	// Token identifies the destination device/channel endpoint.
	Token    string
	Title    string
	Body     string
	Priority int
}

// Transport performs the actual delivery. Errors are retryable by
// default; wrap with Terminal for permanent failures (invalid
// destination token) and RetryAfter to hint a delay (throttling).
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Directory resolves a user id to a destination token. Deployments
// where the user id already is the token can use Identity.
type Directory interface {
	DestinationToken(ctx context.Context, userID string) (string, error)
}

// Identity is a Directory that returns the user id unchanged.
type Identity struct{}

func (Identity) DestinationToken(_ context.Context, userID string) (string, error) {
	return userID, nil
}

// Func adapts a plain function to Transport (handy in tests and for
// small custom integrations).
type Func func(ctx context.Context, msg Message) error

func (f Func) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Terminal marks an error as permanent: the dispatcher will not retry.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// IsTerminal reports whether err is wrapped with Terminal.
func IsTerminal(err error) bool {
	var e terminalError
	return errors.As(err, &e)
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return fmt.Sprintf("terminal: %v", e.err) }
func (e terminalError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before retrying, e.g. when the
// push gateway returns a throttling response. The dispatcher respects
// the hint bounded by its max backoff, and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry
// delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfterHint extracts the retry delay from err, if one was
// attached anywhere in the chain.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e RetryAfterError
	if errors.As(err, &e) {
		return e.RetryAfter(), true
	}
	return 0, false
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string {
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
