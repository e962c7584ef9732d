package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrorType classifies a transport failure for retry policy selection.
type ErrorType string

const (
	ErrorInitialization ErrorType = "initialization"
	ErrorConnection     ErrorType = "connection"
	ErrorAuthentication ErrorType = "authentication"
	ErrorNetwork        ErrorType = "network"
	ErrorRateLimit      ErrorType = "rate_limit"
	ErrorChannel        ErrorType = "channel"
	ErrorUnknown        ErrorType = "unknown"
)

// Error is a classified transport failure. Recoverable errors may be retried
// with backoff; non-recoverable ones surface immediately.
type Error struct {
	Type        ErrorType
	Message     string
	Recoverable bool
	RetryAfter  time.Duration
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(t ErrorType, message string, recoverable bool, err error) *Error {
	return &Error{Type: t, Message: message, Recoverable: recoverable, Err: err}
}

// Classify maps an arbitrary broker/network error onto the taxonomy. Already
// classified errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorNetwork, "operation timed out", true, err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(ErrorUnknown, "operation canceled", false, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newError(ErrorNetwork, "network timeout", true, err)
		}
		return newError(ErrorConnection, "connection failure", true, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "noauth"), strings.Contains(msg, "wrongpass"), strings.Contains(msg, "invalid password"):
		return newError(ErrorAuthentication, "authentication rejected", false, err)
	case strings.Contains(msg, "token expired"), strings.Contains(msg, "credential expired"):
		// Expired credentials are the one auth sub-case worth retrying,
		// since a refreshed token can be presented on the next attempt.
		return newError(ErrorAuthentication, "credentials expired", true, err)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "busy"):
		e := newError(ErrorRateLimit, "rate limited", true, err)
		e.RetryAfter = 2 * time.Second
		return e
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "client is closed"),
		strings.Contains(msg, "loading"), strings.Contains(msg, "readonly"):
		return newError(ErrorConnection, "broker unavailable", true, err)
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "i/o timeout"):
		return newError(ErrorNetwork, "network failure", true, err)
	}
	return newError(ErrorUnknown, "unclassified failure", true, err)
}

// channelError tags a per-channel attach/publish failure.
func channelError(op, name string, err error) *Error {
	return &Error{
		Type:        ErrorChannel,
		Message:     fmt.Sprintf("%s on channel %s", op, name),
		Recoverable: true,
		Err:         err,
	}
}

type retryPolicy struct {
	base       time.Duration
	max        time.Duration
	maxRetries uint64
}

var retryPolicies = map[ErrorType]retryPolicy{
	ErrorConnection:     {base: 500 * time.Millisecond, max: 10 * time.Second, maxRetries: 5},
	ErrorNetwork:        {base: 500 * time.Millisecond, max: 10 * time.Second, maxRetries: 5},
	ErrorRateLimit:      {base: 2 * time.Second, max: 30 * time.Second, maxRetries: 3},
	ErrorChannel:        {base: 250 * time.Millisecond, max: 5 * time.Second, maxRetries: 4},
	ErrorAuthentication: {base: time.Second, max: 10 * time.Second, maxRetries: 2},
	ErrorUnknown:        {base: 500 * time.Millisecond, max: 5 * time.Second, maxRetries: 2},
}

// Retry runs op, retrying recoverable failures with jittered exponential
// backoff bounded by the per-type retry budget. The last classified error is
// returned once the budget is exhausted; non-recoverable errors return
// immediately.
func Retry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	first := Classify(err)
	if !first.Recoverable {
		return first
	}
	pol, ok := retryPolicies[first.Type]
	if !ok {
		pol = retryPolicies[ErrorUnknown]
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = pol.base
	if first.RetryAfter > exp.InitialInterval {
		exp.InitialInterval = first.RetryAfter
	}
	exp.MaxInterval = pol.max
	exp.MaxElapsedTime = 0

	last := first
	attempt := func() error {
		err := op()
		if err == nil {
			return nil
		}
		last = Classify(err)
		if !last.Recoverable {
			return backoff.Permanent(last)
		}
		return last
	}
	if retryErr := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(exp, pol.maxRetries), ctx)); retryErr != nil {
		return last
	}
	return nil
}
