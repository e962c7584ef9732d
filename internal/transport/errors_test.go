package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyNil(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("nil error must classify to nil")
	}
}

func TestClassifyTimeout(t *testing.T) {
	cerr := Classify(context.DeadlineExceeded)
	if cerr.Type != ErrorNetwork {
		t.Errorf("expected network, got %s", cerr.Type)
	}
	if !cerr.Recoverable {
		t.Error("timeouts are recoverable")
	}
}

func TestClassifyAuth(t *testing.T) {
	cerr := Classify(errors.New("NOAUTH Authentication required."))
	if cerr.Type != ErrorAuthentication {
		t.Errorf("expected authentication, got %s", cerr.Type)
	}
	if cerr.Recoverable {
		t.Error("rejected credentials are not recoverable")
	}

	expired := Classify(errors.New("token expired, please refresh"))
	if expired.Type != ErrorAuthentication || !expired.Recoverable {
		t.Errorf("expired credentials should be a recoverable auth error, got %+v", expired)
	}
}

func TestClassifyRateLimit(t *testing.T) {
	cerr := Classify(errors.New("rate limit exceeded"))
	if cerr.Type != ErrorRateLimit {
		t.Errorf("expected rate_limit, got %s", cerr.Type)
	}
	if cerr.RetryAfter <= 0 {
		t.Error("rate limits carry a retry-after cool-down")
	}
}

func TestClassifyPassesThrough(t *testing.T) {
	original := &Error{Type: ErrorChannel, Message: "attach failed", Recoverable: true}
	if got := Classify(original); got != original {
		t.Error("already classified errors must pass through unchanged")
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryNonRecoverableStopsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		return errors.New("WRONGPASS invalid username-password pair")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("non-recoverable failure must not retry, got %d attempts", attempts)
	}
	cerr, ok := err.(*Error)
	if !ok || cerr.Type != ErrorAuthentication {
		t.Errorf("expected authentication error, got %v", err)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := Retry(context.Background(), func() error {
		attempts++
		return &Error{Type: ErrorUnknown, Message: "flaky", Recoverable: true}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// One probe attempt, then 1+maxRetries attempts inside the backoff loop.
	want := int(retryPolicies[ErrorUnknown].maxRetries) + 2
	if attempts != want {
		t.Errorf("expected %d attempts, got %d", want, attempts)
	}
	if time.Since(start) < retryPolicies[ErrorUnknown].base/2 {
		t.Error("retries must be spaced by backoff")
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := Retry(ctx, func() error {
		return errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error when context expires")
	}
}
