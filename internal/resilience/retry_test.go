package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryTransport_Success(t *testing.T) {
	cfg := TransportRetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	err := RetryTransport(context.Background(), cfg, func() error {
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestRetryTransport_EventualSuccess(t *testing.T) {
	cfg := TransportRetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}
	attempts := 0

	err := RetryTransport(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryTransport_AllFail(t *testing.T) {
	cfg := TransportRetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}
	testErr := errors.New("host unreachable")

	err := RetryTransport(context.Background(), cfg, func() error {
		return testErr
	})

	if err != testErr {
		t.Errorf("expected testErr, got %v", err)
	}
}
