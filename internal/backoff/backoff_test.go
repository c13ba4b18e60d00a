package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesTemporaryFailures(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), Policy{MaxRetries: 2, Base: time.Millisecond}, func(context.Context) (string, bool, error) {
		calls++
		if calls < 3 {
			return "", true, errors.New("temporary")
		}
		return "ok", false, nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out != "ok" || calls != 3 {
		t.Fatalf("expected ok after 3 calls, got %q after %d", out, calls)
	}
}

func TestDoStopsOnPermanentFailure(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxRetries: 5, Base: time.Millisecond}, func(context.Context) (int, bool, error) {
		calls++
		return 0, false, errors.New("bad request")
	})
	if err == nil || err.Error() != "bad request" {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDoWithoutRetriesCallsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{}, func(context.Context) (int, bool, error) {
		calls++
		return 0, true, errors.New("temporary")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxRetries: 3, Base: time.Hour}, func(context.Context) (int, bool, error) {
		calls++
		cancel()
		return 0, true, errors.New("temporary")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected retries to stop after cancel, got %d calls", calls)
	}
}
