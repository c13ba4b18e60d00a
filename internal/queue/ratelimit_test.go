package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newTestRedis(t)
	rl := NewRateLimiter(rdb, 2)
	now := time.Date(2026, 2, 13, 10, 15, 0, 0, time.UTC)

	allowed, used, resetAt, err := rl.Allow(context.Background(), "chat", "10.0.0.1", now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}
	if !resetAt.Equal(time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset time %s", resetAt)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "chat", "10.0.0.1", now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "chat", "10.0.0.1", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
}

func TestRateLimiterSeparatesClientsScopesAndWindows(t *testing.T) {
	mr, rdb := newTestRedis(t)
	rl := NewRateLimiter(rdb, 1)
	now := time.Date(2026, 2, 13, 10, 59, 30, 0, time.UTC)
	ctx := context.Background()

	if ok, _, _, _ := rl.Allow(ctx, "chat", "a", now); !ok {
		t.Fatalf("expected first request for a allowed")
	}
	if ok, _, _, _ := rl.Allow(ctx, "chat", "b", now); !ok {
		t.Fatalf("expected other client to have its own budget")
	}
	if ok, _, _, _ := rl.Allow(ctx, "detect", "a", now); !ok {
		t.Fatalf("expected other scope to have its own budget")
	}
	if ok, _, _, _ := rl.Allow(ctx, "chat", "a", now.Add(time.Minute)); !ok {
		t.Fatalf("expected next hour window to reset the budget")
	}

	key := "dentai:ratelimit:chat:a:2026021310"
	if ttl := mr.TTL(key); ttl <= 0 || ttl > 30*time.Second {
		t.Fatalf("expected ttl up to the end of the window, got %s", ttl)
	}
}
