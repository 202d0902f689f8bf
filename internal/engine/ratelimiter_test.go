package engine

import (
	"context"
	"testing"
	"time"
)

func setupTestRL(t *testing.T) (*RateLimiter, *time.Time) {
	t.Helper()
	client, _ := setupRedis(t)
	rl := NewRateLimiter(client, testLogger())
	now := time.Now()
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !rl.Allow(ctx, "sub-1", 5) {
			t.Errorf("request %d should be allowed (limit=5)", i+1)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rl.Allow(ctx, "sub-1", 3)
	}
	if rl.Allow(ctx, "sub-1", 3) {
		t.Error("request should be blocked when over limit")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl, now := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rl.Allow(ctx, "sub-1", 2)
	}
	if rl.Allow(ctx, "sub-1", 2) {
		t.Fatal("third request in the same second should be blocked")
	}

	*now = now.Add(1100 * time.Millisecond)
	if !rl.Allow(ctx, "sub-1", 2) {
		t.Error("request after the window should be allowed")
	}
}

func TestRateLimiter_ZeroLimit_AllowsAll(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !rl.Allow(ctx, "sub-1", 0) {
			t.Fatalf("request %d should be allowed with limit=0 (unlimited)", i+1)
		}
	}
}

func TestRateLimiter_IsolationBetweenSubscriptions(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rl.Allow(ctx, "sub-1", 2)
	}
	if rl.Allow(ctx, "sub-1", 2) {
		t.Error("sub-1 should be blocked")
	}
	if !rl.Allow(ctx, "sub-2", 2) {
		t.Error("sub-2 should be allowed, limits are per subscription")
	}
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	client, mr := setupRedis(t)
	rl := NewRateLimiter(client, testLogger())
	mr.Close()

	if !rl.Allow(context.Background(), "sub-1", 1) {
		t.Error("limiter should allow when redis is unavailable")
	}
}
