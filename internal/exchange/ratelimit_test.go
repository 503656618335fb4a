package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 5 took %v, want immediate", elapsed)
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // refill every 100ms

	ctx := context.Background()
	tb.Wait(ctx)

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second token arrived in %v, want ~100ms wait", elapsed)
	}
}

func TestTokenBucketRespectsContext(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills

	ctx := context.Background()
	tb.Wait(ctx)

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(cancelCtx); err == nil {
		t.Error("Wait should fail when context expires before a token")
	}
}

func TestRateLimiterHasAllCategories(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()

	if rl.Order == nil || rl.Cancel == nil || rl.Query == nil {
		t.Error("rate limiter missing a category bucket")
	}
}
