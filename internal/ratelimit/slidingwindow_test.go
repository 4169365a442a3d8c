package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	sw := NewSlidingWindow(Config{DefaultLimit: 5, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := sw.Allow(ctx, "c1", 0)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Remaining != 5-i-1 {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 5-i-1, d.Remaining)
		}
	}

	d := sw.Allow(ctx, "c1", 0)
	if d.Allowed {
		t.Fatal("6th request should be rejected")
	}
	if d.RetryAfter != 60 {
		t.Errorf("expected retry_after 60, got %d", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", d.Remaining)
	}
}

func TestSlidingWindowSlides(t *testing.T) {
	sw := NewSlidingWindow(Config{DefaultLimit: 2, Window: 100 * time.Millisecond})
	ctx := context.Background()

	sw.Allow(ctx, "c1", 0)
	sw.Allow(ctx, "c1", 0)
	if sw.Allow(ctx, "c1", 0).Allowed {
		t.Fatal("3rd request inside the window should be rejected")
	}

	time.Sleep(120 * time.Millisecond)

	if !sw.Allow(ctx, "c1", 0).Allowed {
		t.Error("request after the window slid should be allowed")
	}
}

func TestSlidingWindowPerClientIsolation(t *testing.T) {
	sw := NewSlidingWindow(Config{DefaultLimit: 1, Window: time.Minute})
	ctx := context.Background()

	if !sw.Allow(ctx, "c1", 0).Allowed {
		t.Fatal("c1 first request should be allowed")
	}
	if !sw.Allow(ctx, "c2", 0).Allowed {
		t.Error("c2 should not share c1's window")
	}
	if sw.Allow(ctx, "c1", 0).Allowed {
		t.Error("c1 second request should be rejected")
	}
}

func TestSlidingWindowPerRuleOverride(t *testing.T) {
	sw := NewSlidingWindow(Config{DefaultLimit: 1000, Window: time.Minute})
	ctx := context.Background()

	// Rule override of 2 rpm beats the 1000 default
	sw.Allow(ctx, "c1", 2)
	sw.Allow(ctx, "c1", 2)
	if sw.Allow(ctx, "c1", 2).Allowed {
		t.Error("override limit of 2 should reject the 3rd request")
	}
}

func TestSlidingWindowScenarioThousandAndOne(t *testing.T) {
	sw := NewSlidingWindow(Config{DefaultLimit: 1000, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		if d := sw.Allow(ctx, "c1", 0); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d := sw.Allow(ctx, "c1", 0)
	if d.Allowed {
		t.Fatal("request 1001 should be rate limited")
	}
	if d.RetryAfter != 60 {
		t.Errorf("expected retry_after 60, got %d", d.RetryAfter)
	}
}

func TestJanitorEvictsIdleClients(t *testing.T) {
	sw := NewSlidingWindow(Config{
		DefaultLimit:  10,
		Window:        50 * time.Millisecond,
		JanitorPeriod: 20 * time.Millisecond,
		IdleEviction:  40 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw.Start(ctx)
	defer sw.Stop()

	sw.Allow(ctx, "idle-client", 0)
	if sw.ClientCount() != 1 {
		t.Fatalf("expected 1 tracked client, got %d", sw.ClientCount())
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for sw.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sw.ClientCount() != 0 {
		t.Errorf("expected idle client evicted, still tracking %d", sw.ClientCount())
	}
}
