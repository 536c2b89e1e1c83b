package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLimiter(store Store, maxPerDay int) *Limiter {
	return NewLimiter(store, Limits{
		MaxPerOpUSD: decimal.NewFromInt(500),
		MaxPerDay:   maxPerDay,
		Window:      24 * time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPerOperationCeiling(t *testing.T) {
	l := testLimiter(NewMemoryStore(), 20)

	d, err := l.CheckAndRecord(context.Background(), "0xowner", decimal.NewFromFloat(500.01))
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if d.Allowed {
		t.Fatalf("$500.01 must exceed the $500 per-operation ceiling")
	}

	// Exactly at the ceiling is allowed.
	d, err = l.CheckAndRecord(context.Background(), "0xowner", decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("exactly $500 must be allowed: %s", d.Reason)
	}
}

func TestDailyCountCap(t *testing.T) {
	l := testLimiter(NewMemoryStore(), 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10))
		if err != nil || !d.Allowed {
			t.Fatalf("operation %d should be allowed: %v %s", i, err, d.Reason)
		}
	}

	d, err := l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if d.Allowed {
		t.Fatalf("4th operation must be rate limited")
	}
	if d.ResetAt.IsZero() {
		t.Fatalf("denied decision must carry a reset time")
	}
}

func TestFailedOperationsDoNotCount(t *testing.T) {
	l := testLimiter(NewMemoryStore(), 1)
	ctx := context.Background()

	d, err := l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10))
	if err != nil || !d.Allowed {
		t.Fatalf("first operation should be allowed: %v", err)
	}

	// The operation failed downstream; forgiving it frees the slot.
	if err := l.Forgive(ctx, "0xowner", d.RecordID); err != nil {
		t.Fatalf("Forgive: %v", err)
	}

	d, err = l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("forgiven operation must not count against the cap")
	}
}

func TestUsersIsolated(t *testing.T) {
	l := testLimiter(NewMemoryStore(), 1)
	ctx := context.Background()

	if d, _ := l.CheckAndRecord(ctx, "0xalice", decimal.NewFromInt(10)); !d.Allowed {
		t.Fatalf("alice's first operation should be allowed")
	}
	if d, _ := l.CheckAndRecord(ctx, "0xalice", decimal.NewFromInt(10)); d.Allowed {
		t.Fatalf("alice's second operation should be limited")
	}
	if d, _ := l.CheckAndRecord(ctx, "0xbob", decimal.NewFromInt(10)); !d.Allowed {
		t.Fatalf("bob must not be affected by alice's usage")
	}
}

func TestWindowSlides(t *testing.T) {
	store := NewMemoryStore()
	l := testLimiter(store, 2)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	ctx := context.Background()

	l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10))
	l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10))

	// Still inside the window: denied, with reset at oldest + 24h.
	l.now = func() time.Time { return base.Add(12 * time.Hour) }
	d, err := l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if d.Allowed {
		t.Fatalf("window still full at +12h")
	}
	if want := base.Add(24 * time.Hour); !d.ResetAt.Equal(want) {
		t.Fatalf("reset at %v, want %v", d.ResetAt, want)
	}

	// Past the oldest record's expiry: a slot frees up.
	l.now = func() time.Time { return base.Add(24*time.Hour + time.Minute) }
	d, err = l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("slot should free after the oldest record leaves the window")
	}
}

func TestRemainingCountsDown(t *testing.T) {
	l := testLimiter(NewMemoryStore(), 3)
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		d, err := l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10))
		if err != nil || !d.Allowed {
			t.Fatalf("operation should be allowed: %v %s", err, d.Reason)
		}
		if d.Remaining != want {
			t.Fatalf("remaining = %d, want %d", d.Remaining, want)
		}
	}
}

func TestResetClearsWindow(t *testing.T) {
	l := testLimiter(NewMemoryStore(), 1)
	ctx := context.Background()

	if d, _ := l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10)); !d.Allowed {
		t.Fatalf("first operation should be allowed")
	}
	if d, _ := l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10)); d.Allowed {
		t.Fatalf("second operation should be limited")
	}

	if err := l.Reset(ctx, "0xowner"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if d, _ := l.CheckAndRecord(ctx, "0xowner", decimal.NewFromInt(10)); !d.Allowed {
		t.Fatalf("operation after reset should be allowed")
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	l := testLimiter(NewMemoryStore(), 20)
	if _, err := l.CheckAndRecord(context.Background(), "0xowner", decimal.NewFromInt(-1)); err == nil {
		t.Fatalf("negative amount must error")
	}
}
