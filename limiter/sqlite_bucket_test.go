package limiter

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteBucket_ExactLimit(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "throttle.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	clock := newFakeClock()
	rate := Rate{Limit: 3, Interval: time.Minute}
	b, err := NewSQLiteBucket(db, "host", []Rate{rate}, clock)
	if err != nil {
		t.Fatalf("NewSQLiteBucket: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := b.Put(ctx, RateItem{Key: "host", Timestamp: clock.Now(), Weight: 1}); err != nil {
			t.Fatalf("put %d failed: %v", i+1, err)
		}
		clock.Advance(time.Second)
	}

	err = b.Put(ctx, RateItem{Key: "host", Timestamp: clock.Now(), Weight: 1})
	full, ok := AsBucketFull(err)
	if !ok {
		t.Fatalf("expected BucketFullError, got %v", err)
	}
	if full.Rate != rate {
		t.Errorf("expected violated rate %s, got %s", rate, full.Rate)
	}

	count, err := b.Count(ctx, rate.Interval)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
}

func TestSQLiteBucket_OversizedWeightNotRetryable(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "throttle.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	clock := newFakeClock()
	rate := Rate{Limit: 3, Interval: time.Minute}
	b, err := NewSQLiteBucket(db, "host", []Rate{rate}, clock)
	if err != nil {
		t.Fatalf("NewSQLiteBucket: %v", err)
	}

	err = b.Put(ctx, RateItem{Key: "host", Timestamp: clock.Now(), Weight: 4})
	full, ok := AsBucketFull(err)
	if !ok {
		t.Fatalf("expected BucketFullError, got %v", err)
	}
	if full.Retryable() {
		t.Errorf("a weight above the limit can never fit, got retry after %s", full.RetryAfter)
	}

	count, err := b.Count(ctx, rate.Interval)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected the refusal to leave the bucket empty, got %d", count)
	}
}

func TestSQLiteBucket_StateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "throttle.db")
	clock := newFakeClock()
	rates := []Rate{{Limit: 2, Interval: time.Hour}}

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	b, err := NewSQLiteBucket(db, "host", rates, clock)
	if err != nil {
		t.Fatalf("NewSQLiteBucket: %v", err)
	}
	if err := b.Put(ctx, RateItem{Key: "host", Timestamp: clock.Now(), Weight: 2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	db.Close()

	// a fresh bucket over the same file still sees the recorded weight
	db, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	b, err = NewSQLiteBucket(db, "host", rates, clock)
	if err != nil {
		t.Fatalf("NewSQLiteBucket: %v", err)
	}
	if err := b.Put(ctx, RateItem{Key: "host", Timestamp: clock.Now(), Weight: 1}); err == nil {
		t.Error("expected the persisted budget to be exhausted after reopen")
	}
}

func TestSQLiteBucket_KeysArePartitioned(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "throttle.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	clock := newFakeClock()
	rates := []Rate{{Limit: 1, Interval: time.Hour}}
	a, err := NewSQLiteBucket(db, "a.example.com", rates, clock)
	if err != nil {
		t.Fatalf("NewSQLiteBucket: %v", err)
	}
	b, err := NewSQLiteBucket(db, "b.example.com", rates, clock)
	if err != nil {
		t.Fatalf("NewSQLiteBucket: %v", err)
	}

	if err := a.Put(ctx, RateItem{Key: "a.example.com", Timestamp: clock.Now(), Weight: 1}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := b.Put(ctx, RateItem{Key: "b.example.com", Timestamp: clock.Now(), Weight: 1}); err != nil {
		t.Errorf("exhausting key a must not affect key b: %v", err)
	}
}

func TestSQLiteBucket_FillAndEviction(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "throttle.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	clock := newFakeClock()
	rate := Rate{Limit: 10, Interval: time.Minute}
	b, err := NewSQLiteBucket(db, "host", []Rate{rate}, clock)
	if err != nil {
		t.Fatalf("NewSQLiteBucket: %v", err)
	}

	if err := b.Fill(ctx, RateItem{Key: "host", Timestamp: clock.Now(), Weight: 15}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	count, err := b.Count(ctx, rate.Interval)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 15 {
		t.Errorf("expected count 15 after fill, got %d", count)
	}

	clock.Advance(2 * time.Minute)
	count, err = b.Count(ctx, rate.Interval)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected expired fill not to count, got %d", count)
	}
	if err := b.Put(ctx, RateItem{Key: "host", Timestamp: clock.Now(), Weight: 1}); err != nil {
		t.Errorf("put after expiry failed: %v", err)
	}
}
