package limiter

import (
	"context"
	"sync"
	"time"
)

// memoryBucket keeps admitted items in a time-ordered slice guarded by a
// mutex. Items older than the widest configured interval are dropped lazily
// on every Put, Fill and Count; no background task is involved.
type memoryBucket struct {
	mu     sync.Mutex
	key    string
	rates  []Rate
	clock  Clock
	widest time.Duration
	items  []RateItem
}

// NewMemoryBucket creates an in-process bucket. It matches the
// BucketFactory signature and is the default backend.
func NewMemoryBucket(key string, rates []Rate, clock Clock) (Bucket, error) {
	if err := validateRates(rates); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &memoryBucket{
		key:    key,
		rates:  append([]Rate(nil), rates...),
		clock:  clock,
		widest: widestInterval(rates),
	}, nil
}

func (b *memoryBucket) Put(_ context.Context, item RateItem) error {
	if item.Weight < 1 {
		return ErrInvalidWeight
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.evictLocked(now)

	for _, rate := range b.rates {
		// A weight above the limit can never fit; zero RetryAfter marks
		// the refusal as non-retryable.
		if item.Weight > rate.Limit {
			return &BucketFullError{Key: b.key, Rate: rate}
		}
		count, oldest := b.countLocked(now, rate.Interval)
		if count+item.Weight > rate.Limit {
			return &BucketFullError{Key: b.key, Rate: rate, RetryAfter: oldest.Add(rate.Interval)}
		}
	}

	b.items = append(b.items, item)
	return nil
}

func (b *memoryBucket) Fill(_ context.Context, item RateItem) error {
	if item.Weight < 1 {
		return ErrInvalidWeight
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked(b.clock.Now())
	b.items = append(b.items, item)
	return nil
}

func (b *memoryBucket) Count(_ context.Context, interval time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.evictLocked(now)
	count, _ := b.countLocked(now, interval)
	return count, nil
}

func (b *memoryBucket) Rates() []Rate {
	return append([]Rate(nil), b.rates...)
}

// countLocked sums the weight of items inside the trailing interval and
// reports the timestamp of the oldest such item (zero if none).
func (b *memoryBucket) countLocked(now time.Time, interval time.Duration) (int64, time.Time) {
	cutoff := now.Add(-interval)
	var count int64
	var oldest time.Time
	for _, it := range b.items {
		if it.Timestamp.Before(cutoff) {
			continue
		}
		count += it.Weight
		if oldest.IsZero() || it.Timestamp.Before(oldest) {
			oldest = it.Timestamp
		}
	}
	return count, oldest
}

func (b *memoryBucket) evictLocked(now time.Time) {
	cutoff := now.Add(-b.widest)
	kept := b.items[:0]
	for _, it := range b.items {
		if !it.Timestamp.Before(cutoff) {
			kept = append(kept, it)
		}
	}
	b.items = kept
}
