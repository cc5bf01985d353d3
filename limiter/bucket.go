package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Custom errors
var (
	ErrNoRates       = errors.New("at least one rate is required")
	ErrInvalidRate   = errors.New("invalid rate")
	ErrNilRegistry   = errors.New("registry must not be nil")
	ErrInvalidWeight = errors.New("item weight must be at least 1")
)

// Bucket is the per-key accounting store. It records timestamped admission
// events and answers how much weight currently falls within a window.
//
// Implementations must be safe for concurrent use; concurrent Put calls for
// the same key must never let the admitted weight in any window exceed the
// configured limit.
type Bucket interface {
	// Put records item after checking every configured rate. If recording
	// would exceed any rate's limit, it returns a *BucketFullError naming
	// the violated rate and the earliest instant a retry could succeed
	// (zero when the item can never fit), and the bucket is left unchanged.
	Put(ctx context.Context, item RateItem) error

	// Fill records item unconditionally, bypassing the rate checks. It is
	// used by the catch-up correction path to model weight the server has
	// already counted against us.
	Fill(ctx context.Context, item RateItem) error

	// Count returns the summed weight of items whose timestamp lies within
	// [now-interval, now].
	Count(ctx context.Context, interval time.Duration) (int64, error)

	// Rates returns the ceilings this bucket enforces.
	Rates() []Rate
}

// BucketFactory constructs the bucket for a key. The Registry calls it once
// per distinct key, passing its shared rate list and clock.
type BucketFactory func(key string, rates []Rate, clock Clock) (Bucket, error)

// BucketFullError reports an admission refusal: recording the item would
// have pushed the named rate over its limit. RetryAfter is the timestamp of
// the oldest item in the violated window plus the interval, i.e. the moment
// capacity frees up. A zero RetryAfter means no amount of waiting helps:
// the item's weight alone exceeds the rate's limit.
type BucketFullError struct {
	Key        string
	Rate       Rate
	RetryAfter time.Time
}

// Retryable reports whether waiting can ever free enough capacity for the
// refused item.
func (e *BucketFullError) Retryable() bool {
	return !e.RetryAfter.IsZero()
}

func (e *BucketFullError) Error() string {
	if !e.Retryable() {
		return fmt.Sprintf("bucket full for key %q: item weight exceeds rate %s", e.Key, e.Rate)
	}
	return fmt.Sprintf("bucket full for key %q: rate %s exceeded, retry after %s",
		e.Key, e.Rate, e.RetryAfter.Format(time.RFC3339Nano))
}

// AsBucketFull unwraps err into a *BucketFullError if it is one.
func AsBucketFull(err error) (*BucketFullError, bool) {
	var full *BucketFullError
	ok := errors.As(err, &full)
	return full, ok
}
