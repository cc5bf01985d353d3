// Package limiter implements multi-window rate limiting over per-key
// buckets with pluggable storage backends (in-memory, Redis, SQLite).
package limiter

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Limiter orchestrates admission: it builds the item, fetches the bucket
// and, when the bucket is full, either waits for capacity (bounded by the
// max delay) or reports the failure. It holds no counts itself.
type Limiter struct {
	registry      *Registry
	clock         Clock
	maxDelay      time.Duration
	hasMaxDelay   bool
	raiseWhenFail bool
	onDelay       func(key string, wait time.Duration)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMaxDelay sets the longest total wait TryAcquire may spend blocking
// for capacity before treating the attempt as failed. Without it, a full
// bucket fails immediately.
func WithMaxDelay(d time.Duration) Option {
	return func(l *Limiter) {
		if d >= 0 {
			l.maxDelay = d
			l.hasMaxDelay = true
		}
	}
}

// WithRaiseWhenFail controls what an infeasible admission returns. When
// true (the default) the caller gets the *BucketFullError; when false the
// failure is only logged and TryAcquire returns nil, leaving the decision
// to whatever observes the response.
func WithRaiseWhenFail(raise bool) Option {
	return func(l *Limiter) {
		l.raiseWhenFail = raise
	}
}

// WithClock overrides the clock used for deadline accounting. Defaults to
// the registry's clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// New creates a Limiter over the given registry.
func New(registry *Registry, opts ...Option) (*Limiter, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}
	l := &Limiter{
		registry:      registry,
		clock:         registry.Clock(),
		raiseWhenFail: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SetDelayObserver registers fn, invoked with the key and the wait about
// to be taken each time an admission blocks for capacity. Wrappers install
// their metrics here. Set it before the limiter is shared; a nil fn
// removes the observer.
func (l *Limiter) SetDelayObserver(fn func(key string, wait time.Duration)) {
	l.onDelay = fn
}

// Registry returns the registry this limiter admits through.
func (l *Limiter) Registry() *Registry {
	return l.registry
}

// TryAcquire acquires capacity for one weight-1 admission under key.
func (l *Limiter) TryAcquire(ctx context.Context, key string) error {
	return l.TryAcquireN(ctx, key, 1)
}

// TryAcquireN acquires capacity for an admission of the given weight.
//
// All configured rates must hold at once. On a full bucket the call blocks
// until the violated window frees up, as long as that wait fits inside the
// max delay; the wait honors ctx cancellation and leaves bucket state
// untouched when aborted. An infeasible wait returns the *BucketFullError,
// or nil when raise-when-fail is off. Backend errors are returned as-is.
func (l *Limiter) TryAcquireN(ctx context.Context, key string, weight int64) error {
	bucket, err := l.registry.GetOrCreate(key)
	if err != nil {
		return err
	}

	var deadline time.Time
	if l.hasMaxDelay {
		deadline = l.clock.Now().Add(l.maxDelay)
	}

	for {
		err := bucket.Put(ctx, l.registry.WrapItem(key, weight))
		if err == nil {
			return nil
		}
		full, ok := AsBucketFull(err)
		if !ok {
			return err
		}

		if !l.hasMaxDelay || !full.Retryable() || full.RetryAfter.After(deadline) {
			if l.raiseWhenFail {
				return full
			}
			log.Debug().
				Str("key", key).
				Str("rate", full.Rate.String()).
				Time("retry_after", full.RetryAfter).
				Msg("admission failed, suppressed by policy")
			return nil
		}

		wait := full.RetryAfter.Sub(l.clock.Now())
		log.Debug().Str("key", key).Dur("wait", wait).Msg("bucket full, delaying")
		if l.onDelay != nil && wait > 0 {
			l.onDelay(key, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// sleep blocks for d or until ctx is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
