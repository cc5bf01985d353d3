package limiter

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry maps routing keys (hostnames, or a fixed default) to buckets.
// Buckets are created lazily on first use and never removed; every bucket
// shares the registry's rate list and clock. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]Bucket
	rates   []Rate
	clock   Clock
	factory BucketFactory
}

// NewRegistry creates a registry. A nil factory defaults to in-memory
// buckets; a nil clock defaults to the system clock.
func NewRegistry(rates []Rate, factory BucketFactory, clock Clock) (*Registry, error) {
	if err := validateRates(rates); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = NewMemoryBucket
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Registry{
		buckets: make(map[string]Bucket),
		rates:   append([]Rate(nil), rates...),
		clock:   clock,
		factory: factory,
	}, nil
}

// GetOrCreate returns the bucket for key, constructing it on first use.
// Concurrent calls racing on a new key observe exactly one bucket.
func (r *Registry) GetOrCreate(key string) (Bucket, error) {
	r.mu.RLock()
	bucket, ok := r.buckets[key]
	r.mu.RUnlock()
	if ok {
		return bucket, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if bucket, ok := r.buckets[key]; ok {
		return bucket, nil
	}
	bucket, err := r.factory(key, r.rates, r.clock)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("bucket construction failed")
		return nil, err
	}
	r.buckets[key] = bucket
	log.Debug().Str("key", key).Msg("bucket created")
	return bucket, nil
}

// WrapItem stamps a new admission event with the registry's clock.
// Weights below 1 are normalized to 1.
func (r *Registry) WrapItem(key string, weight int64) RateItem {
	if weight < 1 {
		weight = 1
	}
	return RateItem{Key: key, Timestamp: r.clock.Now(), Weight: weight}
}

// Rates returns a copy of the configured rate list.
func (r *Registry) Rates() []Rate {
	return append([]Rate(nil), r.rates...)
}

// Clock returns the shared clock.
func (r *Registry) Clock() Clock {
	return r.clock
}

// Keys lists the keys with existing buckets, in no particular order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.buckets))
	for k := range r.buckets {
		keys = append(keys, k)
	}
	return keys
}
