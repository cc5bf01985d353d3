package limiter

import (
	"fmt"
	"time"
)

// Rate is a single ceiling: at most Limit admissions within any trailing
// Interval. A bucket may enforce several rates at once; all of them must
// hold for an admission to succeed.
type Rate struct {
	Limit    int64
	Interval time.Duration
}

// Validate checks the rate invariants. Rates with non-positive limit or
// interval are rejected at construction time, never at request time.
func (r Rate) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidRate, r.Limit)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidRate, r.Interval)
	}
	return nil
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Interval)
}

// RateItem is one admission event: a request attempt (weight 1), a batched
// attempt (weight > 1), or a synthetic filler recorded by the catch-up
// correction path.
type RateItem struct {
	Key       string
	Timestamp time.Time
	Weight    int64
}

func validateRates(rates []Rate) error {
	if len(rates) == 0 {
		return ErrNoRates
	}
	for _, r := range rates {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SmallestRate returns the rate with the lowest limit. When a server reports
// a limit violation we cannot know which of its limits was hit, so the
// tightest configured window is the conservative choice for correction.
func SmallestRate(rates []Rate) Rate {
	smallest := rates[0]
	for _, r := range rates[1:] {
		if r.Limit < smallest.Limit {
			smallest = r
		}
	}
	return smallest
}

// widestInterval is the eviction horizon: items older than this cannot
// count toward any configured window.
func widestInterval(rates []Rate) time.Duration {
	widest := rates[0].Interval
	for _, r := range rates[1:] {
		if r.Interval > widest {
			widest = r.Interval
		}
	}
	return widest
}
