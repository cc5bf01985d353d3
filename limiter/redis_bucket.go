package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed bucket.lua
var bucketLuaScript string // embed the lua script content

var bucketScript = redis.NewScript(bucketLuaScript)

// redisBucket implements Bucket on a Redis sorted set, so several processes
// sharing a Redis instance also share one admission budget per key.
type redisBucket struct {
	client redis.Cmdable // Cmdable keeps ClusterClient and friends usable
	key    string
	rates  []Rate
	clock  Clock
	widest time.Duration
}

// NewRedisBucket creates a bucket backed by the given pre-configured Redis
// client. The check-and-record cycle runs atomically inside a Lua script.
func NewRedisBucket(client redis.Cmdable, key string, rates []Rate, clock Clock) (Bucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis bucket for key %q: client must not be nil", key)
	}
	if err := validateRates(rates); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &redisBucket{
		client: client,
		key:    key,
		rates:  append([]Rate(nil), rates...),
		clock:  clock,
		widest: widestInterval(rates),
	}, nil
}

func (b *redisBucket) Put(ctx context.Context, item RateItem) error {
	return b.record(ctx, item, false)
}

func (b *redisBucket) Fill(ctx context.Context, item RateItem) error {
	return b.record(ctx, item, true)
}

func (b *redisBucket) record(ctx context.Context, item RateItem, force bool) error {
	if item.Weight < 1 {
		return ErrInvalidWeight
	}

	now := item.Timestamp
	if now.IsZero() {
		now = b.clock.Now()
	}

	args := make([]any, 0, 6+2*len(b.rates))
	forceFlag := 0
	if force {
		forceFlag = 1
	}
	args = append(args,
		now.UnixMilli(),
		b.widest.Milliseconds(),
		item.Weight,
		member(item.Weight),
		forceFlag,
		len(b.rates),
	)
	for _, rate := range b.rates {
		args = append(args, rate.Limit, rate.Interval.Milliseconds())
	}

	result, err := bucketScript.Run(ctx, b.client, []string{b.redisKey()}, args...).Result()
	if err != nil {
		log.Error().Err(err).Str("key", b.key).Msg("redis bucket script failed")
		return fmt.Errorf("redis bucket for key %q: %w", b.key, err)
	}

	values, ok := result.([]any)
	if !ok || len(values) == 0 {
		return fmt.Errorf("redis bucket for key %q: unexpected script result %T", b.key, result)
	}
	if admitted, _ := values[0].(int64); admitted == 1 {
		return nil
	}
	if len(values) != 3 {
		return fmt.Errorf("redis bucket for key %q: malformed rejection %v", b.key, values)
	}

	rateIdx, _ := values[1].(int64)
	retryMS, _ := values[2].(int64)
	rate := b.rates[0]
	if rateIdx >= 0 && int(rateIdx) < len(b.rates) {
		rate = b.rates[rateIdx]
	}
	full := &BucketFullError{Key: b.key, Rate: rate}
	if retryMS >= 0 {
		full.RetryAfter = time.UnixMilli(retryMS)
	}
	return full
}

func (b *redisBucket) Count(ctx context.Context, interval time.Duration) (int64, error) {
	now := b.clock.Now()
	cutoff := now.Add(-interval).UnixMilli()

	// opportunistic eviction, mirrors the script
	horizon := now.Add(-b.widest).UnixMilli()
	if err := b.client.ZRemRangeByScore(ctx, b.redisKey(), "0", strconv.FormatInt(horizon-1, 10)).Err(); err != nil {
		return 0, fmt.Errorf("redis bucket for key %q: %w", b.key, err)
	}

	members, err := b.client.ZRangeByScore(ctx, b.redisKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis bucket for key %q: %w", b.key, err)
	}

	var count int64
	for _, m := range members {
		count += memberWeight(m)
	}
	return count, nil
}

func (b *redisBucket) Rates() []Rate {
	return append([]Rate(nil), b.rates...)
}

func (b *redisBucket) redisKey() string {
	return "throttle:" + b.key // prefix for namespacing
}

// member builds a unique sorted-set member carrying the item weight after
// the last ':' so the script and Count can sum weights.
func member(weight int64) string {
	return uuid.NewString() + ":" + strconv.FormatInt(weight, 10)
}

func memberWeight(m string) int64 {
	idx := strings.LastIndexByte(m, ':')
	if idx < 0 {
		return 1
	}
	w, err := strconv.ParseInt(m[idx+1:], 10, 64)
	if err != nil || w < 1 {
		return 1
	}
	return w
}
