// Package transport decorates an http.RoundTripper with client-side rate
// limiting. Requests acquire capacity from a limiter before they are sent;
// responses carrying a rate-limit status trigger a catch-up correction that
// realigns the local bucket with the server-side budget.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/limiter"
)

// ErrNilLimiter is returned when a Transport is constructed without a limiter.
var ErrNilLimiter = errors.New("limiter must not be nil")

// Transport is a drop-in http.RoundTripper wrapper. It derives a routing
// key per request (the target host, or one process-wide default key),
// admits the request through the limiter, forwards it to the base
// transport, and inspects the response status for rate-limit signals.
type Transport struct {
	base          http.RoundTripper
	limiter       *limiter.Limiter
	registry      *limiter.Registry
	perHost       bool
	defaultKey    string
	limitStatuses map[int]struct{}
	recorder      Recorder
}

var _ http.RoundTripper = (*Transport)(nil)

// New wraps the limiter into a transport over http.DefaultTransport.
// Scoping defaults to per-host with 429 as the only limit signal.
func New(lim *limiter.Limiter, opts ...Option) (*Transport, error) {
	if lim == nil {
		return nil, ErrNilLimiter
	}
	t := &Transport{
		base:          http.DefaultTransport,
		limiter:       lim,
		registry:      lim.Registry(),
		perHost:       true,
		defaultKey:    uuid.NewString(),
		limitStatuses: map[int]struct{}{limiter.DefaultLimitStatus: {}},
		recorder:      NopRecorder{},
	}
	for _, opt := range opts {
		opt(t)
	}
	lim.SetDelayObserver(func(key string, wait time.Duration) {
		t.recorder.Delayed(key, wait)
	})
	return t, nil
}

// FromConfig builds the registry, limiter and transport from a validated
// Config, selecting the bucket backend it names. Options are applied after
// the config-derived ones and take precedence.
func FromConfig(cfg *limiter.Config, opts ...Option) (*Transport, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}

	factory, err := bucketFactory(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := limiter.NewRegistry(cfg.Rates(), factory, nil)
	if err != nil {
		return nil, err
	}

	limOpts := []limiter.Option{limiter.WithRaiseWhenFail(cfg.RaiseWhenFailEnabled())}
	if d := cfg.MaxDelay(); d > 0 {
		limOpts = append(limOpts, limiter.WithMaxDelay(d))
	}
	lim, err := limiter.New(registry, limOpts...)
	if err != nil {
		return nil, err
	}

	merged := append([]Option{
		WithPerHost(cfg.PerHostEnabled()),
		WithLimitStatuses(cfg.LimitStatuses...),
	}, opts...)
	return New(lim, merged...)
}

func bucketFactory(cfg *limiter.Config) (limiter.BucketFactory, error) {
	switch cfg.Backend {
	case limiter.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return func(key string, rates []limiter.Rate, clock limiter.Clock) (limiter.Bucket, error) {
			return limiter.NewRedisBucket(client, key, rates, clock)
		}, nil
	case limiter.BackendSQLite:
		db, err := limiter.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return func(key string, rates []limiter.Rate, clock limiter.Clock) (limiter.Bucket, error) {
			return limiter.NewSQLiteBucket(db, key, rates, clock)
		}, nil
	default:
		return limiter.NewMemoryBucket, nil
	}
}

// RoundTrip sends the request with rate limiting. Admission failures are
// returned before anything goes on the wire; transport-level errors pass
// through untouched. A response is always handed back unchanged, even when
// it carried a limit signal; the correction is a side effect, not a retry.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	key := t.routingKey(req)

	if err := t.limiter.TryAcquire(req.Context(), key); err != nil {
		t.recorder.Rejected(key)
		return nil, err
	}
	t.recorder.Acquired(key)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if _, ok := t.limitStatuses[resp.StatusCode]; ok {
		t.recorder.LimitSignal(key, resp.StatusCode)
		log.Info().
			Str("key", key).
			Int("status", resp.StatusCode).
			Msg("rate limit exceeded upstream, filling bucket")
		t.fillBucket(req.Context(), key)
	}
	return resp, nil
}

// Client returns an http.Client that sends every request through this
// transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) routingKey(req *http.Request) string {
	if !t.perHost {
		return t.defaultKey
	}
	if h := req.URL.Host; h != "" {
		return h
	}
	if req.Host != "" {
		return req.Host
	}
	return t.defaultKey
}

// fillBucket saturates the tightest configured window after the server
// reported a limit violation, so subsequent admissions wait for it to roll
// over. The server's specific exceeded limit is unknown, hence the
// smallest-limit rate. Best effort only: a failed fill is logged and never
// fails the response path.
func (t *Transport) fillBucket(ctx context.Context, key string) {
	bucket, err := t.registry.GetOrCreate(key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("bucket fill skipped")
		return
	}

	rate := limiter.SmallestRate(bucket.Rates())
	count, err := bucket.Count(ctx, rate.Interval)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("bucket fill skipped")
		return
	}
	filler := rate.Limit - count
	if filler <= 0 {
		return
	}

	if err := bucket.Fill(ctx, t.registry.WrapItem(key, filler)); err != nil {
		log.Warn().Err(err).Str("key", key).Int64("filler", filler).Msg("bucket fill failed")
		return
	}
	log.Debug().Str("key", key).Int64("filler", filler).Str("rate", rate.String()).Msg("bucket filled to capacity")
}
