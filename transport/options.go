package transport

import "net/http"

// Option is a function type used to configure a Transport.
type Option func(*Transport)

// WithBase sets the underlying transport requests are forwarded to.
// Defaults to http.DefaultTransport.
func WithBase(base http.RoundTripper) Option {
	return func(t *Transport) {
		if base != nil {
			t.base = base
		}
	}
}

// WithPerHost toggles per-host scoping. When enabled (the default) each
// destination host gets its own bucket; when disabled all requests share
// one process-wide bucket.
func WithPerHost(perHost bool) Option {
	return func(t *Transport) {
		t.perHost = perHost
	}
}

// WithLimitStatuses replaces the set of response status codes treated as
// rate-limit signals. Defaults to 429 only.
func WithLimitStatuses(statuses ...int) Option {
	return func(t *Transport) {
		if len(statuses) == 0 {
			return
		}
		set := make(map[int]struct{}, len(statuses))
		for _, s := range statuses {
			set[s] = struct{}{}
		}
		t.limitStatuses = set
	}
}

// WithDefaultKey overrides the process-wide routing key used when per-host
// scoping is off. Defaults to a random UUID so unrelated transports never
// share a bucket by accident.
func WithDefaultKey(key string) Option {
	return func(t *Transport) {
		if key != "" {
			t.defaultKey = key
		}
	}
}

// WithRecorder injects a metrics backend. Defaults to NopRecorder.
func WithRecorder(r Recorder) Option {
	return func(t *Transport) {
		if r != nil {
			t.recorder = r
		}
	}
}
