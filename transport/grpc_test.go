package transport_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/transport"
)

func grpcInvoker(err error, calls *int) grpc.UnaryInvoker {
	return func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
		*calls++
		return err
	}
}

func TestUnaryClientInterceptor_Admission(t *testing.T) {
	tr, _ := newTransport(t,
		[]limiter.Rate{{Limit: 3, Interval: time.Hour}},
		transport.WithDefaultKey("grpc-test"),
	)
	intercept := tr.UnaryClientInterceptor()

	var calls int
	invoke := grpcInvoker(nil, &calls)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, intercept(ctx, "/svc/Method", nil, nil, nil, invoke))
	}

	err := intercept(ctx, "/svc/Method", nil, nil, nil, invoke)
	require.Error(t, err)
	_, ok := limiter.AsBucketFull(err)
	assert.True(t, ok, "expected a BucketFullError, got %v", err)
	assert.Equal(t, 3, calls, "the rejected call must not reach the invoker")
}

func TestUnaryClientInterceptor_ResourceExhaustedFillsBucket(t *testing.T) {
	rate := limiter.Rate{Limit: 10, Interval: time.Minute}
	tr, lim := newTransport(t,
		[]limiter.Rate{rate},
		transport.WithDefaultKey("grpc-test"),
	)
	intercept := tr.UnaryClientInterceptor()

	var calls int
	invoke := grpcInvoker(status.Error(codes.ResourceExhausted, "slow down"), &calls)

	err := intercept(context.Background(), "/svc/Method", nil, nil, nil, invoke)
	require.Equal(t, codes.ResourceExhausted, status.Code(err), "the server error passes through")

	bucket, err := lim.Registry().GetOrCreate("grpc-test")
	require.NoError(t, err)
	count, err := bucket.Count(context.Background(), rate.Interval)
	require.NoError(t, err)
	assert.Equal(t, rate.Limit, count, "a ResourceExhausted response saturates the bucket")
}

func TestUnaryClientInterceptor_LimitSignalAs429(t *testing.T) {
	reg, err := limiter.NewRegistry([]limiter.Rate{{Limit: 10, Interval: time.Minute}}, nil, nil)
	require.NoError(t, err)
	lim, err := limiter.New(reg)
	require.NoError(t, err)

	rec := &captureRecorder{}
	tr, err := transport.New(lim,
		transport.WithDefaultKey("grpc-test"),
		transport.WithRecorder(rec),
	)
	require.NoError(t, err)
	intercept := tr.UnaryClientInterceptor()

	var calls int
	invoke := grpcInvoker(status.Error(codes.ResourceExhausted, "slow down"), &calls)
	_ = intercept(context.Background(), "/svc/Method", nil, nil, nil, invoke)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.signals, 1)
	assert.Equal(t, http.StatusTooManyRequests, rec.signals[0],
		"limit signals keep a single HTTP status label space across protocols")
}
