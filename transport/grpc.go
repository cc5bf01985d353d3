package transport

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryClientInterceptor applies the transport's admission flow to outgoing
// unary gRPC calls. The routing key is the connection target when per-host
// scoping is on, otherwise the shared default key. A ResourceExhausted
// response from the server triggers the same catch-up fill as an HTTP 429.
func (t *Transport) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		key := t.defaultKey
		if t.perHost && cc != nil {
			key = cc.Target()
		}

		if err := t.limiter.TryAcquire(ctx, key); err != nil {
			t.recorder.Rejected(key)
			return err
		}
		t.recorder.Acquired(key)

		err := invoker(ctx, method, req, reply, cc, opts...)
		if status.Code(err) == codes.ResourceExhausted {
			// Reported as 429 so the recorder's code label space stays
			// HTTP statuses regardless of protocol.
			t.recorder.LimitSignal(key, http.StatusTooManyRequests)
			t.fillBucket(ctx, key)
		}
		return err
	}
}
