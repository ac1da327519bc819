// Package regulategrpc integrates segment admission control with gRPC servers.
package regulategrpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/regulate-go/regulate-go/sidecar"
)

// ErrThrottled is returned to clients whose calls are throttled.
var ErrThrottled = status.Error(codes.ResourceExhausted, "request throttled")

// SegmentFunc resolves the segment name for a call.
type SegmentFunc func(ctx context.Context, info *grpc.UnaryServerInfo) string

// MethodSegment resolves the segment from the trailing element of the full method name, so /pkg.Service/GetThing maps
// to the "GetThing" segment.
func MethodSegment(_ context.Context, info *grpc.UnaryServerInfo) string {
	if i := strings.LastIndex(info.FullMethod, "/"); i >= 0 {
		return info.FullMethod[i+1:]
	}
	return info.FullMethod
}

// UnaryServerInterceptor returns a gRPC unary server interceptor that queries the registry before invoking the
// handler, rejecting throttled calls with ErrThrottled. A nil segmentFunc defaults to MethodSegment.
func UnaryServerInterceptor(registry *sidecar.Registry, segmentFunc SegmentFunc) grpc.UnaryServerInterceptor {
	if segmentFunc == nil {
		segmentFunc = MethodSegment
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if registry.ShouldThrottle(segmentFunc(ctx, info)) {
			return nil, ErrThrottled
		}
		return handler(ctx, req)
	}
}
