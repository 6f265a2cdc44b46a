package rpcsurface

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReadOnlyInterceptor creates a gRPC unary interceptor that only
// allows read-only operations. Installed on the TCP listener so
// remote clients can observe transactions but never mutate the host;
// write operations must arrive over the local Unix socket.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if dispatch, ok := req.(*DispatchRequest); ok && !isReadOnlyOp(dispatch.Op) {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"operation %q not allowed on the remote listener - connect over the local socket",
				dispatch.Op,
			)
		}
		return handler(ctx, req)
	}
}

// isReadOnlyOp reports whether an operation observes without
// mutating. The Subscribe stream is read-only by construction and is
// not routed through this check.
func isReadOnlyOp(op string) bool {
	switch op {
	case OpStatus, OpList, OpLogs:
		return true
	default:
		return false
	}
}
