package metrics

import (
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// StreamServerInterceptor tracks open peer streams and records each one's
// lifetime and final status code.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		method := streamMethod(info.FullMethod)

		TransportActiveStreams.Inc()
		start := time.Now()
		err := handler(srv, ss)
		TransportActiveStreams.Dec()

		TransportStreamsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		TransportStreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		return err
	}
}

func streamMethod(fullMethod string) string {
	if fullMethod == "" {
		return "unknown"
	}
	return path.Base(fullMethod)
}
