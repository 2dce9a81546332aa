package e2e

import (
	"context"
	"net"
	"sync"
	"testing"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

// traceCollector is an in-process OTLP gRPC trace receiver. The service's
// batcher flushes on shutdown, so tests close the service before waiting.
type traceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu     sync.Mutex
	spans  []*tracepb.Span
	notify chan struct{}
}

// startTraceCollector serves the collector on an ephemeral port and returns
// its address for the service's OTLP endpoint.
func startTraceCollector(t *testing.T) (*traceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start OTLP listener: %v", err)
	}

	collector := &traceCollector{notify: make(chan struct{}, 1)}
	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)

	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})

	return collector, lis.Addr().String()
}

// Export receives one OTLP trace batch.
func (c *traceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	c.mu.Lock()
	for _, rs := range req.ResourceSpans {
		for _, scope := range rs.ScopeSpans {
			c.spans = append(c.spans, scope.Spans...)
		}
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

// WaitForSpans blocks until at least min spans arrived or the context ends,
// returning whatever was collected.
func (c *traceCollector) WaitForSpans(ctx context.Context, min int) []*tracepb.Span {
	for {
		c.mu.Lock()
		if len(c.spans) >= min {
			out := make([]*tracepb.Span, len(c.spans))
			copy(out, c.spans)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.mu.Lock()
			out := make([]*tracepb.Span, len(c.spans))
			copy(out, c.spans)
			c.mu.Unlock()
			return out
		case <-c.notify:
		}
	}
}
