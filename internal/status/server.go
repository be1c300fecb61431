// Package status serves the gRPC health protocol for attackd. The
// scheduler service reports SERVING while scheduling ticks succeed.
package status

import (
	"context"
	"errors"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/attack-scheduler/internal/logging"
	"github.com/signalsfoundry/attack-scheduler/internal/observability"
)

// SchedulerService is the health service name of the scheduling loop.
const SchedulerService = "attackd.scheduler"

const correlationMetadataKey = "x-correlation-id"

// Server wraps a gRPC server carrying the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logging.Logger
}

// New builds a status server. The scheduler service starts NOT_SERVING
// until the first successful tick.
func New(log logging.Logger, collector *observability.Collector) *Server {
	if log == nil {
		log = logging.Noop()
	}
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			CorrelationUnaryServerInterceptor(log),
			collector.UnaryServerInterceptor(),
		),
	)
	hs := health.NewServer()
	hs.SetServingStatus(SchedulerService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return &Server{grpc: srv, health: hs, log: log}
}

// SetServing flips the scheduler service status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SchedulerService, st)
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully. A cancelled context is not an error.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.grpc.Serve(lis) }()
	s.log.Info(ctx, "status server listening", logging.String("addr", lis.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := <-errc; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// CorrelationUnaryServerInterceptor puts a correlation id on every
// request context, taking it from inbound metadata when the caller sent
// one, and attaches a per-request logger.
func CorrelationUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(correlationMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithCorrelationID(ctx, vals[0])
			}
		}
		ctx, _ = logging.EnsureCorrelationID(ctx)
		reqLog := base.With(logging.String("method", info.FullMethod))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		resp, err := handler(ctx, req)
		if err != nil {
			reqLog.Warn(ctx, "status rpc failed", logging.Err(err))
		}
		return resp, err
	}
}
