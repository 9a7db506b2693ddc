package control

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/arborq/eventhandler/internal/logging"
)

// GRPCServer hosts the process's liveness probe over gRPC. It exposes only
// the standard health-checking and reflection services; there is no
// handler-specific RPC surface here, since wait_for-style command dispatch
// is an in-process call and does not need a network transport.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	log    *logging.Logger
}

// NewGRPCServer constructs a GRPCServer. Callers report handler process
// health through SetServing before or after Serve starts.
func NewGRPCServer(log *logging.Logger) *GRPCServer {
	if log == nil {
		log = logging.NewTestLogger()
	}
	log = log.With(logging.String("component", "grpc_admin"))

	healthServer := health.NewServer()
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	return &GRPCServer{server: server, health: healthServer, log: log}
}

// SetServing marks service (empty string selects the whole process) as
// SERVING or NOT_SERVING.
func (g *GRPCServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(service, status)
}

// Serve listens on addr and blocks until the server stops or ctx is
// cancelled.
func (g *GRPCServer) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	g.SetServing("", true)

	errCh := make(chan error, 1)
	go func() { errCh <- g.server.Serve(listener) }()

	select {
	case <-ctx.Done():
		g.SetServing("", false)
		g.server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop gracefully stops the server, for callers that do not drive it via ctx.
func (g *GRPCServer) Stop() {
	g.SetServing("", false)
	g.server.GracefulStop()
}
