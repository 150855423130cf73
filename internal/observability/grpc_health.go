package observability

import (
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// GRPCHealthServer serves the standard grpc.health.v1 protocol for
// orchestrators that health-check over gRPC.
type GRPCHealthServer struct {
	server *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCHealthServer creates a health server reporting NOT_SERVING until SetServing(true).
func NewGRPCHealthServer() *GRPCHealthServer {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	return &GRPCHealthServer{
		server: server,
		health: hs,
		logger: WithComponent("grpc_health"),
	}
}

// SetServing updates the overall and the service specific status
func (g *GRPCHealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(serviceName, status)
}

// Serve blocks serving on lis until Stop
func (g *GRPCHealthServer) Serve(lis net.Listener) error {
	g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	return g.server.Serve(lis)
}

// Stop marks the service NOT_SERVING and drains in-flight checks
func (g *GRPCHealthServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
