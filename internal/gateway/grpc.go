// ABOUTME: gRPC health service reflecting store reachability
// ABOUTME: Lets load balancers and orchestrators probe the gateway over gRPC

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the service name reported alongside the overall status.
const healthService = "opamp.gateway"

const healthProbeInterval = 10 * time.Second

func registerHealth(server *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
}

// probeHealth keeps the health status in step with the store until ctx ends.
func (g *Gateway) probeHealth(ctx context.Context) {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		g.updateHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) updateHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := g.store.Ping(pingCtx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		g.logger.Warn("store ping failed", "error", err)
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(healthService, status)
}
