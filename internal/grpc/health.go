// Package grpc exposes the internal gRPC surface: a standard health service
// guarded by the shared service token.
package grpc

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name health checks report on besides the empty
// whole-server name.
const ServiceName = "icap.auth"

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// HealthMonitor flips the health status between SERVING and NOT_SERVING
// according to probe.
type HealthMonitor struct {
	server   *health.Server
	probe    Probe
	interval time.Duration
	logger   logrus.FieldLogger
}

// NewServer builds a gRPC server with the health service registered and every
// call authenticated by serviceToken.
func NewServer(serviceToken string, probe Probe, logger logrus.FieldLogger) (*grpc.Server, *HealthMonitor, error) {
	unary, err := NewServiceAuthUnaryInterceptor(serviceToken, logger)
	if err != nil {
		return nil, nil, err
	}
	stream, err := NewServiceAuthStreamInterceptor(serviceToken, logger)
	if err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	server := grpc.NewServer(grpc.UnaryInterceptor(unary), grpc.StreamInterceptor(stream))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	monitor := &HealthMonitor{server: healthServer, probe: probe, interval: 15 * time.Second, logger: logger}
	monitor.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return server, monitor, nil
}

// Check runs the probe once and publishes the result.
func (m *HealthMonitor) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if m.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := m.probe(probeCtx)
		cancel()
		if err != nil {
			m.logger.WithError(err).WithField("event", "health_probe_failed").Warn("dependency unreachable")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	m.set(status)
	return status
}

// Run checks until ctx is done, then marks the server as shutting down.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *HealthMonitor) set(status healthpb.HealthCheckResponse_ServingStatus) {
	m.server.SetServingStatus("", status)
	m.server.SetServingStatus(ServiceName, status)
}
