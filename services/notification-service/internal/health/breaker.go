// Package health publishes the email breaker state through the standard gRPC
// health service.
package health

import (
	"github.com/md-rashed-zaman/usernotify/libs/breaker"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServingStatus maps a breaker state to a health status. Only OPEN is
// reported as NOT_SERVING; HALF_OPEN is already probing the dependency.
func ServingStatus(s breaker.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == breaker.StateOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// NewServer returns a health server reporting SERVING for the process ("")
// and for the given breaker-guarded service.
func NewServer(service string) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// Tracker returns a breaker state-change hook keeping hs in sync.
func Tracker(hs *health.Server) func(name string, from, to breaker.State) {
	return func(name string, _, to breaker.State) {
		hs.SetServingStatus(name, ServingStatus(to))
	}
}
