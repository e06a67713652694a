// Package grpc exposes event bus health through the standard gRPC health
// service (grpc.health.v1).
//
// The service polls a Checker, usually the *eventbus.Bus, and publishes the
// overall status under the empty service name and the configured service
// name, plus one entry per transport named "<service>.<transport>". Healthy
// and degraded map to SERVING, unhealthy to NOT_SERVING.
//
//	svc := healthgrpc.New(bus)
//	svc.Register(server)
//	svc.Start(ctx)
//	defer svc.Stop()
package grpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/eventbus/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultPollInterval is the default interval between health checks.
const DefaultPollInterval = 10 * time.Second

// DefaultServiceName is the service name the overall status is published under.
const DefaultServiceName = "eventbus"

// Checker reports health. *eventbus.Bus implements it.
type Checker interface {
	CheckHealth(ctx context.Context) *transport.HealthCheckResult
}

// Option configures the Service.
type Option func(*Service)

// WithPollInterval sets how often the checker is polled.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithServiceName sets the service name and the prefix of per-transport names.
func WithServiceName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.name = name
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service publishes bus health on a gRPC health server.
type Service struct {
	checker      Checker
	server       *health.Server
	name         string
	pollInterval time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	stop     context.CancelFunc
	done     chan struct{}
	statuses map[string]healthpb.HealthCheckResponse_ServingStatus
}

// New creates a health service for checker. Until the first check every
// service reports NOT_SERVING.
func New(checker Checker, opts ...Option) *Service {
	s := &Service{
		checker:      checker,
		server:       health.NewServer(),
		name:         DefaultServiceName,
		pollInterval: DefaultPollInterval,
		logger:       transport.Logger("health>grpc"),
		statuses:     make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.set("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.set(s.name, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register registers the health service with a gRPC server.
func (s *Service) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, s.server)
}

// Server returns the underlying health server.
func (s *Service) Server() healthpb.HealthServer {
	return s.server
}

// Start checks health immediately, then every poll interval until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.server.Resume()
	s.Update(ctx)
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Update(ctx)
			}
		}
	}()
}

// Stop ends polling and marks every service NOT_SERVING.
func (s *Service) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
	s.server.Shutdown()
}

// Update runs one health check and publishes the result.
func (s *Service) Update(ctx context.Context) {
	res := s.checker.CheckHealth(ctx)
	if res == nil {
		res = transport.Unhealthy(time.Now(), "no health result")
	}
	overall := servingStatus(res.Status)
	s.set("", overall)
	s.set(s.name, overall)
	for name, c := range res.Components {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if c != nil {
			status = servingStatus(c.Status)
		}
		s.set(s.name+"."+name, status)
	}
	if res.Status != transport.HealthStatusHealthy {
		s.logger.Warn("bus not healthy", "status", res.Status, "message", res.Message)
	}
}

// set publishes status, logging transitions.
func (s *Service) set(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	prev, seen := s.statuses[service]
	s.statuses[service] = status
	s.mu.Unlock()
	if seen && prev != status {
		s.logger.Info("serving status changed", "service", service, "from", prev.String(), "to", status.String())
	}
	s.server.SetServingStatus(service, status)
}

func servingStatus(h transport.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch h {
	case transport.HealthStatusHealthy, transport.HealthStatusDegraded:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}
