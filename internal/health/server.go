// Package health exposes the daemon's readiness over the standard gRPC
// health protocol so supervisors can probe it.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dmitrijs2005/diarysync/internal/connectivity"
	"github.com/dmitrijs2005/diarysync/internal/logging"
)

const (
	// ServiceConnectivity is SERVING while the remote backend is reachable.
	ServiceConnectivity = "diarysync.connectivity"
	// ServiceQueue is SERVING while the local store answers.
	ServiceQueue = "diarysync.queue"
)

type Connectivity interface {
	IsOnline() bool
	Subscribe() (<-chan connectivity.Transition, func())
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	health   *health.Server
	conn     Connectivity
	store    Pinger
	interval time.Duration
	logger   logging.Logger
}

func NewServer(conn Connectivity, store Pinger, interval time.Duration, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Server{
		health:   health.NewServer(),
		conn:     conn,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "health"),
	}
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (s *Server) setOnline(online bool) {
	s.health.SetServingStatus(ServiceConnectivity, servingStatus(online))
}

// checkStore pings the local store. The overall status follows the queue
// because the daemon is useless without it, online or not.
func (s *Server) checkStore(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	err := s.store.Ping(pctx)
	if err != nil {
		s.logger.Warn(ctx, "local store ping failed", "error", err)
	}
	st := servingStatus(err == nil)
	s.health.SetServingStatus(ServiceQueue, st)
	s.health.SetServingStatus("", st)
}

// Watch keeps the reported statuses current until ctx is done.
func (s *Server) Watch(ctx context.Context) {
	transitions, unsubscribe := s.conn.Subscribe()
	defer unsubscribe()

	s.setOnline(s.conn.IsOnline())
	s.checkStore(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-transitions:
			s.setOnline(tr.Online)
		case <-ticker.C:
			s.checkStore(ctx)
		}
	}
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Debug(ctx, "health call failed", "method", info.FullMethod, "error", err)
	}
	return resp, err
}

func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve answers health checks on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls))
	healthpb.RegisterHealthServer(srv, s.health)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Watch(ctx)
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		s.logger.Info(ctx, "stopping health server")
		// Shutdown flips every service to NOT_SERVING for open watchers
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "health server listening", "addr", lis.Addr().String())
	err := srv.Serve(lis)
	cancel()
	wg.Wait()
	return err
}
