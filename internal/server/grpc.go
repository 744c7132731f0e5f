package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"WingLedger/internal/observability"
	"WingLedger/internal/projection"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer serves wingledger.v1.Ledger over gRPC and the JSON routes over
// the grpc-gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *Service
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds everything the API calls into. Oracle, Feed, History and
// Snapshot are optional; routes that need a missing one answer 503.
type ServerDeps struct {
	Ledger        Ledger
	Oracle        StatusSubmitter
	Feed          FlightStats
	History       History
	Recent        *projection.RecentSettlements
	Snapshot      SnapshotFunc
	Clock         func() time.Time
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

// NewGRPCServer creates the gRPC server with the ledger and health services
// registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       NewService(deps),
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		logger:        observability.NewLogger("server"),
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	RegisterLedgerServer(s.grpcServer, &ledgerGRPC{svc: s.service})

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus(LedgerServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// SetLogger replaces the server logger.
func (s *GRPCServer) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

func (s *GRPCServer) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	code := status.Code(err)
	method := methodName(info.FullMethod)
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues("grpc", method, code.String()).Inc()
		s.metrics.RequestDuration.WithLabelValues("grpc", method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("method", method).Str("code", code.String()).Msg("grpc request failed")
	}
	return resp, err
}

// ServeGRPC serves on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartGRPC listens on the configured address and serves (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// StartHTTPGateway serves the JSON routes (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.NewHTTPHandler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
