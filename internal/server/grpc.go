package server

import (
	"ListingLedger/internal/ingestion"
	"ListingLedger/internal/observability"
	"ListingLedger/internal/query"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "listingledger.v1.LedgerService"

// GRPCServer wraps the gRPC server and the grpc-gateway HTTP mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	gateway       *runtime.ServeMux
	health        *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	svc           *ledgerService
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the services.
type ServerDeps struct {
	QueryService  *query.QueryService
	Commands      *ingestion.CommandService
	Assets        AssetLister
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates the gRPC server with LedgerService, health and
// reflection registered, and the HTTP routes that front the same service.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		svc:           newLedgerService(deps.QueryService, deps.Commands, deps.Assets),
		metrics:       deps.Metrics,
		logger:        deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.observeUnary))
	RegisterLedgerServer(s.grpcServer, s.svc)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui. It lists LedgerService but cannot
	// describe it: the service is registered without a file descriptor and
	// speaks the json codec, so call it with -format json and no schema.
	// Health is fully described.
	reflection.Register(s.grpcServer)

	gw, err := s.newGateway()
	if err != nil {
		return nil, err
	}
	s.gateway = gw
	return s, nil
}

// SetServing flips the gRPC health status of LedgerService.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Handler returns the HTTP mux (for tests and embedding).
func (s *GRPCServer) Handler() http.Handler {
	return s.gateway
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on an existing listener until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON surface (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.gateway,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// observeUnary records request count, latency and error codes per method.
func (s *GRPCServer) observeUnary(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(path.Base(info.FullMethod), start, err)
	return resp, err
}

func (s *GRPCServer) observe(endpoint string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return
	}
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
	}
	s.logger.Debug().Err(err).Str("endpoint", endpoint).Str("code", code.String()).Msg("request failed")
}

// ============================================================================
// Service descriptor
// ============================================================================

// RegisterLedgerServer registers srv under ServiceName. Messages travel as
// JSON (content-subtype "json").
func RegisterLedgerServer(r grpc.ServiceRegistrar, srv LedgerServer) {
	r.RegisterService(&ledgerServiceDesc, srv)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetListing", Handler: unary("GetListing", LedgerServer.GetListing)},
		{MethodName: "ListListings", Handler: unary("ListListings", LedgerServer.ListListings)},
		{MethodName: "GetEscrow", Handler: unary("GetEscrow", LedgerServer.GetEscrow)},
		{MethodName: "ListTransfers", Handler: unary("ListTransfers", LedgerServer.ListTransfers)},
		{MethodName: "ListAssets", Handler: unary("ListAssets", LedgerServer.ListAssets)},
		{MethodName: "Submit", Handler: unary("Submit", LedgerServer.Submit)},
		{MethodName: "VerifyIntegrity", Handler: unary("VerifyIntegrity", LedgerServer.VerifyIntegrity)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "listingledger/v1/ledger.proto",
}

// unary adapts a LedgerServer method to a grpc.MethodHandler.
func unary[Req, Resp any](
	method string,
	call func(LedgerServer, context.Context, *Req) (Resp, error),
) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
