package server

import (
	"InsuranceLedger/internal/observability"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       InsuranceServiceServer
	healthServer  *health.Server
	healthChecker *observability.HealthChecker
	unary         grpc.UnaryServerInterceptor
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Runner        CoreRunner
	Projections   Projections
	Ingest        Ingester
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	unary := chainUnary(recoveryInterceptor(deps.Logger), metricsInterceptor(deps.Metrics))
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(unary))

	svc := NewInsuranceService(deps.Runner, deps.Projections, deps.Ingest)
	grpcServer.RegisterService(&ServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       svc,
		healthServer:  healthServer,
		healthChecker: deps.HealthChecker,
		unary:         unary,
		logger:        deps.Logger,
	}
}

// SetServing flips the gRPC health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(serviceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// route is one REST mapping onto a service method. Path parameters and
// query parameters become string fields of the request; a JSON body is
// merged in first.
type route struct {
	method string
	path   string
	rpc    string
}

var routes = []route{
	{"GET", "/v1/tokens/{token}/ledger", "GetTokenLedger"},
	{"GET", "/v1/tokens/{token}/flash-fee", "FlashFee"},
	{"GET", "/v1/tokens/{token}/max-flash-loan", "MaxFlashLoan"},
	{"GET", "/v1/pools/{pool_id}", "GetPool"},
	{"GET", "/v1/pools/{pool_id}/providers/{provider}/claimable", "GetClaimableInsuranceFees"},
	{"POST", "/v1/pools/{pool_id}/providers/{provider}/claim", "ClaimInsuranceFees"},
	{"GET", "/v1/providers/{provider}/claims", "ListClaimHistory"},
	{"POST", "/v1/hooks/{event_type}", "IngestHookEvent"},
	{"GET", "/v1/admin/integrity", "VerifyIntegrity"},
}

// numericParams are query parameters decoded as numbers.
var numericParams = map[string]bool{"limit": true, "before_sequence": true}

// Handler builds the HTTP gateway: REST routes over the service plus
// health endpoints.
func (s *GRPCServer) Handler() (http.Handler, error) {
	marshaler := &runtime.JSONPb{MarshalOptions: protojson.MarshalOptions{UseProtoNames: true}}
	mux := runtime.NewServeMux(runtime.WithMarshalerOption(runtime.MIMEWildcard, marshaler))

	for _, rt := range routes {
		fn, ok := methods[rt.rpc]
		if !ok {
			return nil, fmt.Errorf("route %s %s: unknown method %s", rt.method, rt.path, rt.rpc)
		}
		rpc := rt.rpc
		isIngest := rpc == "IngestHookEvent"
		handler := func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			req, err := restRequest(r, params, isIngest)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, marshaler, w, r, err)
				return
			}
			resp, err := s.invoke(r.Context(), rpc, fn, req)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, marshaler, w, r, err)
				return
			}
			data, err := marshaler.Marshal(resp)
			if err != nil {
				runtime.HTTPError(r.Context(), mux, marshaler, w, r, status.Error(codes.Internal, err.Error()))
				return
			}
			w.Header().Set("Content-Type", marshaler.ContentType(resp))
			_, _ = w.Write(data)
		}
		if err := mux.HandlePath(rt.method, rt.path, handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// invoke runs a REST call through the gRPC interceptor chain without the
// network hop.
func (s *GRPCServer) invoke(ctx context.Context, rpc string, fn unaryMethod, req *structpb.Struct) (*structpb.Struct, error) {
	info := &grpc.UnaryServerInfo{Server: s.service, FullMethod: "/" + serviceName + "/" + rpc}
	resp, err := s.unary(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return fn(s.service, ctx, req.(*structpb.Struct))
	})
	if err != nil {
		return nil, err
	}
	return resp.(*structpb.Struct), nil
}

func restRequest(r *http.Request, params map[string]string, isIngest bool) (*structpb.Struct, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}

	if r.Body != nil && r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
		}
		if len(body) > 0 {
			if isIngest {
				// The body is the notification itself.
				payload := &structpb.Value{}
				if err := payload.UnmarshalJSON(body); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
				}
				req.Fields["payload"] = payload
			} else if err := req.UnmarshalJSON(body); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "body: %v", err)
			}
		}
	}
	if req.Fields == nil {
		req.Fields = map[string]*structpb.Value{}
	}

	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		if numericParams[key] {
			var n float64
			if _, err := fmt.Sscan(values[0], &n); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
			}
			req.Fields[key] = structpb.NewNumberValue(n)
			continue
		}
		req.Fields[key] = structpb.NewStringValue(values[0])
	}
	for key, value := range params {
		req.Fields[key] = structpb.NewStringValue(value)
	}
	return req, nil
}

// StartHTTPGateway starts the HTTP gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
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
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Interceptors
// ============================================================================

// chainUnary runs outer around inner.
func chainUnary(outer, inner grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return outer(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return inner(ctx, req, info, handler)
		})
	}
}

func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if m == nil {
			return handler(ctx, req)
		}
		method := shortMethod(info.FullMethod)
		start := time.Now()
		resp, err := handler(ctx, req)
		m.QueryRequests.WithLabelValues(method).Inc()
		m.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil {
			m.QueryErrors.WithLabelValues(method, status.Code(err).String()).Inc()
		}
		return resp, err
	}
}

func recoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func shortMethod(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}
