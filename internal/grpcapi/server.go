package grpcapi

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/audit"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/auth"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/obs"
)

const (
	serviceName = "gybernaty-govd"

	authorizationKey = "authorization"
	operatorKeyMD    = "x-operator-key"
	requestIDKey     = "x-request-id"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Server implements the governance gRPC service.
type Server struct {
	gov         *governance.Coordinator
	tokens      *auth.Tokens
	operatorKey string
	readiness   readinessChecker
	version     string
	health      *health.Server
}

// Option configures Server.
type Option func(*Server)

// WithOperatorKey enables IssueToken for callers presenting key.
func WithOperatorKey(key string) Option {
	return func(s *Server) { s.operatorKey = strings.TrimSpace(key) }
}

// WithReadiness wires the readiness check behind the health service.
func WithReadiness(r readinessChecker) Option {
	return func(s *Server) { s.readiness = r }
}

// NewServer creates the gRPC service wrapper.
func NewServer(gov *governance.Coordinator, tokens *auth.Tokens, version string, opts ...Option) *Server {
	s := &Server{
		gov:     gov,
		tokens:  tokens,
		version: version,
		health:  health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) isGovernanceServer() {}

// NewGRPCServer builds a grpc.Server with the auth and logging
// interceptors and registers the governance and health services.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.loggingInterceptor, s.authInterceptor))
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return srv
}

// RefreshHealth re-evaluates readiness and publishes it to the health service.
func (s *Server) RefreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown marks every service as not serving ahead of GracefulStop.
func (s *Server) Shutdown() { s.health.Shutdown() }

func isPublicMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/") ||
		fullMethod == methodPath("GetInfo") ||
		fullMethod == methodPath("IssueToken")
}

// authInterceptor binds the bearer token subject to the context.
func (s *Server) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if isPublicMethod(info.FullMethod) || s.tokens == nil {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get(authorizationKey); len(vals) > 0 {
		header = vals[0]
	}
	token, err := auth.BearerToken(header)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return handler(auth.ContextWithIdentity(ctx, claims.Subject), req)
}

// loggingInterceptor emits one structured line per call.
func (s *Server) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if vals := md.Get(requestIDKey); len(vals) > 0 && vals[0] != "" {
		ctx = audit.WithRequestID(ctx, vals[0])
	}
	start := time.Now()
	resp, err := handler(ctx, req)

	entry := obs.Logger().Info()
	code := status.Code(err)
	if code == codes.Internal || code == codes.Unknown {
		entry = obs.Logger().Error()
	}
	entry.
		Str("request_id", audit.RequestIDFromContext(ctx)).
		Str("method", info.FullMethod).
		Str("code", code.String()).
		Dur("duration_ms", time.Since(start)).
		Msg("rpc_complete")
	return resp, err
}

func (s *Server) operatorAllowed(ctx context.Context) bool {
	if s.operatorKey == "" {
		return false
	}
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(operatorKeyMD)
	if len(vals) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(vals[0]), []byte(s.operatorKey)) == 1
}

func callerID(ctx context.Context) (string, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, auth.ErrUnauthorized.Error())
	}
	return id, nil
}
