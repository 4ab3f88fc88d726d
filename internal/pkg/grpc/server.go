package grpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/Gopher0727/GroupChat/middleware/jwt"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

const (
	// traceIDKey is the metadata key carrying the caller's request id.
	traceIDKey = "x-request-id"
	authKey    = "authorization"
)

type Server struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *logger.Logger
	tokens   *jwt.TokenManager
}

func NewServer(address string, log *logger.Logger, tokens *jwt.TokenManager) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return newServer(listener, log, tokens), nil
}

func newServer(listener net.Listener, log *logger.Logger, tokens *jwt.TokenManager) *Server {
	s := &Server{listener: listener, logger: log, tokens: tokens, health: health.NewServer()}
	s.server = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.unaryLoggingInterceptor, s.unaryAuthInterceptor),
		grpc.StreamInterceptor(s.streamLoggingInterceptor),
	)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	return s
}

// withTraceID puts the incoming request id, or a fresh one, into ctx.
func withTraceID(ctx context.Context) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(traceIDKey); len(ids) > 0 && ids[0] != "" {
			return logger.WithTraceID(ctx, ids[0])
		}
	}
	return logger.WithTraceID(ctx, logger.NewTraceID())
}

func (s *Server) unaryLoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	ctx = withTraceID(ctx)
	start := time.Now()
	resp, err = handler(ctx, req)
	s.logCall(ctx, info.FullMethod, time.Since(start), err)
	return resp, err
}

// unaryAuthInterceptor resolves the caller of group chat methods from a
// bearer token. Health and reflection stay open.
func (s *Server) unaryAuthInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+groupChatServiceName+"/") {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authKey)
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "authorization metadata required")
	}
	token, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization format")
	}
	claims, err := s.tokens.ParseToken(token)
	if err != nil {
		s.logger.WarnContext(ctx, "token validation failed", zap.Error(err))
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return handler(logger.WithUserID(ctx, claims.UserID), req)
}

func (s *Server) streamLoggingInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx := withTraceID(ss.Context())
	start := time.Now()
	err := handler(srv, ss)
	s.logCall(ctx, info.FullMethod, time.Since(start), err)
	return err
}

func (s *Server) logCall(ctx context.Context, method string, duration time.Duration, err error) {
	// status.Code understands service errors through their GRPCStatus method.
	code := status.Code(err)
	fields := []zap.Field{
		zap.String("method", method),
		zap.Duration("duration", duration),
		zap.String("code", code.String()),
	}
	if err != nil {
		s.logger.WarnContext(ctx, "gRPC call failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.InfoContext(ctx, "gRPC call", fields...)
}

func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("address", s.listener.Addr().String()))
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s.server.Serve(s.listener)
}

// Stop marks the server as not serving, then drains in-flight calls.
func (s *Server) Stop() {
	s.logger.Info("stopping gRPC server")
	s.health.Shutdown()
	s.server.GracefulStop()
}

// GetServer returns the underlying gRPC server for service registration.
func (s *Server) GetServer() *grpc.Server {
	return s.server
}
