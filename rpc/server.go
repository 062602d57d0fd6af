package rpc

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/logger"
	hubsync "github.com/teranos/hub/sync"
)

// ServerConfig tunes the sync service
type ServerConfig struct {
	RatePerSecond float64 // per remote host, 0 = unlimited
	Burst         int
}

// ServerConfigFrom converts the server section of the hub configuration
func ServerConfigFrom(c am.ServerConfig) ServerConfig {
	return ServerConfig{RatePerSecond: c.RPCRatePerSecond, Burst: c.RPCBurst}
}

// Server exposes a sync.Peer to remote hubs
type Server struct {
	grpc   *grpc.Server
	limits *limiters
	log    *zap.SugaredLogger
}

// NewServer registers p as the sync service implementation
func NewServer(p hubsync.Peer, cfg ServerConfig, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Logger
	}
	s := &Server{log: log}

	chain := []grpc.UnaryServerInterceptor{s.logInterceptor}
	if cfg.RatePerSecond > 0 {
		s.limits = newLimiters(cfg.RatePerSecond, cfg.Burst)
		chain = append([]grpc.UnaryServerInterceptor{s.limits.unaryInterceptor}, chain...)
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(chain...))
	s.grpc.RegisterService(&serviceDesc, p)
	return s
}

// Denied returns how many calls the rate limiter refused
func (s *Server) Denied() int64 {
	if s.limits == nil {
		return 0
	}
	return s.limits.Denied()
}

// logInterceptor maps handler errors to gRPC status codes and logs
// failures other than missing trie nodes, which are routine during sync
func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil && !errors.IsNotFoundError(err) {
		s.log.Debugw("Sync RPC failed",
			logger.FieldMethod, info.FullMethod,
			logger.FieldPeer, remoteOf(ctx),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldErrorKind, errors.Kind(err),
			logger.FieldError, err)
	}
	return resp, toStatus(err)
}

// Serve accepts connections on lis until ctx is cancelled, then stops
// gracefully
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.log.Infow("Starting gRPC sync server",
		logger.FieldAddress, lis.Addr().String())

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down gRPC sync server")
		s.grpc.GracefulStop()
	}()

	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "gRPC server error")
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, lis)
}

// Stop closes every connection immediately
func (s *Server) Stop() {
	s.grpc.Stop()
}
