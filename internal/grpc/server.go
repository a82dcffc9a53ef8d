package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrAlreadyListening is returned by Listen on a server that is serving.
var ErrAlreadyListening = errors.New("rpc server already listening")

// Server exposes the heartbeat and broker services of one node.
type Server struct {
	cfg       *ServerConfig
	srv       *grpc.Server
	heartbeat HeartbeatServer
	broker    BrokerServer
	log       *zap.Logger

	mu   sync.RWMutex
	lis  net.Listener
	done chan struct{}
}

// ServerOption customizes a Server built by NewServer.
type ServerOption func(*Server)

// WithHeartbeat serves the heartbeat service.
func WithHeartbeat(h HeartbeatServer) ServerOption {
	return func(s *Server) { s.heartbeat = h }
}

// WithBroker serves the broker service.
func WithBroker(b BrokerServer) ServerOption {
	return func(s *Server) { s.broker = b }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer builds a server for cfg. A nil cfg means DefaultServerConfig.
// Nothing listens until Listen or Run is called.
func NewServer(cfg *ServerConfig, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	s.srv = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxSendMsgSize),
		grpc.ConnectionTimeout(cfg.ConnectionTimeout),
		grpc.UnaryInterceptor(UnaryServerInterceptor(s.log)),
	)
	if s.heartbeat != nil {
		s.srv.RegisterService(&heartbeatServiceDesc, s.heartbeat)
	}
	if s.broker != nil {
		s.srv.RegisterService(&brokerServiceDesc, s.broker)
	}
	return s, nil
}

// Listen binds the configured address and serves in the background.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return ErrAlreadyListening
	}

	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.lis = lis
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		err := s.srv.Serve(lis)
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("rpc server exited", zap.Error(err))
		}
	}(s.done)

	s.log.Info("rpc server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop drains in-flight calls and closes the listener. It is a no-op on a
// server that is not listening.
func (s *Server) Stop() {
	s.mu.Lock()
	lis, done := s.lis, s.done
	s.lis = nil
	s.mu.Unlock()

	if lis == nil {
		return
	}
	s.srv.GracefulStop()
	<-done
}

// IsRunning reports whether the server is listening.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lis != nil
}

// Address is the bound listen address, or "" when not listening.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// UnaryServerInterceptor logs failed calls and converts plain errors into
// Internal status errors.
func UnaryServerInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		began := time.Now()
		out, err := next(ctx, req)
		if err == nil {
			return out, nil
		}
		log.Debug("rpc failed",
			zap.String("method", info.FullMethod),
			zap.Duration("elapsed", time.Since(began)),
			zap.Error(err))
		if _, ok := status.FromError(err); !ok {
			err = status.Error(codes.Internal, err.Error())
		}
		return out, err
	}
}
