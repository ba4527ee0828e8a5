package query

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
)

// Server wraps the gRPC server and its Unix Domain Socket listener.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
}

// New creates a DepthQuery server bound to the given UDS path.
func New(socketPath string, handler DepthQueryServer) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	// Remove any stale socket file from a previous run.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	gs := grpc.NewServer()
	RegisterDepthQueryServer(gs, handler)

	return &Server{
		grpcServer: gs,
		listener:   lis,
		socketPath: socketPath,
	}, nil
}

// Serve blocks until the server is stopped or an error occurs.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop drains in-flight RPCs and removes the socket file.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
	os.Remove(s.socketPath)
}
