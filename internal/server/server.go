// Package server exposes a running engine over gRPC: the standard health
// service plus a small read-only Monitor service whose responses are
// JSON-shaped structs.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/procwatch/internal/model"
)

// ServiceName is the gRPC service name of the Monitor service and the
// health service entry that tracks engine health.
const ServiceName = "procwatch.v1.Monitor"

// Engine is the read side of the reconciliation engine.
type Engine interface {
	CheckHealth() model.HealthResult
	GetStatistics() model.Statistics
	GetAllNodes() []model.ProcessNode
}

// Config holds gRPC server configuration.
type Config struct {
	Addr string
	// HealthInterval is how often engine health is mirrored into the
	// health service.
	HealthInterval time.Duration
	Logger         *zap.Logger
}

// Server serves engine health and statistics.
type Server struct {
	cfg    Config
	log    *zap.Logger
	engine Engine
	health *health.Server

	grpcServer *grpc.Server

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a gRPC server over eng.
func New(cfg Config, eng Engine) *Server {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		log:        cfg.Logger.Named("grpc"),
		engine:     eng,
		health:     health.NewServer(),
		grpcServer: grpc.NewServer(),
		stop:       make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.grpcServer.RegisterService(&monitorServiceDesc, s)
	s.updateHealth()
	return s
}

// Serve listens on the configured address and blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOn(lis)
}

// ServeOn serves on an existing listener (useful for tests).
func (s *Server) ServeOn(lis net.Listener) error {
	go s.watchHealth()
	s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// GracefulStop marks the server as not serving and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.Close()
	s.grpcServer.GracefulStop()
}

// Close stops the health mirror. Later health checks report NOT_SERVING.
func (s *Server) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.health.Shutdown()
	})
	return nil
}

func (s *Server) watchHealth() {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.updateHealth()
		}
	}
}

// updateHealth maps engine health onto the health service. Degraded still
// serves: polling keeps the tree correct.
func (s *Server) updateHealth() {
	st := healthpb.HealthCheckResponse_SERVING
	if res := s.engine.CheckHealth(); !res.Healthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

func (s *Server) checkHealth(context.Context) (*structpb.Struct, error) {
	res := s.engine.CheckHealth()
	return toStruct(res)
}

func (s *Server) getStatistics(context.Context) (*structpb.Struct, error) {
	return toStruct(s.engine.GetStatistics())
}

func (s *Server) listProcesses(context.Context) (*structpb.Struct, error) {
	return toStruct(struct {
		Nodes []model.ProcessNode `json:"nodes"`
	}{Nodes: s.engine.GetAllNodes()})
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "unmarshal response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}
