// Package server implements the SMS gRPC server, wiring pkg/sms/registry
// and pkg/sms/placement onto pkg/rpc's hand-written ControlPlaneServiceDesc.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/spearproj/spear/pkg/kv"
	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/rpc"
	"github.com/spearproj/spear/pkg/sms/placement"
	"github.com/spearproj/spear/pkg/sms/registry"
	"github.com/spearproj/spear/pkg/types"
)

// Server implements rpc.ControlPlaneServer over a NodeRegistry/ResourceRegistry
// pair and a placement Scorer.
type Server struct {
	nodes     *registry.NodeRegistry
	resources *registry.ResourceRegistry
	scorer    *placement.Scorer
	grpc      *grpc.Server
	logger    zerolog.Logger

	heartbeatTimeout time.Duration
}

// Config configures the SMS gRPC server.
type Config struct {
	HeartbeatTimeout time.Duration
	Weights          placement.Weights
}

// New builds a Server over store.
func New(store kv.Store, cfg Config) *Server {
	nodes := registry.NewNodeRegistry(store)
	resources := registry.NewResourceRegistry(store)
	scorer := placement.NewScorer(nodes, resources, cfg.Weights, cfg.HeartbeatTimeout)

	s := &Server{
		nodes:            nodes,
		resources:        resources,
		scorer:           scorer,
		logger:           log.WithComponent("sms-server"),
		heartbeatTimeout: cfg.HeartbeatTimeout,
	}

	s.grpc = grpc.NewServer()
	rpc.RegisterControlPlaneServer(s.grpc, s)
	return s
}

// Serve listens on addr and blocks serving gRPC requests until Stop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.Info().Str("addr", addr).Msg("sms grpc server listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

func (s *Server) RegisterNode(ctx context.Context, req *rpc.RegisterNodeRequest) (*rpc.RegisterNodeResponse, error) {
	node := types.Node{
		UUID:          req.UUID,
		IP:            req.IP,
		Port:          req.Port,
		Status:        types.NodeStatus(req.Status),
		LastHeartbeat: req.LastHeartbeat,
		RegisteredAt:  req.RegisteredAt,
		Metadata:      req.Metadata,
	}

	ok, msg, err := s.nodes.Register(node)
	if err != nil {
		return nil, err
	}

	return &rpc.RegisterNodeResponse{NodeUUID: req.UUID, Success: ok, Message: msg}, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	if err := s.nodes.Heartbeat(req.UUID, req.Timestamp); err != nil {
		return &rpc.HeartbeatResponse{Success: false, Message: err.Error(), ServerTimestamp: time.Now().Unix()}, err
	}
	return &rpc.HeartbeatResponse{Success: true, Message: "ok", ServerTimestamp: time.Now().Unix()}, nil
}

func (s *Server) UpdateNodeResource(ctx context.Context, req *rpc.UpdateNodeResourceRequest) (*rpc.UpdateNodeResourceResponse, error) {
	res := types.NodeResource{
		NodeUUID:             req.Resource.NodeUUID,
		CPUUsagePercent:      req.Resource.CPUUsagePercent,
		MemoryUsagePercent:   req.Resource.MemoryUsagePercent,
		MemoryTotalBytes:     req.Resource.MemoryTotalBytes,
		MemoryUsedBytes:      req.Resource.MemoryUsedBytes,
		MemoryAvailableBytes: req.Resource.MemoryAvailBytes,
		DiskTotalBytes:       req.Resource.DiskTotalBytes,
		DiskUsedBytes:        req.Resource.DiskUsedBytes,
		DiskAvailableBytes:   req.Resource.DiskAvailBytes,
		Load1:                req.Resource.Load1,
		Load5:                req.Resource.Load5,
		Load15:               req.Resource.Load15,
		NumCPU:               req.Resource.NumCPU,
		UpdatedAt:            time.Now().Unix(),
	}

	if err := s.resources.Update(res); err != nil {
		return &rpc.UpdateNodeResourceResponse{Success: false, Message: err.Error()}, err
	}
	return &rpc.UpdateNodeResourceResponse{Success: true, Message: "ok"}, nil
}

func (s *Server) PlaceInvocation(ctx context.Context, req *rpc.PlaceInvocationRequest) (*rpc.PlaceInvocationResponse, error) {
	candidates, err := s.scorer.Place(req.MaxCandidates)
	if err != nil {
		return nil, err
	}

	out := make([]rpc.PlacementCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, rpc.PlacementCandidate{NodeUUID: c.NodeUUID, Score: c.Score, Reason: c.Reason})
	}
	return &rpc.PlaceInvocationResponse{Candidates: out}, nil
}

// UpdateTaskResult logs a completed task's result location and status and
// reports success. The SMS does not itself interpret result payloads — the
// object store is an external collaborator — and this handler stores
// nothing, so the result cannot be retrieved from the SMS afterwards.
func (s *Server) UpdateTaskResult(ctx context.Context, req *rpc.UpdateTaskResultRequest) (*rpc.UpdateTaskResultResponse, error) {
	s.logger.Info().
		Str("task_id", req.TaskID).
		Str("result_uri", req.ResultURI).
		Str("result_status", req.ResultStatus).
		Msg("task result recorded")
	return &rpc.UpdateTaskResultResponse{Success: true, Message: "ok"}, nil
}

// CleanupLoop periodically purges nodes whose heartbeat has gone stale.
func (s *Server) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.nodes.CleanupUnhealthy(s.heartbeatTimeout)
			if err != nil {
				s.logger.Error().Err(err).Msg("node cleanup failed")
				continue
			}
			if removed > 0 {
				s.logger.Info().Int("removed", removed).Msg("cleaned up stale nodes")
			}
		}
	}
}

// ClusterStats exposes the current aggregate cluster view.
func (s *Server) ClusterStats(highLoadCPU, highLoadMem float64) (types.ClusterStats, error) {
	nodes, err := s.nodes.List()
	if err != nil {
		return types.ClusterStats{}, err
	}
	return registry.ClusterStatsFor(nodes, s.resources, highLoadCPU, highLoadMem)
}
