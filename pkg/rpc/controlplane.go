package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Message types for the SMS control plane. Field names mirror the control
// plane's own wire vocabulary so callers need no translation layer.

type RegisterNodeRequest struct {
	UUID          string            `json:"uuid"`
	IP            string            `json:"ip"`
	Port          int               `json:"port"`
	Status        string            `json:"status"`
	LastHeartbeat int64             `json:"last_heartbeat"`
	RegisteredAt  int64             `json:"registered_at"`
	Metadata      map[string]string `json:"metadata"`
}

type RegisterNodeResponse struct {
	NodeUUID string `json:"node_uuid"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
}

type HealthInfo struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
}

type HeartbeatRequest struct {
	UUID       string     `json:"uuid"`
	Timestamp  int64      `json:"timestamp"`
	HealthInfo HealthInfo `json:"health_info"`
}

type HeartbeatResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

type ResourceSnapshot struct {
	NodeUUID           string  `json:"node_uuid"`
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	MemoryTotalBytes   int64   `json:"memory_total_bytes"`
	MemoryUsedBytes    int64   `json:"memory_used_bytes"`
	MemoryAvailBytes   int64   `json:"memory_avail_bytes"`
	DiskTotalBytes     int64   `json:"disk_total_bytes"`
	DiskUsedBytes      int64   `json:"disk_used_bytes"`
	DiskAvailBytes     int64   `json:"disk_avail_bytes"`
	Load1              float64 `json:"load1"`
	Load5              float64 `json:"load5"`
	Load15             float64 `json:"load15"`
	NumCPU             int     `json:"num_cpu"`
}

type UpdateNodeResourceRequest struct {
	Resource ResourceSnapshot `json:"resource"`
}

type UpdateNodeResourceResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type PlaceInvocationRequest struct {
	RequestID     string            `json:"request_id"`
	TaskID        string            `json:"task_id"`
	MaxCandidates int               `json:"max_candidates"`
	Labels        map[string]string `json:"labels"`
}

type PlacementCandidate struct {
	NodeUUID string            `json:"node_uuid"`
	Score    float64           `json:"score"`
	Reason   map[string]string `json:"reason"`
}

type PlaceInvocationResponse struct {
	Candidates []PlacementCandidate `json:"candidates"`
}

type UpdateTaskResultRequest struct {
	TaskID         string            `json:"task_id"`
	ResultURI      string            `json:"result_uri"`
	ResultStatus   string            `json:"result_status"`
	CompletedAt    int64             `json:"completed_at"`
	ResultMetadata map[string]string `json:"result_metadata"`
}

type UpdateTaskResultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ControlPlaneServer is implemented by the SMS side (pkg/sms/server).
type ControlPlaneServer interface {
	RegisterNode(context.Context, *RegisterNodeRequest) (*RegisterNodeResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	UpdateNodeResource(context.Context, *UpdateNodeResourceRequest) (*UpdateNodeResourceResponse, error)
	PlaceInvocation(context.Context, *PlaceInvocationRequest) (*PlaceInvocationResponse, error)
	UpdateTaskResult(context.Context, *UpdateTaskResultRequest) (*UpdateTaskResultResponse, error)
}

// ControlPlaneClient is implemented by the grpc.ClientConn-backed client used
// by the Spearlet registration/heartbeat loop.
type ControlPlaneClient interface {
	RegisterNode(ctx context.Context, in *RegisterNodeRequest) (*RegisterNodeResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest) (*HeartbeatResponse, error)
	UpdateNodeResource(ctx context.Context, in *UpdateNodeResourceRequest) (*UpdateNodeResourceResponse, error)
	PlaceInvocation(ctx context.Context, in *PlaceInvocationRequest) (*PlaceInvocationResponse, error)
	UpdateTaskResult(ctx context.Context, in *UpdateTaskResultRequest) (*UpdateTaskResultResponse, error)
}

const serviceName = "spear.ControlPlane"

func registerNodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterNodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlPlaneServer).RegisterNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/RegisterNode"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlPlaneServer).RegisterNode(ctx, req.(*RegisterNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlPlaneServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlPlaneServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func updateNodeResourceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UpdateNodeResourceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlPlaneServer).UpdateNodeResource(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/UpdateNodeResource"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlPlaneServer).UpdateNodeResource(ctx, req.(*UpdateNodeResourceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func placeInvocationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PlaceInvocationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlPlaneServer).PlaceInvocation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/PlaceInvocation"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlPlaneServer).PlaceInvocation(ctx, req.(*PlaceInvocationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func updateTaskResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UpdateTaskResultRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlPlaneServer).UpdateTaskResult(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/UpdateTaskResult"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlPlaneServer).UpdateTaskResult(ctx, req.(*UpdateTaskResultRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ControlPlaneServiceDesc is the hand-wired replacement for the ServiceDesc a
// protoc-gen-go-grpc run would otherwise emit.
var ControlPlaneServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlPlaneServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterNode", Handler: registerNodeHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "UpdateNodeResource", Handler: updateNodeResourceHandler},
		{MethodName: "PlaceInvocation", Handler: placeInvocationHandler},
		{MethodName: "UpdateTaskResult", Handler: updateTaskResultHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spear/controlplane.proto",
}

// RegisterControlPlaneServer registers srv on s using ControlPlaneServiceDesc.
func RegisterControlPlaneServer(s grpc.ServiceRegistrar, srv ControlPlaneServer) {
	s.RegisterService(&ControlPlaneServiceDesc, srv)
}

// controlPlaneClient is the grpc.ClientConn-backed ControlPlaneClient.
type controlPlaneClient struct {
	cc *grpc.ClientConn
}

// NewControlPlaneClient wraps cc. Callers must have dialed cc with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)) (see Dial).
func NewControlPlaneClient(cc *grpc.ClientConn) ControlPlaneClient {
	return &controlPlaneClient{cc: cc}
}

func (c *controlPlaneClient) RegisterNode(ctx context.Context, in *RegisterNodeRequest) (*RegisterNodeResponse, error) {
	out := new(RegisterNodeResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/RegisterNode", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlPlaneClient) Heartbeat(ctx context.Context, in *HeartbeatRequest) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Heartbeat", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlPlaneClient) UpdateNodeResource(ctx context.Context, in *UpdateNodeResourceRequest) (*UpdateNodeResourceResponse, error) {
	out := new(UpdateNodeResourceResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/UpdateNodeResource", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlPlaneClient) PlaceInvocation(ctx context.Context, in *PlaceInvocationRequest) (*PlaceInvocationResponse, error) {
	out := new(PlaceInvocationResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/PlaceInvocation", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlPlaneClient) UpdateTaskResult(ctx context.Context, in *UpdateTaskResultRequest) (*UpdateTaskResultResponse, error) {
	out := new(UpdateTaskResultResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/UpdateTaskResult", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dial opens a grpc.ClientConn to addr configured to use the JSON codec.
// There is no TLS credential setup here: the control plane carries no mTLS
// requirement.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	callOpts := grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName))
	return grpc.NewClient(addr, append([]grpc.DialOption{callOpts}, opts...)...)
}
