package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/spearproj/spear/pkg/kv"
	"github.com/spearproj/spear/pkg/rpc"
	"github.com/spearproj/spear/pkg/sms/placement"
)

func startTestServer(t *testing.T) (rpc.ControlPlaneClient, func()) {
	t.Helper()

	srv := New(kv.NewMemoryStore(), Config{
		HeartbeatTimeout: 30 * time.Second,
		Weights:          placement.DefaultWeights(),
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = srv.grpc.Serve(lis)
	}()

	conn, err := rpc.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client := rpc.NewControlPlaneClient(conn)
	cleanup := func() {
		conn.Close()
		srv.Stop()
	}
	return client, cleanup
}

func TestServerRegisterAndHeartbeat(t *testing.T) {
	client, cleanup := startTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().Unix()
	regResp, err := client.RegisterNode(ctx, &rpc.RegisterNodeRequest{
		UUID: "node-1", IP: "10.0.0.5", Port: 7300, Status: "online",
		LastHeartbeat: now, RegisteredAt: now,
	})
	require.NoError(t, err)
	assert.True(t, regResp.Success)

	hbResp, err := client.Heartbeat(ctx, &rpc.HeartbeatRequest{UUID: "node-1", Timestamp: now + 5})
	require.NoError(t, err)
	assert.True(t, hbResp.Success)
}

func TestServerHeartbeatUnknownNodeFails(t *testing.T) {
	client, cleanup := startTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Heartbeat(ctx, &rpc.HeartbeatRequest{UUID: "ghost", Timestamp: time.Now().Unix()})
	require.Error(t, err)
	if resp != nil {
		assert.False(t, resp.Success)
	}
}

func TestServerPlaceInvocationAfterRegister(t *testing.T) {
	client, cleanup := startTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().Unix()
	_, err := client.RegisterNode(ctx, &rpc.RegisterNodeRequest{
		UUID: "node-1", IP: "10.0.0.5", Port: 7300, Status: "online",
		LastHeartbeat: now, RegisteredAt: now,
	})
	require.NoError(t, err)

	_, err = client.UpdateNodeResource(ctx, &rpc.UpdateNodeResourceRequest{
		Resource: rpc.ResourceSnapshot{NodeUUID: "node-1", CPUUsagePercent: 20, MemoryUsagePercent: 20, NumCPU: 4},
	})
	require.NoError(t, err)

	placeResp, err := client.PlaceInvocation(ctx, &rpc.PlaceInvocationRequest{
		RequestID: "req-1", TaskID: "task-1", MaxCandidates: 5,
	})
	require.NoError(t, err)
	require.Len(t, placeResp.Candidates, 1)
	assert.Equal(t, "node-1", placeResp.Candidates[0].NodeUUID)
}
