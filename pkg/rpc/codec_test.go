package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	in := RegisterNodeRequest{UUID: "n1", IP: "10.0.0.1", Port: 7300, Status: "online"}

	data, err := c.Marshal(&in)
	require.NoError(t, err)

	var out RegisterNodeRequest
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestJSONCodecRegistered(t *testing.T) {
	assert.NotNil(t, encoding.GetCodec(codecName))
}

func TestControlPlaneServiceDescShape(t *testing.T) {
	assert.Equal(t, serviceName, ControlPlaneServiceDesc.ServiceName)
	assert.Len(t, ControlPlaneServiceDesc.Methods, 5)

	names := make(map[string]bool)
	for _, m := range ControlPlaneServiceDesc.Methods {
		names[m.MethodName] = true
	}
	for _, want := range []string{"RegisterNode", "Heartbeat", "UpdateNodeResource", "PlaceInvocation", "UpdateTaskResult"} {
		assert.True(t, names[want], "missing method %s", want)
	}
}
