package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spearproj/spear/pkg/types"
)

func writeWasmFile(t *testing.T, payload []byte) string {
	t.Helper()
	data := append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, payload...)
	path := filepath.Join(t.TempDir(), "module.wasm")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestWasmRuntimeValidateConfigRejectsWrongRuntimeType(t *testing.T) {
	r := NewWasmRuntime(4)
	err := r.ValidateConfig(types.InstanceConfig{RuntimeType: types.RuntimeTypeProcess})
	assert.Error(t, err)
	assert.NoError(t, r.ValidateConfig(types.InstanceConfig{RuntimeType: types.RuntimeTypeWasm}))
}

func TestWasmRuntimeStartRejectsBadMagicBytes(t *testing.T) {
	r := NewWasmRuntime(4)
	path := filepath.Join(t.TempDir(), "not-wasm.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a wasm module at all"), 0o644))

	_, err := r.Start(context.Background(), StartSpec{InstanceID: "i1", Location: path})
	assert.Error(t, err)
}

func TestWasmRuntimeStartRejectsHashMismatch(t *testing.T) {
	r := NewWasmRuntime(4)
	path := writeWasmFile(t, []byte("hello"))

	_, err := r.Start(context.Background(), StartSpec{InstanceID: "i1", Location: path, SHA256: "deadbeef"})
	assert.Error(t, err)
}

func TestWasmRuntimeInvokeEchoesPayloadAndDebitsFuel(t *testing.T) {
	r := NewWasmRuntime(4)
	path := writeWasmFile(t, []byte("hello"))

	handle, err := r.Start(context.Background(), StartSpec{InstanceID: "i1", Location: path})
	require.NoError(t, err)

	result, err := r.Invoke(context.Background(), handle, InvokeSpec{Payload: []byte("ping")})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []byte("ping"), result.OutputData)

	healthy, err := r.HealthCheck(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestWasmRuntimeInvokeFuelExhaustion(t *testing.T) {
	r := NewWasmRuntime(4)
	path := writeWasmFile(t, []byte("hello"))

	handle, err := r.Start(context.Background(), StartSpec{
		InstanceID: "i1",
		Location:   path,
		Settings:   map[string]string{"fuel_limit": "2"},
	})
	require.NoError(t, err)

	result, err := r.Invoke(context.Background(), handle, InvokeSpec{Payload: []byte("too big")})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.Err)
	assert.Equal(t, "fuel_exhausted", result.Err.Kind)

	healthy, err := r.HealthCheck(context.Background(), handle)
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestWasmRuntimeScaleInstanceRemapsFuelBudget(t *testing.T) {
	r := NewWasmRuntime(4)
	path := writeWasmFile(t, []byte("hello"))
	handle, err := r.Start(context.Background(), StartSpec{InstanceID: "i1", Location: path})
	require.NoError(t, err)

	require.NoError(t, r.ScaleInstance(context.Background(), handle, types.ResourceLimits{MaxCPUCores: 2}))
	metrics, err := r.GetMetrics(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), metrics["fuel_budget"])

	assert.Error(t, r.ScaleInstance(context.Background(), handle, types.ResourceLimits{MaxCPUCores: 0}))
}

func TestWasmRuntimeCachesModuleByContentHash(t *testing.T) {
	r := NewWasmRuntime(1)
	pathA := writeWasmFile(t, []byte("module-a"))
	pathB := writeWasmFile(t, []byte("module-b"))

	handleA1, err := r.Start(context.Background(), StartSpec{InstanceID: "i1", Location: pathA})
	require.NoError(t, err)
	assert.Len(t, r.cache, 1)

	// Starting a second instance off the same bytes reuses the cached module.
	handleA2, err := r.Start(context.Background(), StartSpec{InstanceID: "i2", Location: pathA})
	require.NoError(t, err)
	assert.Same(t, handleA1.(*wasmHandle).module, handleA2.(*wasmHandle).module)
	assert.Len(t, r.cache, 1)

	// A distinct module evicts the LRU entry once over maxCached.
	_, err = r.Start(context.Background(), StartSpec{InstanceID: "i3", Location: pathB})
	require.NoError(t, err)
	assert.Len(t, r.cache, 1)
}
