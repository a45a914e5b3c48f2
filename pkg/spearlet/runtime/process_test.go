package runtime

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	speartypes "github.com/spearproj/spear/pkg/types"
)

// echoScript is a minimal instance stand-in: it performs the control
// handshake over SPEAR_CONTROL_ADDR/SPEAR_INSTANCE_SECRET, then echoes every
// invocation payload back to the parent using the wire framing Invoke
// expects (length-prefixed request, length-prefixed response).
const echoScript = `#!/bin/bash
set -e
host="${SPEAR_CONTROL_ADDR%:*}"
port="${SPEAR_CONTROL_ADDR#*:}"
exec 3<>"/dev/tcp/${host}/${port}"
echo "$SPEAR_INSTANCE_SECRET" >&3
while IFS= read -r execid <&3; do
  IFS= read -r plen <&3
  payload=""
  if [ "$plen" -gt 0 ]; then
    payload=$(dd bs=1 count="$plen" <&3 2>/dev/null)
  fi
  echo "${#payload}" >&3
  printf '%s' "$payload" >&3
done
`

func writeEchoScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("relies on bash /dev/tcp, linux only")
	}
	path := filepath.Join(t.TempDir(), "echo.sh")
	require.NoError(t, os.WriteFile(path, []byte(echoScript), 0o755))
	return path
}

func TestProcessRuntimeValidateConfig(t *testing.T) {
	r := NewProcessRuntime()
	assert.Error(t, r.ValidateConfig(spearTypesConfig(speartypes.RuntimeTypeWasm)))
	assert.NoError(t, r.ValidateConfig(spearTypesConfig(speartypes.RuntimeTypeProcess)))
}

func spearTypesConfig(rt speartypes.RuntimeType) speartypes.InstanceConfig {
	return speartypes.InstanceConfig{RuntimeType: rt}
}

func TestProcessRuntimeStartInvokeStop(t *testing.T) {
	script := writeEchoScript(t)
	r := NewProcessRuntime()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := r.Start(ctx, StartSpec{
		InstanceID: "inst-1",
		Location:   script,
		Config:     spearTypesConfig(speartypes.RuntimeTypeProcess),
	})
	require.NoError(t, err)

	addr, secret := r.ConnectionInfo(handle)
	assert.NotEmpty(t, addr)
	assert.NotEmpty(t, secret)

	healthy, err := r.HealthCheck(ctx, handle)
	require.NoError(t, err)
	assert.True(t, healthy)

	result, err := r.Invoke(ctx, handle, InvokeSpec{ExecutionID: "exec-1", Payload: []byte("hello"), TimeoutMs: 5000})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []byte("hello"), result.OutputData)

	require.NoError(t, r.Stop(ctx, handle, 2*time.Second))

	// Give the monitor goroutine a moment to observe process exit.
	time.Sleep(100 * time.Millisecond)
	healthy, err = r.HealthCheck(ctx, handle)
	require.NoError(t, err)
	assert.False(t, healthy)

	assert.NoError(t, r.CleanupInstance(ctx, handle))
}

func TestProcessRuntimeStartTimesOutWithoutHandshake(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("relies on process group signalling, linux only")
	}
	path := filepath.Join(t.TempDir(), "silent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\nsleep 30\n"), 0o755))

	r := NewProcessRuntime()
	ctx := context.Background()
	_, err := r.Start(ctx, StartSpec{InstanceID: "inst-2", Location: path})
	assert.Error(t, err)
}

func TestProcessRuntimeInvokeRejectsWrongHandleType(t *testing.T) {
	r := NewProcessRuntime()
	_, err := r.Invoke(context.Background(), "not-a-handle", InvokeSpec{})
	assert.Error(t, err)
}
