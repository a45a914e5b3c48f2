package runtime

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/spearproj/spear/pkg/errors"
	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/types"
)

// processHandle is the Handle for an instance running as a bare OS process:
// this backend execs the artifact binary directly and talks to it over a
// TCP control connection rather than a container API.
type processHandle struct {
	cmd    *exec.Cmd
	secret string
	addr   string
	mu     sync.Mutex
	conn   net.Conn
}

// ProcessRuntime starts artifacts as plain OS processes.
type ProcessRuntime struct {
	logger zerolog.Logger
}

func NewProcessRuntime() *ProcessRuntime {
	return &ProcessRuntime{logger: log.WithComponent("runtime-process")}
}

func (r *ProcessRuntime) Type() types.RuntimeType { return types.RuntimeTypeProcess }

func (r *ProcessRuntime) Capabilities() Capabilities {
	return Capabilities{
		SupportsScaling:           true,
		SupportsHealthChecks:      true,
		SupportsMetrics:           true,
		SupportsHotReload:         false,
		SupportsPersistentStorage: false,
		SupportsNetworkIsolation:  false,
		MaxConcurrentInstances:    0, // unbounded beyond the pool's own caps
		SupportedProtocols:        []string{"tcp"},
	}
}

// ValidateConfig rejects configs that would leave Start nothing runnable.
func (r *ProcessRuntime) ValidateConfig(cfg types.InstanceConfig) error {
	if cfg.RuntimeType != types.RuntimeTypeProcess {
		return errors.New(errors.InvalidConfiguration, "process runtime requires RuntimeType Process")
	}
	return nil
}

// Start execs spec.Location with the task/artifact environment replayed into
// the child, a generated handshake secret passed via env, and a control
// listener the child is expected to dial back to report readiness.
func (r *ProcessRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, errors.Wrap(errors.RuntimeError, "failed to generate instance secret", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(errors.RuntimeError, "failed to open control listener", err)
	}

	cmd := exec.CommandContext(ctx, spec.Location)
	cmd.Env = buildChildEnv(spec.Config.Environment, spec.InstanceID, secret, lis.Addr().String())
	cmd.Stdout = &logWriter{logger: r.logger, instanceID: spec.InstanceID, stream: "stdout"}
	cmd.Stderr = &logWriter{logger: r.logger, instanceID: spec.InstanceID, stream: "stderr"}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		lis.Close()
		return nil, errors.Wrap(errors.RuntimeError, "failed to start process", err)
	}

	handle := &processHandle{cmd: cmd, secret: secret, addr: lis.Addr().String()}

	conn, acceptErr := acceptWithTimeout(lis, 10*time.Second)
	lis.Close()
	if acceptErr != nil {
		_ = terminate(cmd)
		return nil, errors.Wrap(errors.ExecutionTimeout, "instance did not connect to control listener in time", acceptErr)
	}

	if err := performHandshake(conn, secret); err != nil {
		conn.Close()
		_ = terminate(cmd)
		return nil, errors.Wrap(errors.RuntimeError, "handshake failed", err)
	}
	handle.conn = conn

	go r.monitor(spec.InstanceID, cmd)

	return handle, nil
}

func (r *ProcessRuntime) monitor(instanceID string, cmd *exec.Cmd) {
	err := cmd.Wait()
	if err != nil {
		r.logger.Warn().Str("instance_id", instanceID).Err(err).Msg("process exited with error")
	} else {
		r.logger.Info().Str("instance_id", instanceID).Msg("process exited")
	}
}

func (r *ProcessRuntime) Invoke(ctx context.Context, handle Handle, spec InvokeSpec) (InvokeResult, error) {
	h, ok := handle.(*processHandle)
	if !ok {
		return InvokeResult{}, errors.New(errors.RuntimeError, "invalid handle for process runtime")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	deadline := time.Now().Add(time.Duration(spec.TimeoutMs) * time.Millisecond)
	if spec.TimeoutMs > 0 {
		h.conn.SetDeadline(deadline)
		defer h.conn.SetDeadline(time.Time{})
	}

	start := time.Now()
	if _, err := fmt.Fprintf(h.conn, "%s\n%d\n", spec.ExecutionID, len(spec.Payload)); err != nil {
		return InvokeResult{}, errors.Wrap(errors.RuntimeError, "failed to write invocation header", err)
	}
	if _, err := h.conn.Write(spec.Payload); err != nil {
		return InvokeResult{}, errors.Wrap(errors.RuntimeError, "failed to write payload", err)
	}

	reader := bufio.NewReader(h.conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return InvokeResult{}, errors.Wrap(errors.RuntimeError, "failed to read invocation response", err)
	}

	n, err := strconv.Atoi(trimNewline(line))
	if err != nil {
		return InvokeResult{}, errors.Wrap(errors.SerializationError, "malformed response length", err)
	}

	output := make([]byte, n)
	if _, err := readFull(reader, output); err != nil {
		return InvokeResult{}, errors.Wrap(errors.RuntimeError, "failed to read response body", err)
	}

	return InvokeResult{
		Success:         true,
		OutputData:      output,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

func (r *ProcessRuntime) HealthCheck(ctx context.Context, handle Handle) (bool, error) {
	h, ok := handle.(*processHandle)
	if !ok {
		return false, errors.New(errors.RuntimeError, "invalid handle for process runtime")
	}
	if h.cmd.ProcessState != nil {
		return false, nil
	}
	return true, nil
}

func (r *ProcessRuntime) Stop(ctx context.Context, handle Handle, grace time.Duration) error {
	h, ok := handle.(*processHandle)
	if !ok {
		return errors.New(errors.RuntimeError, "invalid handle for process runtime")
	}
	if h.conn != nil {
		h.conn.Close()
	}
	return terminateGraceful(h.cmd, grace)
}

// GetMetrics reports only the liveness signal this backend can obtain
// without parsing /proc itself; resource usage is sourced cluster-wide by
// the node's gopsutil snapshot instead of per-instance here.
func (r *ProcessRuntime) GetMetrics(ctx context.Context, handle Handle) (map[string]any, error) {
	h, ok := handle.(*processHandle)
	if !ok {
		return nil, errors.New(errors.RuntimeError, "invalid handle for process runtime")
	}
	alive := h.cmd.ProcessState == nil
	pid := 0
	if h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	return map[string]any{
		"pid":   pid,
		"alive": alive,
	}, nil
}

// ScaleInstance is a no-op: resource limit changes on a live process are
// supported-but-unenforced here, since there is no cgroup wiring in this
// backend to push new limits into.
func (r *ProcessRuntime) ScaleInstance(ctx context.Context, handle Handle, limits types.ResourceLimits) error {
	_, ok := handle.(*processHandle)
	if !ok {
		return errors.New(errors.RuntimeError, "invalid handle for process runtime")
	}
	return nil
}

// ConnectionInfo returns the control listener address and handshake secret
// stamped on the handle at Start time.
func (r *ProcessRuntime) ConnectionInfo(handle Handle) (string, string) {
	h, ok := handle.(*processHandle)
	if !ok {
		return "", ""
	}
	return h.addr, h.secret
}

// CleanupInstance closes any lingering control connection left over after
// Stop; the process itself is already reaped by Stop/terminateGraceful.
func (r *ProcessRuntime) CleanupInstance(ctx context.Context, handle Handle) error {
	h, ok := handle.(*processHandle)
	if !ok {
		return errors.New(errors.RuntimeError, "invalid handle for process runtime")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	return nil
}

func (r *ProcessRuntime) Close() error { return nil }

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// terminateGraceful signals the process group with SIGTERM, then escalates
// to SIGKILL after grace elapses.
func terminateGraceful(cmd *exec.Cmd, grace time.Duration) error {
	if cmd.Process == nil {
		return nil
	}
	pgid := -cmd.Process.Pid

	_ = syscall.Kill(pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return syscall.Kill(pgid, syscall.SIGKILL)
	}
}

func buildChildEnv(base map[string]string, instanceID, secret, controlAddr string) []string {
	env := make([]string, 0, len(base)+3)
	for k, v := range base {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"SPEAR_INSTANCE_ID="+instanceID,
		"SPEAR_INSTANCE_SECRET="+secret,
		"SPEAR_CONTROL_ADDR="+controlAddr,
	)
	return env
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func acceptWithTimeout(lis net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := lis.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for instance handshake")
	}
}

// performHandshake verifies the child's first line matches the secret it was
// handed over the environment, preventing an unrelated process that happens
// to connect to the control port from being treated as the instance.
func performHandshake(conn net.Conn, secret string) error {
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetDeadline(time.Time{})

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	if trimNewline(line) != secret {
		return fmt.Errorf("handshake secret mismatch")
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// logWriter adapts a zerolog.Logger into an io.Writer for capturing a child
// process's stdout/stderr line by line.
type logWriter struct {
	logger     zerolog.Logger
	instanceID string
	stream     string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Str("instance_id", w.instanceID).Str("stream", w.stream).Str("line", string(p)).Msg("instance output")
	return len(p), nil
}
