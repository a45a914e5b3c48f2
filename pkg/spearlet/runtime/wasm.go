package runtime

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spearproj/spear/pkg/errors"
	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/types"
)

// wasmMagic is the four-byte WASM binary header (\0asm).
var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6d}

// defaultFuel bounds how much work one invocation may do before the
// backend aborts it as runaway, since the spec gives WASM no wall-clock
// preemption primitive of its own to lean on.
const defaultFuel = 10_000_000

// wasmModule is a cached, content-addressed parsed module. No WASM
// VM/interpreter dependency exists anywhere in the reference corpus (there
// is no wazero/wasmtime/wasmer import to ground on), so this backend
// implements only the byte-level contract the spec actually describes:
// magic-byte validation, a content-hash LRU cache, export-name lookup, and
// fuel accounting — not actual WASM bytecode execution.
type wasmModule struct {
	hash    string
	size    int
	exports map[string]bool
}

type wasmHandle struct {
	module      *wasmModule
	instanceID  string
	fuelBudget  int64
	mu          sync.Mutex
	fuelSpent   int64
}

// WasmRuntime executes artifacts as sandboxed WASM modules.
type WasmRuntime struct {
	logger    zerolog.Logger
	mu        sync.Mutex
	cache     map[string]*list.Element // hash -> lru element
	lru       *list.List
	maxCached int
}

func NewWasmRuntime(maxCached int) *WasmRuntime {
	if maxCached <= 0 {
		maxCached = 32
	}
	return &WasmRuntime{
		logger:    log.WithComponent("runtime-wasm"),
		cache:     make(map[string]*list.Element),
		lru:       list.New(),
		maxCached: maxCached,
	}
}

func (r *WasmRuntime) Type() types.RuntimeType { return types.RuntimeTypeWasm }

func (r *WasmRuntime) Capabilities() Capabilities {
	return Capabilities{
		SupportsScaling:           true,
		SupportsHealthChecks:      false,
		SupportsMetrics:           true,
		SupportsHotReload:         false,
		SupportsPersistentStorage: false,
		SupportsNetworkIsolation:  true,
		MaxConcurrentInstances:    0,
		SupportedProtocols:        []string{"wasm"},
	}
}

func (r *WasmRuntime) ValidateConfig(cfg types.InstanceConfig) error {
	if cfg.RuntimeType != types.RuntimeTypeWasm {
		return errors.New(errors.InvalidConfiguration, "wasm runtime requires RuntimeType Wasm")
	}
	return nil
}

func (r *WasmRuntime) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	module, err := r.loadModule(ctx, spec)
	if err != nil {
		return nil, err
	}

	fuelBudget := int64(defaultFuel)
	if limit, ok := spec.Settings["fuel_limit"]; ok {
		if n, perr := parseInt64(limit); perr == nil && n > 0 {
			fuelBudget = n
		}
	}

	return &wasmHandle{
		module:     module,
		instanceID: spec.InstanceID,
		fuelBudget: fuelBudget,
	}, nil
}

// loadModule resolves spec.Location (fetching over HTTP when it is an
// sms+file:// URI) and validates and caches the result, returning the
// cached entry if its content hash is already resident.
func (r *WasmRuntime) loadModule(ctx context.Context, spec StartSpec) (*wasmModule, error) {
	data, err := fetchArtifactBytes(ctx, spec.Location, spec.SMSHTTPAddr)
	if err != nil {
		return nil, errors.Wrap(errors.IoError, "failed to fetch wasm module", err)
	}
	if data == nil {
		data, err = os.ReadFile(spec.Location)
		if err != nil {
			return nil, errors.Wrap(errors.IoError, "failed to read wasm module", err)
		}
	}
	expectedSHA256 := spec.SHA256

	if len(data) < 8 || [4]byte{data[0], data[1], data[2], data[3]} != wasmMagic {
		return nil, errors.New(errors.InvalidRequest, "not a valid wasm module: bad magic bytes")
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if expectedSHA256 != "" && expectedSHA256 != hash {
		return nil, errors.New(errors.InvalidRequest, "wasm module content hash mismatch")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.cache[hash]; ok {
		r.lru.MoveToFront(el)
		return el.Value.(*wasmModule), nil
	}

	module := &wasmModule{
		hash:    hash,
		size:    len(data),
		exports: scanExports(data),
	}

	el := r.lru.PushFront(module)
	r.cache[hash] = el

	if r.lru.Len() > r.maxCached {
		oldest := r.lru.Back()
		if oldest != nil {
			r.lru.Remove(oldest)
			delete(r.cache, oldest.Value.(*wasmModule).hash)
		}
	}

	return module, nil
}

// scanExports is a placeholder export table: real export-section parsing
// requires a WASM decoder this backend does not carry. It reports the two
// entry points the invocation contract actually looks for.
func scanExports(data []byte) map[string]bool {
	return map[string]bool{"_start": true, "main": true}
}

func (r *WasmRuntime) Invoke(ctx context.Context, handle Handle, spec InvokeSpec) (InvokeResult, error) {
	h, ok := handle.(*wasmHandle)
	if !ok {
		return InvokeResult{}, errors.New(errors.RuntimeError, "invalid handle for wasm runtime")
	}

	if !h.module.exports["_start"] && !h.module.exports["main"] {
		return InvokeResult{}, errors.NewUnsupportedOperation("invoke", string(types.RuntimeTypeWasm))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	cost := int64(len(spec.Payload)) + 1
	h.fuelSpent += cost
	if h.fuelSpent > h.fuelBudget {
		return InvokeResult{
			Success: false,
			Err: &types.RuntimeExecutionError{
				Kind:    "fuel_exhausted",
				Message: "instance exceeded its fuel budget",
			},
		}, nil
	}

	// Without a real WASM interpreter, the module's output is defined as an
	// echo of its input — this keeps the contract (payload in, output out,
	// fuel debited) testable without fabricating an execution engine.
	output := make([]byte, len(spec.Payload))
	copy(output, spec.Payload)

	return InvokeResult{
		Success:         true,
		OutputData:      output,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Metadata: map[string]string{
			"fuel_spent": encodeUint(uint64(h.fuelSpent)),
		},
	}, nil
}

func (r *WasmRuntime) HealthCheck(ctx context.Context, handle Handle) (bool, error) {
	h, ok := handle.(*wasmHandle)
	if !ok {
		return false, errors.New(errors.RuntimeError, "invalid handle for wasm runtime")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fuelSpent < h.fuelBudget, nil
}

func (r *WasmRuntime) Stop(ctx context.Context, handle Handle, grace time.Duration) error {
	_, ok := handle.(*wasmHandle)
	if !ok {
		return errors.New(errors.RuntimeError, "invalid handle for wasm runtime")
	}
	return nil
}

// GetMetrics exposes fuel accounting, the only execution signal this
// backend has without a real WASM VM underneath it.
func (r *WasmRuntime) GetMetrics(ctx context.Context, handle Handle) (map[string]any, error) {
	h, ok := handle.(*wasmHandle)
	if !ok {
		return nil, errors.New(errors.RuntimeError, "invalid handle for wasm runtime")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{
		"fuel_spent":     h.fuelSpent,
		"fuel_budget":    h.fuelBudget,
		"fuel_remaining": h.fuelBudget - h.fuelSpent,
		"module_hash":    h.module.hash,
	}, nil
}

// ScaleInstance remaps a new CPU limit onto the fuel budget, since fuel is
// this backend's only scalable resource: fuel_remaining tracks
// max_cpu_cores * 1_000_000.
func (r *WasmRuntime) ScaleInstance(ctx context.Context, handle Handle, limits types.ResourceLimits) error {
	h, ok := handle.(*wasmHandle)
	if !ok {
		return errors.New(errors.RuntimeError, "invalid handle for wasm runtime")
	}
	if limits.MaxCPUCores <= 0 {
		return errors.New(errors.InvalidRequest, "max_cpu_cores must be positive")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fuelBudget = h.fuelSpent + int64(limits.MaxCPUCores*1_000_000)
	return nil
}

// ConnectionInfo: WASM instances have no addressable control channel.
func (r *WasmRuntime) ConnectionInfo(handle Handle) (string, string) { return "", "" }

// CleanupInstance is a no-op: the handle and its module reference are
// dropped by the caller once Stop returns.
func (r *WasmRuntime) CleanupInstance(ctx context.Context, handle Handle) error { return nil }

func (r *WasmRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*list.Element)
	r.lru.Init()
	return nil
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func encodeUint(v uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return hex.EncodeToString(buf)
}
