// Package registration implements the Spearlet's registration/heartbeat
// client: one goroutine owning the grpc connection to the SMS, its own
// reconnect/fail-stop policy, and the periodic resource snapshot it rides
// along on each heartbeat.
package registration

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"google.golang.org/grpc"

	"github.com/spearproj/spear/pkg/log"
	"github.com/spearproj/spear/pkg/rpc"
)

// nodeNamespace is a fixed UUID namespace used to derive a deterministic
// node_uuid from "ip:port:name" when config.node_name is not itself a UUID.
var nodeNamespace = uuid.MustParse("6f6e0b9a-6e0a-4f2b-9a0e-8e6f1a2b3c4d")

// State is the registration client's connectivity state machine.
type State string

const (
	StateNotRegistered State = "not_registered"
	StateRegistered     State = "registered"
	StateFailed         State = "failed"
)

// Config bounds the registration client's connect/retry/heartbeat timing.
type Config struct {
	SMSAddr                 string
	NodeName                string
	ListenIP                string
	ListenPort              int
	SMSConnectTimeoutMs     int64
	SMSConnectRetryMs       int64
	HeartbeatIntervalS      int64
	ReconnectTotalTimeoutMs int64
}

// Client owns the connection, node identity, and background heartbeat loop.
type Client struct {
	cfg      Config
	nodeUUID string
	logger   zerolog.Logger

	mu             sync.Mutex
	state          State
	lastErr        error
	registeredAt   time.Time
	lastHeartbeat  time.Time
	disconnectSince time.Time

	conn   *grpc.ClientConn
	client rpc.ControlPlaneClient

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// exit is called for the fail-stop path: the process exits.
	// Overridable in tests; defaults to os.Exit(1).
	exit func(code int)
}

// New builds a Client and computes its node_uuid from cfg: a UUID
// config.node_name is used verbatim; anything else is hashed into a
// deterministic UUIDv5 of "ip:port:name".
func New(cfg Config) *Client {
	nodeUUID := deriveNodeUUID(cfg.NodeName, cfg.ListenIP, cfg.ListenPort)
	return &Client{
		cfg:      cfg,
		nodeUUID: nodeUUID,
		logger:   log.WithNodeID(nodeUUID),
		state:    StateNotRegistered,
		exit:     os.Exit,
	}
}

func deriveNodeUUID(name, ip string, port int) string {
	if id, err := uuid.Parse(name); err == nil {
		return id.String()
	}
	seed := fmt.Sprintf("%s:%d:%s", ip, port, name)
	return uuid.NewSHA1(nodeNamespace, []byte(seed)).String()
}

// NodeUUID returns the derived node identity.
func (c *Client) NodeUUID() string { return c.nodeUUID }

// State returns the client's current registration state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// connect dials the SMS with bounded retries, backing off SMSConnectRetryMs
// between attempts until SMSConnectTimeoutMs elapses.
func (c *Client) connect(ctx context.Context) error {
	deadline := time.Now().Add(time.Duration(c.cfg.SMSConnectTimeoutMs) * time.Millisecond)
	retry := time.Duration(c.cfg.SMSConnectRetryMs) * time.Millisecond
	if retry <= 0 {
		retry = time.Second
	}

	var lastErr error
	for {
		conn, err := rpc.Dial(c.cfg.SMSAddr)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.client = rpc.NewControlPlaneClient(conn)
			c.mu.Unlock()
			return nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return fmt.Errorf("failed to connect to sms at %s after retries: %w", c.cfg.SMSAddr, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// register calls RegisterNode and updates the client's state accordingly.
func (c *Client) register(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		if err := c.connect(ctx); err != nil {
			c.enterFailed(err)
			return err
		}
		c.mu.Lock()
		client = c.client
		c.mu.Unlock()
	}

	now := time.Now()
	resp, err := client.RegisterNode(ctx, &rpc.RegisterNodeRequest{
		UUID:          c.nodeUUID,
		IP:            c.cfg.ListenIP,
		Port:          c.cfg.ListenPort,
		Status:        "online",
		LastHeartbeat: now.Unix(),
		RegisteredAt:  now.Unix(),
		Metadata:      map[string]string{"name": c.cfg.NodeName},
	})
	if err != nil {
		c.enterFailed(err)
		return err
	}
	if !resp.Success {
		err := fmt.Errorf("register_node rejected: %s", resp.Message)
		c.enterFailed(err)
		return err
	}

	c.mu.Lock()
	c.state = StateRegistered
	c.registeredAt = now
	c.lastHeartbeat = now
	c.lastErr = nil
	c.disconnectSince = time.Time{}
	c.mu.Unlock()

	c.logger.Info().Str("node_uuid", c.nodeUUID).Msg("registered with sms")
	return nil
}

func (c *Client) enterFailed(err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("registration failed")
}

// Start dials the SMS, registers, and launches the heartbeat loop.
func (c *Client) Start(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.heartbeatLoop(loopCtx)
	return nil
}

// Stop cancels the heartbeat loop and closes the connection.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.HeartbeatIntervalS) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick implements one heartbeat cycle: reconnect and re-register if
// disconnected, otherwise send a heartbeat; either way, follow with a
// resource snapshot. A failed tick stamps disconnect_since on first failure
// and fail-stops the process once reconnect_total_timeout_ms has elapsed
// since then.
func (c *Client) tick(ctx context.Context) {
	state := c.State()

	var err error
	if state != StateRegistered {
		err = c.register(ctx)
	} else {
		err = c.sendHeartbeat(ctx)
		if err != nil {
			if regErr := c.register(ctx); regErr == nil {
				err = nil
			}
		}
	}

	if err != nil {
		c.onTickFailure()
		return
	}

	c.mu.Lock()
	c.disconnectSince = time.Time{}
	c.mu.Unlock()

	if snapErr := c.sendResourceSnapshot(ctx); snapErr != nil {
		c.logger.Debug().Err(snapErr).Msg("resource snapshot failed")
	}
}

func (c *Client) onTickFailure() {
	c.mu.Lock()
	if c.disconnectSince.IsZero() {
		c.disconnectSince = time.Now()
	}
	since := time.Since(c.disconnectSince)
	c.mu.Unlock()

	limit := time.Duration(c.cfg.ReconnectTotalTimeoutMs) * time.Millisecond
	if limit > 0 && since >= limit {
		c.logger.Error().Dur("disconnected_for", since).Msg("reconnect timeout exceeded, exiting")
		c.exit(1)
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	health := c.healthInfo()
	resp, err := client.Heartbeat(ctx, &rpc.HeartbeatRequest{
		UUID:       c.nodeUUID,
		Timestamp:  time.Now().Unix(),
		HealthInfo: health,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("heartbeat rejected: %s", resp.Message)
	}

	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) healthInfo() rpc.HealthInfo {
	snap := c.localSnapshot()
	return rpc.HealthInfo{
		CPUUsagePercent:    snap.CPUUsagePercent,
		MemoryUsagePercent: snap.MemoryUsagePercent,
	}
}

func (c *Client) sendResourceSnapshot(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	snap := c.localSnapshot()
	snap.NodeUUID = c.nodeUUID

	resp, err := client.UpdateNodeResource(ctx, &rpc.UpdateNodeResourceRequest{Resource: snap})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("update_node_resource rejected: %s", resp.Message)
	}
	return nil
}

// localSnapshot reads a best-effort local resource picture via gopsutil:
// load averages, memory totals/avail, disk via statvfs("/"), cpu%
// approximated as clamp(load1/ncpu*100, 0, 100).
func (c *Client) localSnapshot() rpc.ResourceSnapshot {
	snap := rpc.ResourceSnapshot{NumCPU: numCPU()}

	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotalBytes = int64(vm.Total)
		snap.MemoryUsedBytes = int64(vm.Used)
		snap.MemoryAvailBytes = int64(vm.Available)
		snap.MemoryUsagePercent = vm.UsedPercent
	}

	if du, err := disk.Usage("/"); err == nil {
		snap.DiskTotalBytes = int64(du.Total)
		snap.DiskUsedBytes = int64(du.Used)
		snap.DiskAvailBytes = int64(du.Free)
	}

	if snap.NumCPU > 0 {
		cpuPct := snap.Load1 / float64(snap.NumCPU) * 100
		snap.CPUUsagePercent = clamp(cpuPct, 0, 100)
	}

	return snap
}

func numCPU() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
