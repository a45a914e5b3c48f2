package types

import "time"

// NodeStatus is the SMS-side view of a Spearlet's liveness.
type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "online"
	NodeStatusOffline  NodeStatus = "offline"
	NodeStatusDraining NodeStatus = "draining"
)

// Node is the SMS registry record for one Spearlet.
type Node struct {
	UUID           string
	IP             string
	Port           int
	Status         NodeStatus
	LastHeartbeat  int64 // epoch seconds
	RegisteredAt   int64 // epoch seconds
	Metadata       map[string]string
}

// NodeResource is the SMS registry record of one node's reported load.
type NodeResource struct {
	NodeUUID            string
	CPUUsagePercent      float64
	MemoryUsagePercent   float64
	MemoryTotalBytes     int64
	MemoryUsedBytes      int64
	MemoryAvailableBytes int64
	DiskTotalBytes       int64
	DiskUsedBytes        int64
	DiskAvailableBytes   int64
	DiskUsagePercent     float64
	NetRxBps             int64
	NetTxBps             int64
	Load1                float64
	Load5                float64
	Load15               float64
	NumCPU               int
	UpdatedAt            int64 // epoch seconds
}

// ClusterStats is derived (not stored) cluster-wide aggregate state.
type ClusterStats struct {
	TotalNodes          int
	NodesByStatus       map[NodeStatus]int
	AverageCPUPercent   float64
	AverageMemoryPercent float64
	TotalMemoryBytes    int64
	TotalDiskBytes      int64
	HighLoadNodes       int
}

// PlacementCandidate is one ranked node in a PlaceInvocation response.
type PlacementCandidate struct {
	NodeUUID string
	Score    float64
	Reason   map[string]string
}
