// Package models holds the data shapes that flow through the ingestion
// and storage core: the report an Agent pushes, and the derived
// descriptor the query boundary hands back for each known agent.
package models

// MetricsReport is the atomic unit of ingestion and storage. The core
// treats System as opaque: it is carried through HotCache, the write
// queue, and persistence without being inspected or mutated.
type MetricsReport struct {
	AgentID   string        `json:"agent_id"`
	Hostname  string        `json:"hostname"`
	Timestamp int64         `json:"timestamp"`
	System    SystemMetrics `json:"system"`
}

// SystemMetrics is the payload an Agent's host probes produce. Its
// shape is defined here so the ingestion and query boundaries have a
// concrete wire type, but no package in internal/storage inspects its
// fields; they are serialized and returned whole.
type SystemMetrics struct {
	CPU         CPUMetrics       `json:"cpu"`
	Memory      MemoryMetrics    `json:"memory"`
	Disks       []DiskMetrics    `json:"disks"`
	Network     NetworkMetrics   `json:"network"`
	Processes   []ProcessMetrics `json:"processes,omitempty"`
	Info        *SystemInfo      `json:"system_info,omitempty"`
	AgentHealth *AgentHealth     `json:"agent_metrics,omitempty"`
}

type CPUMetrics struct {
	UsagePercent float64   `json:"usage_percent"`
	CoreCount    int       `json:"core_count"`
	PerCore      []float64 `json:"per_core,omitempty"`
	LoadAvg1     float64   `json:"load_avg_1"`
	LoadAvg5     float64   `json:"load_avg_5"`
	LoadAvg15    float64   `json:"load_avg_15"`
}

type MemoryMetrics struct {
	TotalBytes   int64   `json:"total_bytes"`
	UsedBytes    int64   `json:"used_bytes"`
	Available    int64   `json:"available_bytes"`
	UsagePercent float64 `json:"usage_percent"`
	SwapTotal    int64   `json:"swap_total_bytes"`
	SwapUsed     int64   `json:"swap_used_bytes"`
}

type DiskMetrics struct {
	MountPoint   string  `json:"mount_point"`
	Device       string  `json:"device"`
	TotalBytes   int64   `json:"total_bytes"`
	UsedBytes    int64   `json:"used_bytes"`
	Available    int64   `json:"available_bytes"`
	UsagePercent float64 `json:"usage_percent"`
	ReadBytes    int64   `json:"read_bytes"`
	WriteBytes   int64   `json:"write_bytes"`
}

type NetworkMetrics struct {
	BytesSent   int64 `json:"bytes_sent"`
	BytesRecv   int64 `json:"bytes_recv"`
	PacketsSent int64 `json:"packets_sent"`
	PacketsRecv int64 `json:"packets_recv"`
	ErrorsIn    int64 `json:"errors_in"`
	ErrorsOut   int64 `json:"errors_out"`
}

type ProcessMetrics struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_usage"`
	MemBytes   int64   `json:"memory_bytes"`
	Status     string  `json:"status"`
}

type SystemInfo struct {
	OSName        string  `json:"os_name"`
	OSVersion     string  `json:"os_version"`
	KernelVersion string  `json:"kernel_version"`
	Arch          string  `json:"arch"`
	UptimeSec     int64   `json:"uptime_sec"`
	CPUModel      string  `json:"cpu_model"`
	CPUFreqMHz    float64 `json:"cpu_frequency_mhz"`
}

// AgentHealth is the agent's self-reporting about its own collection
// loop: useful for spotting an agent that is falling behind or erroring
// before its host metrics look unusual.
type AgentHealth struct {
	CPUPercent   float64 `json:"cpu_usage"`
	MemBytes     int64   `json:"memory_bytes"`
	CollectionMs int64   `json:"collection_time_ms"`
	UptimeSec    int64   `json:"uptime_seconds"`
	MetricsSent  int64   `json:"metrics_sent"`
	ErrorsCount  int64   `json:"errors_count"`
}

// AgentDescriptor is derived, never stored explicitly: it is computed
// from the latest-pointer table joined with the most recent sample.
type AgentDescriptor struct {
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	LastSeen int64  `json:"last_seen"`
}
