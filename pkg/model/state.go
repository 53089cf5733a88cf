// Package model holds the snapshot types shared by the sensors, the analysis
// stages and the store. A SystemState is built once per refresh cycle and is
// treated as immutable after it has been published.
package model

import (
	"math"
	"time"
)

// SystemState is one published snapshot of the host.
type SystemState struct {
	Timestamp       time.Time       `json:"timestamp"`
	CPUUsage        float64         `json:"cpu_usage"`
	MemoryUsage     float64         `json:"memory_usage"`
	DiskUsage       float64         `json:"disk_usage"`
	NetworkStats    NetworkStats    `json:"network_stats"`
	ActiveProcesses []ProcessInfo   `json:"active_processes"`
	SecurityAlerts  []SecurityAlert `json:"security_alerts"`
	SystemMetrics   *SystemMetrics  `json:"system_metrics,omitempty"`
}

// ProcessInfo describes a single process in a snapshot. Pid is unique within
// a snapshot.
type ProcessInfo struct {
	Pid         int32   `json:"pid"`
	Name        string  `json:"name"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	Threads     int32   `json:"threads"`
}

// SystemMetrics carries host-level figures that are collected best-effort.
type SystemMetrics struct {
	LoadAverage   float64   `json:"load_average"`
	Uptime        uint64    `json:"uptime"`
	LogicalCores  int       `json:"logical_cores"`
	PhysicalCores int       `json:"physical_cores"`
	LastUpdate    time.Time `json:"last_update"`
}

// TelemetrySample is what a telemetry source returns for one cycle.
type TelemetrySample struct {
	CPUUsage    float64
	MemoryUsage float64
	DiskUsage   float64
	Processes   []ProcessInfo
	Metrics     *SystemMetrics
}

// NetworkSample is what a network sensor returns for one cycle.
type NetworkSample struct {
	BytesSent          uint64
	BytesReceived      uint64
	Connections        []ConnectionInfo
	SuspiciousActivity []string
}

// NewInitialState returns the empty state published before the first cycle.
func NewInitialState(ts time.Time) *SystemState {
	return &SystemState{
		Timestamp:       ts,
		NetworkStats:    NetworkStats{Connections: []ConnectionInfo{}, SuspiciousActivity: []string{}},
		ActiveProcesses: []ProcessInfo{},
		SecurityAlerts:  []SecurityAlert{},
	}
}

// NewSystemState assembles a snapshot from sensor output. Usage percentages
// are clamped to [0,100] and thread counts raised to at least one.
func NewSystemState(ts time.Time, tel *TelemetrySample, net *NetworkSample) *SystemState {
	st := NewInitialState(ts)
	if tel != nil {
		st.CPUUsage = ClampPercent(tel.CPUUsage)
		st.MemoryUsage = ClampPercent(tel.MemoryUsage)
		st.DiskUsage = ClampPercent(tel.DiskUsage)
		st.ActiveProcesses = make([]ProcessInfo, 0, len(tel.Processes))
		for _, p := range tel.Processes {
			p.CPUUsage = ClampPercent(p.CPUUsage)
			p.MemoryUsage = ClampPercent(p.MemoryUsage)
			if p.Threads < 1 {
				p.Threads = 1
			}
			st.ActiveProcesses = append(st.ActiveProcesses, p)
		}
		if tel.Metrics != nil {
			m := *tel.Metrics
			st.SystemMetrics = &m
		}
	}
	if net != nil {
		st.NetworkStats = NetworkStats{
			BytesSent:          net.BytesSent,
			BytesReceived:      net.BytesReceived,
			Connections:        append([]ConnectionInfo{}, net.Connections...),
			SuspiciousActivity: append([]string{}, net.SuspiciousActivity...),
		}
	}
	return st
}

// ClampPercent maps any float onto [0,100]. NaN becomes 0.
func ClampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Clone returns a deep copy so that callers can never reach the published
// snapshot's backing arrays.
func (s *SystemState) Clone() SystemState {
	out := *s
	out.ActiveProcesses = make([]ProcessInfo, len(s.ActiveProcesses))
	copy(out.ActiveProcesses, s.ActiveProcesses)
	out.SecurityAlerts = make([]SecurityAlert, len(s.SecurityAlerts))
	for i, a := range s.SecurityAlerts {
		out.SecurityAlerts[i] = a.Clone()
	}
	out.NetworkStats.Connections = make([]ConnectionInfo, len(s.NetworkStats.Connections))
	for i, c := range s.NetworkStats.Connections {
		out.NetworkStats.Connections[i] = c.Clone()
	}
	out.NetworkStats.SuspiciousActivity = make([]string, len(s.NetworkStats.SuspiciousActivity))
	copy(out.NetworkStats.SuspiciousActivity, s.NetworkStats.SuspiciousActivity)
	if s.SystemMetrics != nil {
		m := *s.SystemMetrics
		out.SystemMetrics = &m
	}
	return out
}

// TotalNetworkBytes is the sum of both cumulative counters.
func (s *SystemState) TotalNetworkBytes() uint64 {
	return s.NetworkStats.BytesSent + s.NetworkStats.BytesReceived
}
