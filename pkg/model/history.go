package model

import "time"

// ProcessSample is one observation of a process.
type ProcessSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
}

// ProcessHistory is the recent usage of a single pid, oldest first.
type ProcessHistory struct {
	Pid     int32           `json:"pid"`
	Name    string          `json:"name"`
	Samples []ProcessSample `json:"samples"`
}
