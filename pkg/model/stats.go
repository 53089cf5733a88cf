package model

// Statistics summarises persisted snapshots over a time window.
type Statistics struct {
	AvgCPU       float64 `json:"avg_cpu"`
	AvgMemory    float64 `json:"avg_memory"`
	AvgDisk      float64 `json:"avg_disk"`
	TotalRecords int64   `json:"total_records"`
	AlertCount   int64   `json:"alert_count"`
}
