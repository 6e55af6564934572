package models

import "time"

// CPUStats holds system CPU usage.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// MemoryStats holds system memory usage.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// ServerStatsResponse is the /stats payload: system usage plus the proxy's
// counter snapshot.
type ServerStatsResponse struct {
	Instance      string            `json:"instance"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	StartTime     time.Time         `json:"start_time"`
	CPU           CPUStats          `json:"cpu"`
	Memory        MemoryStats       `json:"memory"`
	LiveSessions  int               `json:"live_sessions"`
	Counters      map[string]uint64 `json:"counters"`
}
