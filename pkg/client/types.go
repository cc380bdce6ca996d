package client

import "time"

// EvalRequest is the body of POST /eval.
type EvalRequest struct {
	Input     string `json:"input"`
	Await     bool   `json:"await,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// WorkerRecord mirrors the persisted process record.
type WorkerRecord struct {
	PID        int       `json:"pid"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"startTime"`
	ConfigPath string    `json:"configPath,omitempty"`
}

// WorkerStatus is the worker part of a status response.
type WorkerStatus struct {
	State      string        `json:"state"`
	Record     *WorkerRecord `json:"record,omitempty"`
	Alive      bool          `json:"alive"`
	DetectedBy string        `json:"detected_by,omitempty"`
}

// ScheduleStatus is the schedule part of a status response.
type ScheduleStatus struct {
	Running    bool   `json:"running"`
	Failures   int    `json:"failures"`
	Tick       string `json:"tick"`
	IntervalMS int64  `json:"interval_ms"`
	MaxRetries int    `json:"max_retries"`
	OnError    string `json:"on_error,omitempty"`
}

// Sample is the latest resource usage of the worker.
type Sample struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status is the body of GET /status.
type Status struct {
	Worker   *WorkerStatus   `json:"worker,omitempty"`
	Schedule *ScheduleStatus `json:"schedule,omitempty"`
	Sample   *Sample         `json:"sample,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
