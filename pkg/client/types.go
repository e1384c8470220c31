package client

import "time"

// WorkerStatus mirrors the daemon's worker snapshot.
type WorkerStatus struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	PID            int       `json:"pid,omitempty"`
	WorkDir        string    `json:"work_dir"`
	Command        string    `json:"command"`
	Readiness      string    `json:"readiness"`
	FailedAttempts int       `json:"failed_attempts"`
	Restarts       int       `json:"restarts"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	ReadyAt        time.Time `json:"ready_at,omitempty"`
	LastHealthyAt  time.Time `json:"last_healthy_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

type AnalysisStatus struct {
	Endpoint string `json:"endpoint"`
	Breaker  string `json:"breaker"`
}

// Status is returned by GET /status and POST /restart.
type Status struct {
	Healthy  bool           `json:"healthy"`
	Worker   WorkerStatus   `json:"worker"`
	Analysis AnalysisStatus `json:"analysis"`
}

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	Text string `json:"text"`
}

// AnalyzeResult is a successful classification.
type AnalyzeResult struct {
	Status      string  `json:"status"`
	Score       float64 `json:"ai_score"`
	AIGenerated bool    `json:"ai_generated"`
}

// UploadResult is returned by POST /uploads, for both 200 and 422.
type UploadResult struct {
	ID           string   `json:"id"`
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	FileName     string   `json:"file_name"`
	StoredName   string   `json:"stored_name,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	AIGenerated  *bool    `json:"ai_generated,omitempty"`
	Content      string   `json:"content,omitempty"`
	FailureClass string   `json:"failure_class,omitempty"`
}

// HistoryEvent is one entry of GET /history.
type HistoryEvent struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Worker     HistoryWorker  `json:"worker"`
	Analysis   *HistoryUpload `json:"analysis,omitempty"`
}

type HistoryWorker struct {
	Name    string `json:"name"`
	PID     int    `json:"pid"`
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

type HistoryUpload struct {
	UploadID    string  `json:"upload_id"`
	FileName    string  `json:"file_name"`
	Success     bool    `json:"success"`
	Score       float64 `json:"score"`
	AIGenerated bool    `json:"ai_generated"`
	Message     string  `json:"message"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

// ResourceSample is one entry of GET /resources.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
