package api

import "time"

// errorResponse is the JSON envelope for every non-2xx response.
type errorResponse struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// healthResponse backs GET /health.
type healthResponse struct {
	Status string `json:"status"`
}

// statusResponse backs GET /status.
type statusResponse struct {
	Configured bool   `json:"configured"`
	Connected  bool   `json:"connected"`
	State      string `json:"state"`
	IP         string `json:"ip,omitempty"`
	Port       int    `json:"port,omitempty"`
	MockDevice bool   `json:"mockDevice"`
	Online     bool   `json:"online"`
}

// deviceInfoResponse backs GET /device/info.
type deviceInfoResponse struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	MAC      string `json:"mac,omitempty"`
	Name     string `json:"name,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// deviceScanResponse backs GET /device/scan.
type deviceScanResponse struct {
	Found []deviceInfoResponse `json:"found"`
}

// deviceConnectRequest backs POST /device/connect.
type deviceConnectRequest struct {
	IP   string `json:"ip"`
	Port int    `json:"port,omitempty"`
}

// attendanceLogEntry backs one row of GET /attendance/logs.
type attendanceLogEntry struct {
	BiometricID string    `json:"biometricId"`
	Instant     time.Time `json:"instant"`
}

// pollingControlResponse backs POST /polling/{start,stop}.
type pollingControlResponse struct {
	PollingSuspended bool `json:"pollingSuspended"`
}

// userResponse backs one row of GET /users.
type userResponse struct {
	BiometricID string `json:"biometricId"`
}

// addUserRequest backs POST /users/add.
type addUserRequest struct {
	BiometricID string `json:"biometricId"`
	Name        string `json:"name"`
}

// syncStatusResponse backs GET /sync/status.
type syncStatusResponse struct {
	Online           bool `json:"online"`
	BatchQueueDepth  int  `json:"batchQueueDepth"`
	SpillBatchCount  int  `json:"spillBatchCount"`
}

// cacheStatsResponse backs GET /stats/cache.
type cacheStatsResponse struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Size    int     `json:"size"`
	Valid   int     `json:"valid"`
	Expired int     `json:"expired"`
}

// queueStatsResponse backs GET /stats/queue.
type queueStatsResponse struct {
	PipelineDepth    int           `json:"pipelineDepth"`
	PipelinePeak     int           `json:"pipelinePeak"`
	PipelineAvgMs    int64         `json:"pipelineAvgMs"`
	BatchQueueDepth  int           `json:"batchQueueDepth"`
	SpillBatchCount  int           `json:"spillBatchCount"`
}

// breakerStatsResponse backs GET /stats/breaker.
type breakerStatsResponse struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
	Requests            uint32 `json:"requests"`
}
