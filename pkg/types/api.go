package types

import "time"

// LifecycleState is the orchestrator's coarse state.
type LifecycleState string

const (
	StateIdle     LifecycleState = "idle"
	StateLoading  LifecycleState = "loading"
	StateRunning  LifecycleState = "running"
	StateStopping LifecycleState = "stopping"
	StateCleaning LifecycleState = "cleaning"
	StateError    LifecycleState = "error"
)

// LifecycleStatus is a read-only snapshot of the orchestrator. Callers always
// receive a copy; the live struct never escapes its mutex.
type LifecycleStatus struct {
	State LifecycleState `json:"state"`
	// Active model config, nil when idle.
	Config *ModelConfig `json:"config,omitempty"`
	// PID of the supervised backend, 0 when none.
	PID int `json:"pid,omitempty"`
	// When the current backend became ready.
	StartedAt time.Time `json:"started_at,omitempty"`
	// Last error message, cleared on the next successful load.
	LastError string `json:"last_error,omitempty"`
	// Last observed backend memory usage in MB.
	MemoryMB int `json:"memory_mb,omitempty"`
	// Last state-changing activity.
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// HealthState classifies one metric reading or the overall verdict.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthWarning  HealthState = "warning"
	HealthCritical HealthState = "critical"
	HealthUnknown  HealthState = "unknown"
)

// HealthSample is one monitor reading for one metric.
type HealthSample struct {
	Metric    string      `json:"metric"`
	Value     float64     `json:"value"`
	Status    HealthState `json:"status"`
	Threshold float64     `json:"threshold"`
	Unit      string      `json:"unit,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthSnapshot is the aggregated monitor view returned to callers.
type HealthSnapshot struct {
	Status     HealthState    `json:"status"`
	Metrics    []HealthSample `json:"metrics"`
	AlertCount int            `json:"alert_count"`
}

// LoadRequest is the JSON payload accepted by POST /load.
type LoadRequest struct {
	Name         string            `json:"name"`
	Backend      BackendKind       `json:"backend,omitempty"`
	Path         string            `json:"path"`
	Port         int               `json:"port,omitempty"`
	Device       string            `json:"device,omitempty"`
	ExtraArgs    map[string]string `json:"extra_args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	ReadyTimeout int               `json:"ready_timeout_sec,omitempty"`
}

// StopRequest is the JSON payload accepted by POST /stop.
type StopRequest struct {
	Force bool `json:"force,omitempty"`
}

// CleanupRequest is the JSON payload accepted by POST /cleanup.
type CleanupRequest struct {
	PID        int    `json:"pid,omitempty"`
	ModelName  string `json:"model_name,omitempty"`
	Aggressive bool   `json:"aggressive,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	// Alternative backends worth retrying with, when a load failed.
	Fallbacks []BackendKind `json:"fallbacks,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}
