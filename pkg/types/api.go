package types

import "time"

// DeployRequest is the body of POST /deployments. Unknown fields are rejected.
type DeployRequest struct {
	// Unique name among active deployments.
	// example: sentiment-bert
	Name string `json:"name" example:"sentiment-bert"`
	// Artifact source: hf://org/repo[/file][@rev], http(s)://, s3://bucket/key, file:///path or an absolute path.
	// example: hf://distilbert/distilbert-base-uncased-finetuned-sst-2-english
	Source string `json:"source" example:"hf://distilbert/distilbert-base-uncased-finetuned-sst-2-english"`
	// Artifact kind selecting the worker template.
	// example: nlp
	Kind string `json:"kind" example:"nlp"`
	// Device preference: auto, cpu, cuda or mps.
	// example: auto
	Device string `json:"device,omitempty" example:"auto"`
	// Memory ceiling in MB, counted against the server budget.
	// example: 2048
	MemoryLimitMB int `json:"memory_limit_mb,omitempty" example:"2048"`
	// Number of worker processes the runtime should serve with.
	// example: 1
	Workers int `json:"workers,omitempty" example:"1"`
	// Batch size hint (0 = runtime default).
	// example: 8
	BatchSize int `json:"batch_size,omitempty" example:"8"`
	// Preferred worker port inside the configured range.
	// example: 8100
	PreferredPort int `json:"preferred_port,omitempty" example:"8100"`
}

// DeploymentError describes why a deployment failed.
type DeploymentError struct {
	// Failure kind.
	// example: FetchTimeout
	Kind string `json:"kind" example:"FetchTimeout"`
	// Human-readable message.
	// example: artifact fetch exceeded 30m0s
	Message string `json:"message" example:"artifact fetch exceeded 30m0s"`
	// What the caller should do: retry_later, fix_request or operator.
	// example: retry_later
	Category string `json:"category" example:"retry_later"`
}

// HistoryEntry is one recorded state change.
type HistoryEntry struct {
	// example: fetching_artifact
	State   string    `json:"state" example:"fetching_artifact"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

// Deployment is the API view of a deployment record.
type Deployment struct {
	// example: 5b0c8f7e-1f7a-4b7e-9a43-0c0f7f0c1e11
	ID      string        `json:"deployment_id" example:"5b0c8f7e-1f7a-4b7e-9a43-0c0f7f0c1e11"`
	Request DeployRequest `json:"request"`
	// Attempt number, increased by retry.
	// example: 1
	Attempt int `json:"attempt" example:"1"`
	// Deployment this attempt retries.
	RetryOf string `json:"retry_of,omitempty"`
	// example: running
	Status string `json:"status" example:"running"`
	// example: 100
	Progress int `json:"progress" example:"100"`
	// example: Model deployed successfully
	Message string `json:"message" example:"Model deployed successfully"`
	// example: 6
	CurrentStep int `json:"current_step" example:"6"`
	// example: 6
	TotalSteps int `json:"total_steps" example:"6"`
	// Worker port while a worker is live.
	// example: 8100
	Port int `json:"port,omitempty" example:"8100"`
	// Worker process id while a worker is live.
	// example: 41235
	PID int `json:"pid,omitempty" example:"41235"`
	// Base URL of the worker while running.
	// example: http://127.0.0.1:8100
	Endpoint string `json:"endpoint,omitempty" example:"http://127.0.0.1:8100"`
	// example: 42.5
	ElapsedSeconds float64          `json:"elapsed_time" example:"42.5"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Error          *DeploymentError `json:"error,omitempty"`
	History        []HistoryEntry   `json:"history,omitempty"`
}

// DeployResponse is returned by POST /deployments and POST /deployments/{id}/retry.
type DeployResponse struct {
	Deployment Deployment `json:"deployment"`
	// Relative URL of the progress WebSocket.
	// example: /api/v1/ws/5b0c8f7e-1f7a-4b7e-9a43-0c0f7f0c1e11
	WebSocketURL string `json:"websocket_url" example:"/api/v1/ws/5b0c8f7e-1f7a-4b7e-9a43-0c0f7f0c1e11"`
	// Relative URL of the NDJSON progress stream.
	// example: /api/v1/deployments/5b0c8f7e-1f7a-4b7e-9a43-0c0f7f0c1e11/events
	EventsURL string `json:"events_url" example:"/api/v1/deployments/5b0c8f7e-1f7a-4b7e-9a43-0c0f7f0c1e11/events"`
}

// DeploymentsResponse wraps GET /deployments.
type DeploymentsResponse struct {
	Deployments []Deployment `json:"deployments"`
	// example: 2
	Count int `json:"count" example:"2"`
}

// ArtifactsResponse wraps GET /artifacts.
type ArtifactsResponse struct {
	// Artifacts found in the models directory.
	Local []Artifact `json:"local"`
	// Complete artifacts in the fetch cache.
	Cached []CachedArtifact `json:"cached"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// PortLease is an active port assignment.
type PortLease struct {
	// example: 8100
	Port int `json:"port" example:"8100"`
	// Deployment holding the lease.
	DeploymentID string    `json:"deployment_id"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Deployments per state.
	// example: {"running":2,"failed":1}
	States map[string]int `json:"states"`
	// Non-terminal deployments.
	// example: 3
	Active int `json:"active" example:"3"`
	// Deployment tasks currently running the pipeline (not yet Running).
	// example: 1
	InProgress int `json:"in_progress" example:"1"`
	// Limit on active deployments (0 = unlimited).
	// example: 0
	MaxActive int `json:"max_active" example:"0"`
	// Memory budget in MB across active deployments (0 = unlimited).
	// example: 16384
	BudgetMB int `json:"budget_mb" example:"16384"`
	// Memory reserved by active deployments in MB.
	// example: 4096
	UsedMB int `json:"used_mb" example:"4096"`
	// Current port leases.
	Leases []PortLease `json:"leases"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// TemplateCheck reports whether a worker template's command is runnable.
type TemplateCheck struct {
	// example: nlp
	Kind string `json:"kind" example:"nlp"`
	// example: python3
	Command string `json:"command" example:"python3"`
	// Resolved executable path when found.
	// example: /usr/bin/python3
	Path  string `json:"path,omitempty" example:"/usr/bin/python3"`
	Found bool   `json:"found"`
	Error string `json:"error,omitempty"`
}

// SystemInfo is returned by GET /system/info.
type SystemInfo struct {
	// example: linux
	OS string `json:"os" example:"linux"`
	// example: amd64
	Arch string `json:"arch" example:"amd64"`
	// example: 16
	CPUs int `json:"cpus" example:"16"`
	// example: go1.24.6
	GoVersion string `json:"go_version" example:"go1.24.6"`
	// Worker templates and whether their commands resolve.
	Templates []TemplateCheck `json:"templates"`
	// example: 8100
	PortRangeStart int `json:"port_range_start" example:"8100"`
	// example: 8200
	PortRangeEnd int `json:"port_range_end" example:"8200"`
	// example: /var/cache/deployd
	CacheDir string `json:"cache_dir" example:"/var/cache/deployd"`
	// example: memory
	StoreDriver string `json:"store_driver" example:"sqlite"`
}
