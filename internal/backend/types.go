// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

// =============================================================================
// TRAINING SERVICE TYPES
// =============================================================================

// SystemInfo is the response from GET /api/system-info.
// GPU fields are only present when the backend found a GPU.
type SystemInfo struct {
	Device         string   `json:"device"`
	CPUPercent     float64  `json:"cpu_percent"`
	MemoryPercent  float64  `json:"memory_percent"`
	GPUAvailable   bool     `json:"gpu_available"`
	GPUMemoryUsed  *float64 `json:"gpu_memory_used,omitempty"`
	GPUMemoryTotal *float64 `json:"gpu_memory_total,omitempty"`
	GPUUtilization *float64 `json:"gpu_utilization,omitempty"`
}

// LossLog is one entry of the backend's recent loss history.
type LossLog struct {
	Step         int     `json:"step"`
	Loss         float64 `json:"loss"`
	LearningRate float64 `json:"learning_rate,omitempty"`
}

// Progress is the progress block of a training status snapshot.
type Progress struct {
	CurrentEpoch    int       `json:"current_epoch"`
	TotalEpochs     int       `json:"total_epochs"`
	CurrentStep     int       `json:"current_step"`
	TotalSteps      int       `json:"total_steps"`
	ProgressPercent float64   `json:"progress_percent"`
	Loss            float64   `json:"loss"`
	ETAMinutes      *float64  `json:"eta_minutes,omitempty"`
	StartTime       float64   `json:"start_time,omitempty"`
	RecentLogs      []LossLog `json:"recent_logs,omitempty"`
	ModelSize       string    `json:"model_size,omitempty"`
	Completed       bool      `json:"completed"`
}

// TrainingStatus is the response from GET /api/training-status.
// The backend runs one job at a time, so Project names whichever project
// the backend is currently (or was last) busy with.
type TrainingStatus struct {
	IsTraining bool     `json:"is_training"`
	Project    string   `json:"project"`
	Progress   Progress `json:"progress"`
	Error      string   `json:"error,omitempty"`
}

// ProjectsResponse is the response from GET /api/projects.
type ProjectsResponse struct {
	Projects []string `json:"projects"`
}

// UploadResult is the response from POST /api/upload-data.
type UploadResult struct {
	Success    bool `json:"success"`
	TextsCount int  `json:"texts_count"`
	TotalChars int  `json:"total_chars"`
}

// StartTrainingRequest is the body of POST /api/start-training.
type StartTrainingRequest struct {
	ProjectSlug  string  `json:"project_slug"`
	ModelSize    string  `json:"model_size"`
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	UseCase      string  `json:"use_case"`
	Temperature  float64 `json:"temperature"`
}

// Values accepted by start-training.
var (
	ModelSizes = []string{"toy", "base", "plus"}
	UseCases   = []string{"general", "storytelling", "qa", "chat", "assistant"}
)

// Epoch bounds enforced by the training service.
const (
	MinEpochs = 1
	MaxEpochs = 5
)

// ContinueTrainingRequest is the body of POST /api/continue-training.
type ContinueTrainingRequest struct {
	ProjectSlug      string `json:"project_slug"`
	AdditionalEpochs int    `json:"additional_epochs"`
}

// =============================================================================
// INFERENCE SERVICE TYPES
// =============================================================================

// ModelRequest is the body of load-model and unload-model.
type ModelRequest struct {
	ProjectSlug string `json:"project_slug"`
}

// Ack is the generic success body returned by mutating endpoints.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Health is the response from GET /chat-api/health.
type Health struct {
	Status       string `json:"status"`
	ActiveModels int    `json:"active_models"`
}

// ChatRequest is one user turn sent over the stream.
type ChatRequest struct {
	Message     string  `json:"message"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// apiError is the error body the backend returns on non-2xx responses.
type apiError struct {
	Detail string `json:"detail"`
}
