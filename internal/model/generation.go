package model

import "time"

// ImageStartRequest starts a storyboard image batch
type ImageStartRequest struct {
	Prompts []string `json:"prompts" validate:"required,min=1,max=30,dive,min=1"`
}

// VideoStartRequest starts a batched image-to-video run
type VideoStartRequest struct {
	Items           []VideoStartItem `json:"items" validate:"required,min=1,max=30,dive"`
	DurationSeconds float64          `json:"durationSeconds" validate:"omitempty,gt=0,max=30"`
	FrameRate       int              `json:"frameRate" validate:"omitempty,min=8,max=60"`
}

// VideoStartItem names one staged source image and its motion prompt
type VideoStartItem struct {
	ImagePath string `json:"imagePath" validate:"required"`
	Prompt    string `json:"prompt" validate:"required,min=1"`
}

// SpeechStartRequest starts a narration job
type SpeechStartRequest struct {
	Text           string `json:"text" validate:"required,min=1"`
	ReferenceAudio string `json:"referenceAudio" validate:"omitempty"`
}

// StartResponse is returned when any generation job is accepted
type StartResponse struct {
	JobID     string       `json:"jobId"`
	Kind      ArtifactKind `json:"kind"`
	Status    JobStatus    `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// StatusResponse reports the current state of a generation job
type StatusResponse struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Error       *string    `json:"error"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	RetryCount  int        `json:"retryCount"`
}

// GenerationResult is the result of a completed generation job. Failed
// entries in a batch are nil, positionally aligned with the request.
type GenerationResult struct {
	JobID     string            `json:"jobId"`
	Kind      ArtifactKind      `json:"kind"`
	Artifacts []*OutputArtifact `json:"artifacts"`
	Subtitles string            `json:"subtitles,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// SystemStatusResponse reports engine liveness and local resource pressure.
// NodeTypes is the number of node classes the engine advertises, a quick
// sanity check that the required custom node packs are installed.
type SystemStatusResponse struct {
	EngineReachable bool              `json:"engineReachable"`
	NodeTypes       int               `json:"nodeTypes,omitempty"`
	Resources       *ResourceSnapshot `json:"resources,omitempty"`
}
