package model

import (
	"encoding/json"
	"time"
)

// Job represents a background generation job in the system. The struct is
// the Redis persistence record; API responses use the dedicated response
// types instead.
type Job struct {
	ID          string          `json:"id"`
	Kind        ArtifactKind    `json:"kind"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"currentStep,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	RetryCount  int             `json:"retryCount"`
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// ImageJobPayload contains the data for a storyboard image job
type ImageJobPayload struct {
	Prompts []string `json:"prompts"`
}

// VideoJobPayload contains the data for a batched image-to-video job
type VideoJobPayload struct {
	Items  []VideoJobItem `json:"items"`
	Params VideoParams    `json:"params"`
}

// VideoJobItem pairs one source image with its motion prompt
type VideoJobItem struct {
	ImagePath string `json:"imagePath"`
	Prompt    string `json:"prompt"`
}

// VideoParams carries per-run video settings
type VideoParams struct {
	DurationSeconds float64 `json:"durationSeconds"`
	FrameRate       int     `json:"frameRate"`
}

// SpeechJobPayload contains the data for a narration job
type SpeechJobPayload struct {
	Text           string `json:"text"`
	ReferenceAudio string `json:"referenceAudio,omitempty"`
}
