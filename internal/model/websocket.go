package model

// JobEventType identifies a frame pushed to job subscribers
type JobEventType string

const (
	EventProgress JobEventType = "progress"
	EventComplete JobEventType = "complete"
	EventError    JobEventType = "error"
)

// JobEvent is the single frame shape pushed over /ws/jobs/{id}. Progress
// frames fill Progress, Status and CurrentStep; completion frames carry
// the generation result; error frames carry the error. Kind is set
// whenever it is known so a client driving the storyboard-narration-clip
// pipeline can route frames without mapping job ids to stages itself.
type JobEvent struct {
	Type        JobEventType      `json:"type"`
	JobID       string            `json:"jobId"`
	Kind        ArtifactKind      `json:"kind,omitempty"`
	Progress    int               `json:"progress,omitempty"`
	Status      JobStatus         `json:"status,omitempty"`
	CurrentStep string            `json:"currentStep,omitempty"`
	Result      *GenerationResult `json:"result,omitempty"`
	Error       *JobError         `json:"error,omitempty"`
}

// JobError is the payload of an error frame
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
