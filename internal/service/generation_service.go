package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/storyreel/api/internal/model"
)

// Task types routed to the generation workers
const (
	TaskTypeImage  = "generate:image"
	TaskTypeVideo  = "generate:video"
	TaskTypeSpeech = "generate:speech"
)

// GenerationService accepts generation requests, records the job in Redis
// and enqueues the work. Retrying is the orchestrator's business, so every
// task is enqueued with MaxRetry(0); a failed job stays failed until the
// caller resubmits.
type GenerationService struct {
	redis       *redis.Client
	asynqClient *asynq.Client
}

func NewGenerationService(redisClient *redis.Client, asynqClient *asynq.Client) *GenerationService {
	return &GenerationService{
		redis:       redisClient,
		asynqClient: asynqClient,
	}
}

// StartImages queues a storyboard image batch
func (s *GenerationService) StartImages(ctx context.Context, req *model.ImageStartRequest) (*model.StartResponse, error) {
	payload := &model.ImageJobPayload{Prompts: req.Prompts}
	return s.start(ctx, model.KindImage, TaskTypeImage, payload)
}

// StartVideo queues a batched image-to-video run
func (s *GenerationService) StartVideo(ctx context.Context, req *model.VideoStartRequest) (*model.StartResponse, error) {
	items := make([]model.VideoJobItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = model.VideoJobItem{ImagePath: item.ImagePath, Prompt: item.Prompt}
	}
	payload := &model.VideoJobPayload{
		Items: items,
		Params: model.VideoParams{
			DurationSeconds: req.DurationSeconds,
			FrameRate:       req.FrameRate,
		},
	}
	return s.start(ctx, model.KindVideo, TaskTypeVideo, payload)
}

// StartSpeech queues a narration job
func (s *GenerationService) StartSpeech(ctx context.Context, req *model.SpeechStartRequest) (*model.StartResponse, error) {
	payload := &model.SpeechJobPayload{
		Text:           req.Text,
		ReferenceAudio: req.ReferenceAudio,
	}
	return s.start(ctx, model.KindAudio, TaskTypeSpeech, payload)
}

func (s *GenerationService) start(ctx context.Context, kind model.ArtifactKind, taskType string, payload interface{}) (*model.StartResponse, error) {
	jobID := uuid.New().String()
	now := time.Now()

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := &model.Job{
		ID:        jobID,
		Kind:      kind,
		Status:    model.JobStatusQueued,
		Progress:  0,
		Payload:   payloadBytes,
		CreatedAt: now,
	}

	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := newGenerationTask(taskType, jobID, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// The engine is a single exclusive resource, so every kind shares one
	// queue with concurrency 1 on the worker side.
	_, err = s.asynqClient.Enqueue(task,
		asynq.Queue("generate"),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.StartResponse{
		JobID:     jobID,
		Kind:      kind,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
	}, nil
}

// GetStatus returns the current state of a generation job
func (s *GenerationService) GetStatus(ctx context.Context, jobID string) (*model.StatusResponse, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.StatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		RetryCount:  job.RetryCount,
	}, nil
}

// GetResult returns the result of a completed generation job
func (s *GenerationService) GetResult(ctx context.Context, jobID string) (*model.GenerationResult, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != model.JobStatusSucceeded {
		return nil, fmt.Errorf("job not completed")
	}

	var result model.GenerationResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return &result, nil
}

// Helper methods

func (s *GenerationService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf("job:%s", job.ID), data, 24*time.Hour).Err()
}

func (s *GenerationService) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, fmt.Sprintf("job:%s", jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("job not found")
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

func newGenerationTask(taskType, jobID string, payload []byte) (*asynq.Task, error) {
	taskPayload := map[string]interface{}{
		"jobId":   jobID,
		"payload": payload,
	}
	data, err := json.Marshal(taskPayload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}
