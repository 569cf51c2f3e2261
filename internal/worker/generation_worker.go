package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/storyreel/api/internal/model"
	"github.com/storyreel/api/internal/orchestrator"
	"github.com/storyreel/api/internal/service"
	"github.com/storyreel/api/internal/websocket"
)

// GenerationWorker processes generation jobs against the engine. All three
// task types funnel through the same single-concurrency queue because the
// engine cannot run two jobs at once.
type GenerationWorker struct {
	redis *redis.Client
	hub   *websocket.Hub
	orch  *orchestrator.Orchestrator
	sched *orchestrator.BatchScheduler
}

func NewGenerationWorker(redisClient *redis.Client, hub *websocket.Hub,
	orch *orchestrator.Orchestrator, sched *orchestrator.BatchScheduler) *GenerationWorker {
	return &GenerationWorker{
		redis: redisClient,
		hub:   hub,
		orch:  orch,
		sched: sched,
	}
}

type taskEnvelope struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// Step names shown to operators and pushed over the websocket
const (
	stepImages = "Generating storyboard images..."
	stepClips  = "Generating video clips..."
	stepSpeech = "Synthesizing narration..."
)

// ProcessImageTask generates one storyboard image per prompt, in order
func (w *GenerationWorker) ProcessImageTask(ctx context.Context, t *asynq.Task) error {
	env, err := decodeEnvelope(t)
	if err != nil {
		return err
	}

	var payload model.ImageJobPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		w.failJob(ctx, env.JobID, "IMAGE_FAILED", "Invalid payload")
		return fmt.Errorf("failed to unmarshal image payload: %w", err)
	}

	log.Printf("[Worker] image job %s: %d prompt(s)", env.JobID, len(payload.Prompts))
	w.updateJobStatus(ctx, env.JobID, model.JobStatusRunning, 0, stepImages)

	total := len(payload.Prompts)
	artifacts, err := w.orch.GenerateImages(ctx, payload.Prompts, func(done int, artifact *model.OutputArtifact) {
		progress := done * 100 / total
		step := fmt.Sprintf("Image %d/%d done", done, total)
		w.updateJobStatus(ctx, env.JobID, model.JobStatusRunning, progress, step)
		w.hub.BroadcastProgress(env.JobID, model.KindImage, progress, model.JobStatusRunning, step)
	})
	if err != nil {
		w.failJob(ctx, env.JobID, "IMAGE_FAILED", err.Error())
		return err
	}

	result := &model.GenerationResult{
		JobID:     env.JobID,
		Kind:      model.KindImage,
		Artifacts: artifacts,
		CreatedAt: time.Now(),
	}
	w.completeJob(ctx, env.JobID, result)
	w.hub.BroadcastComplete(env.JobID, result)

	log.Printf("[Worker] image job %s completed (%d artifacts)", env.JobID, len(artifacts))
	return nil
}

// ProcessVideoTask animates a batch of staged images. Per-clip failures do
// not fail the job; the result keeps a nil slot per failed clip.
func (w *GenerationWorker) ProcessVideoTask(ctx context.Context, t *asynq.Task) error {
	env, err := decodeEnvelope(t)
	if err != nil {
		return err
	}

	var payload model.VideoJobPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		w.failJob(ctx, env.JobID, "VIDEO_FAILED", "Invalid payload")
		return fmt.Errorf("failed to unmarshal video payload: %w", err)
	}

	log.Printf("[Worker] video job %s: %d clip(s)", env.JobID, len(payload.Items))
	w.updateJobStatus(ctx, env.JobID, model.JobStatusRunning, 0, stepClips)

	artifacts := w.sched.ProcessVideos(ctx, payload.Items, payload.Params, func(done, total int, step string) {
		progress := done * 100 / total
		w.updateJobStatus(ctx, env.JobID, model.JobStatusRunning, progress, step)
		w.hub.BroadcastProgress(env.JobID, model.KindVideo, progress, model.JobStatusRunning, step)
	})
	if ctx.Err() != nil {
		w.failJob(ctx, env.JobID, "VIDEO_FAILED", "Canceled")
		return ctx.Err()
	}

	succeeded := 0
	for _, a := range artifacts {
		if a != nil {
			succeeded++
		}
	}
	if succeeded == 0 {
		msg := fmt.Sprintf("all %d video clip(s) failed", len(payload.Items))
		w.failJob(ctx, env.JobID, "VIDEO_FAILED", msg)
		return fmt.Errorf("video job %s: %s", env.JobID, msg)
	}

	result := &model.GenerationResult{
		JobID:     env.JobID,
		Kind:      model.KindVideo,
		Artifacts: artifacts,
		CreatedAt: time.Now(),
	}
	w.completeJob(ctx, env.JobID, result)
	w.hub.BroadcastComplete(env.JobID, result)

	log.Printf("[Worker] video job %s completed (%d/%d clips)", env.JobID, succeeded, len(artifacts))
	return nil
}

// ProcessSpeechTask synthesizes narration and builds subtitles from the
// workflow's timestamps, falling back to a reading-speed estimate.
func (w *GenerationWorker) ProcessSpeechTask(ctx context.Context, t *asynq.Task) error {
	env, err := decodeEnvelope(t)
	if err != nil {
		return err
	}

	var payload model.SpeechJobPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		w.failJob(ctx, env.JobID, "SPEECH_FAILED", "Invalid payload")
		return fmt.Errorf("failed to unmarshal speech payload: %w", err)
	}

	log.Printf("[Worker] speech job %s: %d char(s)", env.JobID, len(payload.Text))
	w.updateJobStatus(ctx, env.JobID, model.JobStatusRunning, 10, stepSpeech)
	w.hub.BroadcastProgress(env.JobID, model.KindAudio, 10, model.JobStatusRunning, stepSpeech)

	baseName := fmt.Sprintf("narration_%d", time.Now().Unix())
	artifact, stamps, err := w.orch.GenerateSpeech(ctx, payload.Text, payload.ReferenceAudio, baseName)
	if err != nil {
		w.failJob(ctx, env.JobID, "SPEECH_FAILED", err.Error())
		return err
	}

	if len(stamps) == 0 {
		// Rough reading speed of 14 characters per second
		estimated := float64(len([]rune(payload.Text))) / 14.0
		stamps = service.EstimateTimestamps(payload.Text, estimated)
	}

	srt := service.BuildSRT(stamps)
	if srt != "" {
		srtPath := strings.TrimSuffix(artifact.Path, filepath.Ext(artifact.Path)) + ".srt"
		if err := os.WriteFile(srtPath, []byte(srt), 0o644); err != nil {
			log.Printf("[Worker] failed to write subtitles %s: %v", srtPath, err)
		}
	}

	result := &model.GenerationResult{
		JobID:     env.JobID,
		Kind:      model.KindAudio,
		Artifacts: []*model.OutputArtifact{artifact},
		Subtitles: srt,
		CreatedAt: time.Now(),
	}
	w.completeJob(ctx, env.JobID, result)
	w.hub.BroadcastComplete(env.JobID, result)

	log.Printf("[Worker] speech job %s completed", env.JobID)
	return nil
}

func decodeEnvelope(t *asynq.Task) (*taskEnvelope, error) {
	var env taskEnvelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	return &env, nil
}

func (w *GenerationWorker) updateJobStatus(ctx context.Context, jobID string, status model.JobStatus, progress int, step string) {
	job, err := w.getJob(ctx, jobID)
	if err != nil {
		log.Printf("[Worker] failed to get job %s: %v", jobID, err)
		return
	}

	job.Status = status
	job.Progress = progress
	job.CurrentStep = step

	if status == model.JobStatusRunning && job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}

	w.saveJob(ctx, job)
}

func (w *GenerationWorker) completeJob(ctx context.Context, jobID string, result *model.GenerationResult) {
	job, err := w.getJob(ctx, jobID)
	if err != nil {
		log.Printf("[Worker] failed to get job %s: %v", jobID, err)
		return
	}

	resultBytes, _ := json.Marshal(result)
	job.Status = model.JobStatusSucceeded
	job.Progress = 100
	job.CurrentStep = ""
	job.Result = resultBytes
	now := time.Now()
	job.CompletedAt = &now

	w.saveJob(ctx, job)
}

func (w *GenerationWorker) failJob(ctx context.Context, jobID, code, errMsg string) {
	job, err := w.getJob(ctx, jobID)
	if err != nil {
		log.Printf("[Worker] failed to get job %s: %v", jobID, err)
	} else {
		job.Status = model.JobStatusFailed
		job.Error = &errMsg
		now := time.Now()
		job.CompletedAt = &now
		w.saveJob(ctx, job)
	}
	w.hub.BroadcastError(jobID, code, errMsg)
}

func (w *GenerationWorker) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := w.redis.Get(ctx, fmt.Sprintf("job:%s", jobID)).Bytes()
	if err != nil {
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

func (w *GenerationWorker) saveJob(ctx context.Context, job *model.Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Printf("[Worker] failed to marshal job: %v", err)
		return
	}
	w.redis.Set(ctx, fmt.Sprintf("job:%s", job.ID), data, 24*time.Hour)
}
