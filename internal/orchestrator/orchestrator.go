package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/storyreel/api/internal/client"
	"github.com/storyreel/api/internal/config"
	"github.com/storyreel/api/internal/model"
	"github.com/storyreel/api/internal/workflow"
)

// Orchestrator drives the engine through one submit→poll→resolve unit per
// job, wrapped in the retry controller. The engine is a single exclusive
// resource: everything here is synchronous and blocking, and no two jobs
// are ever in flight at once from this process.
type Orchestrator struct {
	engine   client.Engine
	resolver *Resolver
	retry    *Controller
	cfg      *config.Config
}

func New(engine client.Engine, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		resolver: NewResolver(engine, cfg.Engine.OutputDir),
		retry:    NewController(engine),
		cfg:      cfg,
	}
}

// Retry exposes the controller for the batch scheduler's recovery waits
func (o *Orchestrator) Retry() *Controller { return o.retry }

// Engine exposes the client for liveness probes
func (o *Orchestrator) Engine() client.Engine { return o.engine }

// StageInput copies a source file into the engine's staged-input
// directory under a timestamped name and returns the bare filename the
// graph should reference. The staged directory is append-only from our
// side; engine-owned files are never deleted.
func (o *Orchestrator) StageInput(src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("source file for staging: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source %s is a directory", src)
	}

	name := fmt.Sprintf("input_%d_%s", time.Now().UnixMilli(), filepath.Base(src))
	dest := filepath.Join(o.cfg.Engine.InputDir, name)
	if err := copyFile(src, dest); err != nil {
		return "", fmt.Errorf("failed to stage %s into engine input dir: %w", src, err)
	}
	log.Printf("[Orchestrator] staged %s as %s", filepath.Base(src), name)
	return name, nil
}

// runJob is the single unit of work the retry controller wraps: liveness
// check, template load, parameterize, queue, poll, resolve.
func (o *Orchestrator) runJob(ctx context.Context, templatePath string, params workflow.Params,
	kind model.ArtifactKind, destDir, baseName string, timeout time.Duration) (*model.OutputArtifact, client.Outputs, error) {

	if !o.engine.Ping(ctx) {
		return nil, nil, fmt.Errorf("engine liveness probe failed, connection refused or engine down")
	}

	tmpl, err := workflow.Load(templatePath)
	if err != nil {
		return nil, nil, err
	}
	graph, err := tmpl.Parameterize(params)
	if err != nil {
		return nil, nil, err
	}

	submittedAt := time.Now()
	promptID, err := o.engine.QueuePrompt(ctx, graph)
	if err != nil {
		return nil, nil, err
	}

	outputs, err := o.engine.WaitForOutputs(ctx, promptID, timeout)
	if err != nil {
		return nil, nil, err
	}

	artifact, err := o.resolver.Resolve(ctx, ResolveRequest{
		Kind:        kind,
		Outputs:     outputs,
		Roles:       tmpl.Roles,
		DestDir:     destDir,
		BaseName:    baseName,
		SubmittedAt: submittedAt,
		PollTimeout: timeout,
	})
	if err != nil {
		return nil, outputs, err
	}
	return artifact, outputs, nil
}

// GenerateImage produces one storyboard image for a prompt
func (o *Orchestrator) GenerateImage(ctx context.Context, prompt, baseName string) (*model.OutputArtifact, error) {
	policy := RetryPolicy{
		MaxRetries: o.cfg.Generate.ImageRetries,
		Backoff:    LinearBackoff(o.cfg.Generate.ImageBackoff),
	}
	return o.retry.Run(ctx, "storyboard image "+baseName, prompt, policy, func(ctx context.Context) (*model.OutputArtifact, error) {
		artifact, _, err := o.runJob(ctx, o.cfg.Workflows.ImagePath(), workflow.Params{
			Prompt: prompt,
		}, model.KindImage, o.cfg.Storage.StoryboardsDir, baseName, o.cfg.Generate.ImageTimeout)
		return artifact, err
	})
}

// GenerateImages produces one image per prompt, strictly in order. A
// prompt that exhausts its retries aborts the run with a terminal error;
// partial storyboards are useless downstream.
func (o *Orchestrator) GenerateImages(ctx context.Context, prompts []string,
	progress func(done int, artifact *model.OutputArtifact)) ([]*model.OutputArtifact, error) {

	artifacts := make([]*model.OutputArtifact, 0, len(prompts))
	for i, prompt := range prompts {
		baseName := fmt.Sprintf("storyboard_%03d", i+1)
		artifact, err := o.GenerateImage(ctx, prompt, baseName)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
		if progress != nil {
			progress(i+1, artifact)
		}
	}
	return artifacts, nil
}

// GenerateSpeech synthesizes narration for text, optionally cloning the
// voice from a staged reference sample. Returns the audio artifact plus
// any per-sentence timestamps the workflow reported.
func (o *Orchestrator) GenerateSpeech(ctx context.Context, text, referenceAudio, baseName string) (*model.OutputArtifact, []model.SentenceTimestamp, error) {
	var stagedRef string
	if referenceAudio != "" {
		var err error
		stagedRef, err = o.StageInput(referenceAudio)
		if err != nil {
			return nil, nil, err
		}
	}

	policy := RetryPolicy{
		MaxRetries: o.cfg.Generate.SpeechRetries,
		Backoff:    LinearBackoff(o.cfg.Generate.ImageBackoff),
	}

	var lastOutputs client.Outputs
	artifact, err := o.retry.Run(ctx, "narration "+baseName, text, policy, func(ctx context.Context) (*model.OutputArtifact, error) {
		artifact, outputs, err := o.runJob(ctx, o.cfg.Workflows.SpeechPath(), workflow.Params{
			Prompt:         text,
			ReferenceAudio: stagedRef,
		}, model.KindAudio, o.cfg.Storage.AudioDir, baseName, o.cfg.Generate.SpeechTimeout)
		if outputs != nil {
			lastOutputs = outputs
		}
		return artifact, err
	})
	if err != nil {
		return nil, nil, err
	}
	return artifact, ExtractTimestamps(lastOutputs), nil
}

// GenerateVideoClip animates one staged source image. uniqueName must be
// collision-proof (the scheduler generates it) so that same-second
// retries never overwrite a prior clip.
func (o *Orchestrator) GenerateVideoClip(ctx context.Context, item model.VideoJobItem, params model.VideoParams, uniqueName string) (*model.OutputArtifact, error) {
	stagedImage, err := o.StageInput(item.ImagePath)
	if err != nil {
		return nil, err
	}

	duration := params.DurationSeconds
	if duration <= 0 {
		duration = 5
	}
	frameRate := params.FrameRate
	if frameRate <= 0 {
		frameRate = 18
	}
	log.Printf("[Orchestrator] video clip %s: %.1fs at %dfps (%d frames)",
		uniqueName, duration, frameRate, int(duration*float64(frameRate)))

	policy := RetryPolicy{
		MaxRetries: o.cfg.Generate.VideoRetries,
		Backoff:    LinearBackoff(o.cfg.Generate.VideoBackoff),
	}
	return o.retry.Run(ctx, "video clip "+uniqueName, item.Prompt, policy, func(ctx context.Context) (*model.OutputArtifact, error) {
		artifact, _, err := o.runJob(ctx, o.cfg.Workflows.VideoPath(), workflow.Params{
			Prompt:          item.Prompt,
			ImageFilename:   stagedImage,
			DurationSeconds: duration,
			FrameRate:       frameRate,
			CheckpointName:  o.cfg.Generate.CheckpointName,
			FilenamePrefix:  uniqueName,
		}, model.KindVideo, o.cfg.Storage.VideoClipsDir, uniqueName, o.cfg.Generate.VideoTimeout)
		return artifact, err
	})
}
