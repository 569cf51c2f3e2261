package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/storyreel/api/internal/client"
	"github.com/storyreel/api/internal/config"
	"github.com/storyreel/api/internal/model"
)

const videoTemplateJSON = `{
	"1": {"class_type": "LoadImage", "inputs": {"image": "placeholder.png"}},
	"2": {"class_type": "WanImageToVideo", "inputs": {"length": 81, "width": 480, "height": 480, "batch_size": 1}},
	"3": {"class_type": "VHS_VideoCombine", "inputs": {"frame_rate": 18, "filename_prefix": "video", "format": "video/h264-mp4", "save_output": true}}
}`

func newTestOrchestrator(t *testing.T, engine *fakeEngine) (*Orchestrator, *config.Config) {
	t.Helper()
	root := t.TempDir()

	templates := map[string]string{
		"image_to_video.json":    videoTemplateJSON,
		"text_to_image_api.json": imageTemplateJSON,
		"tts_dialogue.json":      speechTemplateJSON,
	}
	for name, content := range templates {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write template %s: %v", name, err)
		}
	}

	cfg := &config.Config{
		Engine: config.EngineConfig{
			Host:      "127.0.0.1",
			Port:      8188,
			InputDir:  filepath.Join(root, "engine_input"),
			OutputDir: filepath.Join(root, "engine_output"),
		},
		Storage: config.StorageConfig{
			TempDir:        filepath.Join(root, "temp"),
			StoryboardsDir: filepath.Join(root, "storyboards"),
			VideoClipsDir:  filepath.Join(root, "video_clips"),
			AudioDir:       filepath.Join(root, "audio"),
		},
		Workflows: config.WorkflowConfig{
			Dir:    root,
			Image:  "text_to_image_api.json",
			Video:  "image_to_video.json",
			Speech: "tts_dialogue.json",
		},
		Generate: config.GenerateConfig{
			ImageTimeout:  time.Second,
			SpeechTimeout: time.Second,
			VideoTimeout:  time.Second,
			ImageRetries:  1,
			SpeechRetries: 1,
			VideoRetries:  1,
			ImageBackoff:  time.Millisecond,
			VideoBackoff:  time.Millisecond,
			BatchSize:     1,
		},
	}

	orch := New(engine, cfg)
	orch.retry.recoveryWait = 10 * time.Millisecond
	orch.retry.recoveryProbe = time.Millisecond
	orch.retry.sleep = func(time.Duration) {}
	orch.resolver.sleep = func(time.Duration) {}
	return orch, cfg
}

func newTestScheduler(t *testing.T, orch *Orchestrator, cfg *config.Config) *BatchScheduler {
	t.Helper()
	monitor := NewResourceMonitor(config.MonitorConfig{
		Interval:       time.Minute,
		MemoryWarning:  101,
		MemoryCritical: 101,
		TempFileMaxAge: time.Hour,
	}, []string{cfg.Storage.TempDir})
	monitor.cpuSample = 0

	s := NewBatchScheduler(orch, monitor, cfg.Generate.BatchSize)
	s.sleep = func(time.Duration) {}
	return s
}

func sourceImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, bytes.Repeat([]byte("p"), 2048), 0o644); err != nil {
		t.Fatalf("failed to write source image: %v", err)
	}
	return path
}

func clipOutputs(t *testing.T) client.Outputs {
	t.Helper()
	return client.Outputs{
		"3": {"gifs": refs(t, client.ArtifactRef{Filename: "clip_00001.mp4", Type: "output"})},
	}
}

func TestProcessVideos_OneCyclePerJob(t *testing.T) {
	engine := &fakeEngine{pingOK: true, defaultData: bytes.Repeat([]byte("v"), 200*1024)}
	engine.outputs = clipOutputs(t)
	orch, cfg := newTestOrchestrator(t, engine)
	s := newTestScheduler(t, orch, cfg)

	items := []model.VideoJobItem{
		{ImagePath: sourceImage(t, "a.png"), Prompt: "pan left"},
		{ImagePath: sourceImage(t, "b.png"), Prompt: "zoom in"},
		{ImagePath: sourceImage(t, "c.png"), Prompt: "tilt up"},
	}

	results := s.ProcessVideos(context.Background(), items, model.VideoParams{DurationSeconds: 5, FrameRate: 18}, nil)

	if len(results) != 3 {
		t.Fatalf("expected 3 result slots, got %d", len(results))
	}
	for i, r := range results {
		if r == nil {
			t.Errorf("expected clip %d to succeed", i)
			continue
		}
		if _, err := os.Stat(r.Path); err != nil {
			t.Errorf("clip %d artifact missing: %v", i, err)
		}
	}
	if got := engine.queueCount(); got != 3 {
		t.Errorf("expected exactly 3 submissions, got %d", got)
	}
}

func TestProcessVideos_MissingSourceSkipped(t *testing.T) {
	engine := &fakeEngine{pingOK: true, defaultData: bytes.Repeat([]byte("v"), 200*1024)}
	engine.outputs = clipOutputs(t)
	orch, cfg := newTestOrchestrator(t, engine)
	s := newTestScheduler(t, orch, cfg)

	items := []model.VideoJobItem{
		{ImagePath: filepath.Join(t.TempDir(), "missing.png"), Prompt: "pan left"},
		{ImagePath: sourceImage(t, "b.png"), Prompt: "zoom in"},
	}

	results := s.ProcessVideos(context.Background(), items, model.VideoParams{}, nil)

	if results[0] != nil {
		t.Errorf("expected missing-source job to yield nil")
	}
	if results[1] == nil {
		t.Errorf("expected second job to succeed")
	}
	if got := engine.queueCount(); got != 1 {
		t.Errorf("expected 1 submission, got %d", got)
	}
}

func TestProcessVideos_AbortsWhenEngineDown(t *testing.T) {
	engine := &fakeEngine{pingOK: false}
	orch, cfg := newTestOrchestrator(t, engine)
	s := newTestScheduler(t, orch, cfg)

	items := []model.VideoJobItem{
		{ImagePath: sourceImage(t, "a.png"), Prompt: "pan left"},
		{ImagePath: sourceImage(t, "b.png"), Prompt: "zoom in"},
		{ImagePath: sourceImage(t, "c.png"), Prompt: "tilt up"},
	}

	results := s.ProcessVideos(context.Background(), items, model.VideoParams{}, nil)

	if len(results) != 3 {
		t.Fatalf("expected 3 result slots, got %d", len(results))
	}
	for i, r := range results {
		if r != nil {
			t.Errorf("expected slot %d nil after abort, got %+v", i, r)
		}
	}
	if got := engine.queueCount(); got != 0 {
		t.Errorf("expected no submissions against a dead engine, got %d", got)
	}
}

func TestUniqueClipName(t *testing.T) {
	a := UniqueClipName("scene_001")
	b := UniqueClipName("scene_001")
	if a == b {
		t.Errorf("expected distinct names, got %q twice", a)
	}
	if !strings.HasPrefix(a, "scene_001_") {
		t.Errorf("expected stem prefix, got %q", a)
	}
}

func TestClipStem(t *testing.T) {
	if got := clipStem("/data/storyboards/scene_001.png"); got != "scene_001" {
		t.Errorf("clipStem = %q, want scene_001", got)
	}
}
