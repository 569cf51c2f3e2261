package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/storyreel/api/internal/client"
	"github.com/storyreel/api/internal/model"
	"github.com/storyreel/api/internal/workflow"
)

const imageTemplateJSON = `{
	"1": {"class_type": "CLIPTextEncode", "inputs": {"text": "placeholder"}},
	"2": {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 8}},
	"3": {"class_type": "SaveImage", "inputs": {"images": ["2", 0]}}
}`

const speechTemplateJSON = `{
	"1": {"class_type": "MultiLinePromptIndex", "inputs": {"multi_line_prompt": "placeholder"}},
	"2": {"class_type": "SaveAudioMP3", "inputs": {"audio": ["1", 0]}}
}`

func TestStageInput(t *testing.T) {
	engine := &fakeEngine{pingOK: true}
	orch, cfg := newTestOrchestrator(t, engine)

	src := sourceImage(t, "frame.png")
	name, err := orch.StageInput(src)
	if err != nil {
		t.Fatalf("StageInput failed: %v", err)
	}

	if !strings.HasPrefix(name, "input_") || !strings.HasSuffix(name, "_frame.png") {
		t.Errorf("unexpected staged name %q", name)
	}
	if _, err := os.Stat(filepath.Join(cfg.Engine.InputDir, name)); err != nil {
		t.Errorf("staged file missing: %v", err)
	}

	if _, err := orch.StageInput(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("expected error staging a missing file")
	}
}

func TestGenerateImages_InOrder(t *testing.T) {
	engine := &fakeEngine{
		pingOK:      true,
		defaultData: bytes.Repeat([]byte("i"), 4096),
		outputs: client.Outputs{
			"3": {"images": refs(t, client.ArtifactRef{Filename: "out_00001.png", Type: "output"})},
		},
	}
	orch, _ := newTestOrchestrator(t, engine)

	var progressed []int
	artifacts, err := orch.GenerateImages(context.Background(), []string{"a fox", "a lake"}, func(done int, _ *model.OutputArtifact) {
		progressed = append(progressed, done)
	})
	if err != nil {
		t.Fatalf("GenerateImages failed: %v", err)
	}

	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}
	if !strings.HasSuffix(artifacts[0].Path, "storyboard_001.png") {
		t.Errorf("unexpected first artifact path %s", artifacts[0].Path)
	}
	if len(progressed) != 2 || progressed[0] != 1 || progressed[1] != 2 {
		t.Errorf("unexpected progress callbacks %v", progressed)
	}
	if got := engine.queueCount(); got != 2 {
		t.Errorf("expected 2 submissions, got %d", got)
	}
}

func TestGenerateImage_MalformedTemplateNotRetried(t *testing.T) {
	engine := &fakeEngine{pingOK: true}
	orch, cfg := newTestOrchestrator(t, engine)

	// A dangling link reference fails template validation on every load.
	broken := `{"3": {"class_type": "SaveImage", "inputs": {"images": ["9", 0]}}}`
	if err := os.WriteFile(cfg.Workflows.ImagePath(), []byte(broken), 0o644); err != nil {
		t.Fatalf("failed to write broken template: %v", err)
	}

	_, err := orch.GenerateImage(context.Background(), "a fox", "storyboard_001")

	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalError, got %v", err)
	}
	if terminal.Attempts != 1 {
		t.Errorf("expected a single attempt, got %d", terminal.Attempts)
	}
	var conv *workflow.ConversionError
	if !errors.As(err, &conv) {
		t.Errorf("expected ConversionError preserved, got %v", err)
	}
	if got := engine.queueCount(); got != 0 {
		t.Errorf("expected nothing submitted for a broken template, got %d", got)
	}
}

func TestGenerateImages_AbortsOnTerminalFailure(t *testing.T) {
	engine := &fakeEngine{pingOK: true, waitErr: client.ErrPollTimeout}
	orch, _ := newTestOrchestrator(t, engine)

	_, err := orch.GenerateImages(context.Background(), []string{"a fox", "a lake"}, nil)
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalError, got %v", err)
	}
}

func TestGenerateSpeech_WithTimestamps(t *testing.T) {
	stampJSON, _ := json.Marshal([]model.SentenceTimestamp{
		{Text: "Hello there.", Start: 0, End: 1.5},
	})
	engine := &fakeEngine{
		pingOK:      true,
		defaultData: bytes.Repeat([]byte("s"), 20*1024),
		outputs: client.Outputs{
			"2": {
				"audio":      refs(t, client.ArtifactRef{Filename: "speech.mp3", Type: "output"}),
				"timestamps": stampJSON,
			},
		},
	}
	orch, _ := newTestOrchestrator(t, engine)

	artifact, stamps, err := orch.GenerateSpeech(context.Background(), "Hello there.", "", "narration_001")
	if err != nil {
		t.Fatalf("GenerateSpeech failed: %v", err)
	}
	if artifact.Kind != model.KindAudio {
		t.Errorf("expected audio artifact, got %s", artifact.Kind)
	}
	if len(stamps) != 1 || stamps[0].Text != "Hello there." {
		t.Errorf("unexpected timestamps %+v", stamps)
	}
}

func TestGenerateSpeech_StagesReferenceAudio(t *testing.T) {
	engine := &fakeEngine{
		pingOK:      true,
		defaultData: bytes.Repeat([]byte("s"), 20*1024),
		outputs: client.Outputs{
			"2": {"audio": refs(t, client.ArtifactRef{Filename: "speech.mp3", Type: "output"})},
		},
	}
	orch, cfg := newTestOrchestrator(t, engine)

	ref := filepath.Join(t.TempDir(), "voice.wav")
	if err := os.WriteFile(ref, bytes.Repeat([]byte("r"), 1024), 0o644); err != nil {
		t.Fatalf("failed to write reference audio: %v", err)
	}

	if _, _, err := orch.GenerateSpeech(context.Background(), "Hello.", ref, "narration_001"); err != nil {
		t.Fatalf("GenerateSpeech failed: %v", err)
	}

	entries, err := os.ReadDir(cfg.Engine.InputDir)
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected reference audio staged in engine input dir (err %v)", err)
	}
	if !strings.HasSuffix(entries[0].Name(), "_voice.wav") {
		t.Errorf("unexpected staged name %s", entries[0].Name())
	}
}
