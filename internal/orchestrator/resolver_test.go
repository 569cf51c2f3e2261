package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storyreel/api/internal/client"
	"github.com/storyreel/api/internal/model"
	"github.com/storyreel/api/internal/workflow"
)

// fakeEngine is an in-memory client.Engine for orchestrator tests
type fakeEngine struct {
	mu          sync.Mutex
	pingOK      bool
	queueCalls  int
	queueErr    error
	outputs     client.Outputs
	waitErr     error
	data        map[string][]byte
	defaultData []byte
	downloaded  []string
}

func (f *fakeEngine) Ping(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingOK
}

func (f *fakeEngine) QueuePrompt(ctx context.Context, graph workflow.Graph) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return "", f.queueErr
	}
	f.queueCalls++
	return "prompt-1", nil
}

func (f *fakeEngine) WaitForOutputs(ctx context.Context, promptID string, timeout time.Duration) (client.Outputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return f.outputs, nil
}

func (f *fakeEngine) Download(ctx context.Context, ref client.ArtifactRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloaded = append(f.downloaded, ref.Filename)
	if data, ok := f.data[ref.Filename]; ok {
		return data, nil
	}
	return f.defaultData, nil
}

func (f *fakeEngine) ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	return nil, nil
}

func (f *fakeEngine) queueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queueCalls
}

func refs(t *testing.T, entries ...client.ArtifactRef) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("failed to marshal refs: %v", err)
	}
	return data
}

func testResolver(engine client.Engine, outputDir string) *Resolver {
	r := NewResolver(engine, outputDir)
	r.sleep = func(time.Duration) {}
	return r
}

func writeSized(t *testing.T, path string, size int, modTime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(path, modTime, modTime); err != nil {
			t.Fatalf("chtimes failed: %v", err)
		}
	}
}

func TestResolve_AudioPrefersSaveRoleOverPreview(t *testing.T) {
	engine := &fakeEngine{defaultData: bytes.Repeat([]byte("a"), 20*1024)}
	r := testResolver(engine, t.TempDir())
	destDir := t.TempDir()

	artifact, err := r.Resolve(context.Background(), ResolveRequest{
		Kind: model.KindAudio,
		Outputs: client.Outputs{
			"13": {"audio": refs(t, client.ArtifactRef{Filename: "echo.wav", Type: "output"})},
			"2":  {"audio": refs(t, client.ArtifactRef{Filename: "synth.wav", Type: "output"})},
		},
		Roles: workflow.Roles{
			workflow.RoleAudioSave:    {"2"},
			workflow.RoleAudioPreview: {"13"},
		},
		DestDir:     destDir,
		BaseName:    "narration_001",
		SubmittedAt: time.Now(),
		PollTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(engine.downloaded) == 0 || engine.downloaded[0] != "synth.wav" {
		t.Errorf("expected save-role output downloaded first, got %v", engine.downloaded)
	}
	if artifact.Source != model.SourceAPIDownload {
		t.Errorf("expected api_download source, got %s", artifact.Source)
	}
	if !strings.HasSuffix(artifact.Path, "narration_001.wav") {
		t.Errorf("unexpected artifact path %s", artifact.Path)
	}
}

func TestResolve_SkipsTempAudioRefs(t *testing.T) {
	engine := &fakeEngine{defaultData: bytes.Repeat([]byte("a"), 20*1024)}
	r := testResolver(engine, t.TempDir())

	_, err := r.Resolve(context.Background(), ResolveRequest{
		Kind: model.KindAudio,
		Outputs: client.Outputs{
			"13": {"audio": refs(t,
				client.ArtifactRef{Filename: "reference_echo.wav", Type: "temp"},
				client.ArtifactRef{Filename: "generated.wav", Type: "output"},
			)},
		},
		Roles:       workflow.Roles{},
		DestDir:     t.TempDir(),
		BaseName:    "narration_001",
		SubmittedAt: time.Now(),
		PollTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	for _, name := range engine.downloaded {
		if name == "reference_echo.wav" {
			t.Errorf("temp ref should have been skipped, downloads: %v", engine.downloaded)
		}
	}
}

func TestResolve_TooSmallDownloadFallsBackToScan(t *testing.T) {
	engine := &fakeEngine{defaultData: []byte("tiny")}
	engineOut := t.TempDir()
	r := testResolver(engine, engineOut)
	destDir := t.TempDir()

	now := time.Now()
	writeSized(t, filepath.Join(engineOut, "audio", "fallback.wav"), 20*1024, now)

	artifact, err := r.Resolve(context.Background(), ResolveRequest{
		Kind: model.KindAudio,
		Outputs: client.Outputs{
			"2": {"audio": refs(t, client.ArtifactRef{Filename: "synth.wav", Type: "output"})},
		},
		Roles:       workflow.Roles{workflow.RoleAudioSave: {"2"}},
		DestDir:     destDir,
		BaseName:    "narration_001",
		SubmittedAt: now,
		PollTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if artifact.Source != model.SourceFilesystemFallback {
		t.Errorf("expected filesystem_fallback source, got %s", artifact.Source)
	}
	if artifact.SizeBytes != 20*1024 {
		t.Errorf("expected fallback file copied, got %d bytes", artifact.SizeBytes)
	}
}

func TestResolve_DownloadAtMinimumSizeRejected(t *testing.T) {
	// Exactly the kind minimum is still a failed generation; only files
	// strictly above it pass.
	engine := &fakeEngine{defaultData: bytes.Repeat([]byte("a"), int(model.KindAudio.MinSize(false)))}
	engineOut := t.TempDir()
	r := testResolver(engine, engineOut)

	now := time.Now()
	writeSized(t, filepath.Join(engineOut, "fallback.wav"), 20*1024, now)

	artifact, err := r.Resolve(context.Background(), ResolveRequest{
		Kind: model.KindAudio,
		Outputs: client.Outputs{
			"2": {"audio": refs(t, client.ArtifactRef{Filename: "synth.wav", Type: "output"})},
		},
		Roles:       workflow.Roles{workflow.RoleAudioSave: {"2"}},
		DestDir:     t.TempDir(),
		BaseName:    "narration_001",
		SubmittedAt: now,
		PollTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if artifact.Source != model.SourceFilesystemFallback {
		t.Errorf("expected boundary-size download rejected in favor of scan, got %s", artifact.Source)
	}
}

func TestResolve_VideoAcceptsMP4UnderGifsKey(t *testing.T) {
	engine := &fakeEngine{defaultData: bytes.Repeat([]byte("v"), 200*1024)}
	r := testResolver(engine, t.TempDir())
	destDir := t.TempDir()

	artifact, err := r.Resolve(context.Background(), ResolveRequest{
		Kind: model.KindVideo,
		Outputs: client.Outputs{
			"3": {"gifs": refs(t, client.ArtifactRef{Filename: "clip_00001.mp4", Type: "output"})},
		},
		Roles:       workflow.Roles{workflow.RoleVideoCombine: {"3"}},
		DestDir:     destDir,
		BaseName:    "scene_001",
		SubmittedAt: time.Now(),
		PollTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if !strings.HasSuffix(artifact.Path, "scene_001.mp4") {
		t.Errorf("expected mp4 saved verbatim, got %s", artifact.Path)
	}
	if artifact.Source != model.SourceAPIDownload {
		t.Errorf("expected api_download source, got %s", artifact.Source)
	}
}

func TestScan_PicksNewestInsideWindow(t *testing.T) {
	engine := &fakeEngine{}
	engineOut := t.TempDir()
	r := testResolver(engine, engineOut)

	submitted := time.Now().Add(-time.Minute)
	writeSized(t, filepath.Join(engineOut, "early.mp4"), 200*1024, submitted.Add(10*time.Second))
	writeSized(t, filepath.Join(engineOut, "late.mp4"), 300*1024, submitted.Add(20*time.Second))
	writeSized(t, filepath.Join(engineOut, "thumb.mp4"), 10*1024, submitted.Add(25*time.Second))

	artifact, err := r.resolveViaScan(ResolveRequest{
		Kind:        model.KindVideo,
		DestDir:     t.TempDir(),
		BaseName:    "scene_001",
		SubmittedAt: submitted,
		PollTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("resolveViaScan failed: %v", err)
	}

	if artifact.SizeBytes != 300*1024 {
		t.Errorf("expected newest window file (300KB) copied, got %d bytes", artifact.SizeBytes)
	}
}

func TestScan_RelaxesWindowToRecentFiles(t *testing.T) {
	engine := &fakeEngine{}
	engineOut := t.TempDir()
	r := testResolver(engine, engineOut)

	// Written before the job's window opened, but recently enough for the
	// relaxed last-10-minutes pass.
	writeSized(t, filepath.Join(engineOut, "stale_clock.mp4"), 200*1024, time.Now().Add(-2*time.Minute))

	artifact, err := r.resolveViaScan(ResolveRequest{
		Kind:        model.KindVideo,
		DestDir:     t.TempDir(),
		BaseName:    "scene_001",
		SubmittedAt: time.Now(),
		PollTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("resolveViaScan failed: %v", err)
	}
	if artifact.Source != model.SourceFilesystemFallback {
		t.Errorf("expected filesystem_fallback source, got %s", artifact.Source)
	}
}

func TestScan_NothingFound(t *testing.T) {
	engine := &fakeEngine{}
	r := testResolver(engine, t.TempDir())

	_, err := r.resolveViaScan(ResolveRequest{
		Kind:        model.KindVideo,
		DestDir:     t.TempDir(),
		BaseName:    "scene_001",
		SubmittedAt: time.Now(),
		PollTimeout: time.Minute,
	})
	if !errors.Is(err, ErrOutputNotFound) {
		t.Fatalf("expected ErrOutputNotFound, got %v", err)
	}
}

func TestExtractTimestamps(t *testing.T) {
	stampJSON, _ := json.Marshal([]model.SentenceTimestamp{
		{Text: "First sentence.", Start: 0, End: 2.5},
		{Text: "Second sentence.", Start: 2.5, End: 5},
	})
	outputs := client.Outputs{
		"7": {"audio": refs(t, client.ArtifactRef{Filename: "a.wav"})},
		"8": {"timestamps": stampJSON},
	}

	stamps := ExtractTimestamps(outputs)
	if len(stamps) != 2 {
		t.Fatalf("expected 2 timestamps, got %d", len(stamps))
	}
	if stamps[1].Text != "Second sentence." || stamps[1].End != 5 {
		t.Errorf("unexpected timestamp: %+v", stamps[1])
	}

	if got := ExtractTimestamps(client.Outputs{}); got != nil {
		t.Errorf("expected nil for empty outputs, got %v", got)
	}
}
