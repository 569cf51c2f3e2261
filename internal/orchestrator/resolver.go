package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/storyreel/api/internal/client"
	"github.com/storyreel/api/internal/model"
	"github.com/storyreel/api/internal/workflow"
)

// ErrOutputNotFound means neither the engine's declared outputs nor the
// filesystem fallback produced a usable artifact.
var ErrOutputNotFound = errors.New("no usable output artifact found")

// ArtifactTooSmallError marks a resolved file below the kind minimum. A
// sub-minimum file is a failed generation, not a successful small file.
type ArtifactTooSmallError struct {
	Path string
	Size int64
	Min  int64
}

func (e *ArtifactTooSmallError) Error() string {
	return fmt.Sprintf("artifact %s is %d bytes, below the %d byte minimum", e.Path, e.Size, e.Min)
}

// Resolver locates the artifact a finished job produced. It first walks the
// job's declared outputs in kind-specific priority order and downloads via
// the engine API; when the engine's bookkeeping is missing or stale it
// falls back to scanning the engine's own output directory with a
// time-window heuristic.
type Resolver struct {
	engine          client.Engine
	engineOutputDir string

	// sleep is swappable for tests
	sleep func(time.Duration)
}

func NewResolver(engine client.Engine, engineOutputDir string) *Resolver {
	return &Resolver{
		engine:          engine,
		engineOutputDir: engineOutputDir,
		sleep:           time.Sleep,
	}
}

// ResolveRequest describes one finished job awaiting artifact recovery
type ResolveRequest struct {
	Kind        model.ArtifactKind
	Outputs     client.Outputs
	Roles       workflow.Roles
	DestDir     string
	BaseName    string
	SubmittedAt time.Time
	PollTimeout time.Duration
}

// Resolve returns the job's artifact or ErrOutputNotFound. Callers should
// re-validate existence and size immediately after: the fallback copy can
// race with the engine still writing the file.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*model.OutputArtifact, error) {
	if len(req.Outputs) > 0 {
		artifact, err := r.resolveViaAPI(ctx, req)
		if err == nil {
			return artifact, nil
		}
		log.Printf("[Resolver] API resolution failed (%v), falling back to output-dir scan", err)
	} else {
		log.Printf("[Resolver] job declared no outputs, falling back to output-dir scan")
	}
	return r.resolveViaScan(req)
}

// resolveViaAPI walks declared outputs in priority order and downloads the
// first candidate that survives the size gate.
func (r *Resolver) resolveViaAPI(ctx context.Context, req ResolveRequest) (*model.OutputArtifact, error) {
	var lastErr error
	for _, cand := range r.candidates(req) {
		artifact, err := r.download(ctx, req, cand)
		if err != nil {
			log.Printf("[Resolver] candidate %s from node %s rejected: %v", cand.ref.Filename, cand.nodeID, err)
			lastErr = err
			continue
		}
		return artifact, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrOutputNotFound
}

// candidate is one declared artifact reference plus how to treat it
type candidate struct {
	nodeID string
	ref    client.ArtifactRef
	isGIF  bool
}

// candidates orders the declared outputs by kind-specific priority.
//
// Audio: the template's save-role node wins over any preview node, because
// a preview may simply echo the input reference audio; preview refs typed
// "temp" are skipped outright. Video: the combine-role node wins, and a
// "gifs" list is accepted since the engine may mislabel an MP4 — detection
// is by filename extension, not by the declared kind key.
func (r *Resolver) candidates(req ResolveRequest) []candidate {
	var out []candidate

	appendRefs := func(nodeID, key string, skipTemp bool) {
		node, ok := req.Outputs[nodeID]
		if !ok {
			return
		}
		for _, ref := range node.Refs(key) {
			if skipTemp && ref.Type == "temp" {
				log.Printf("[Resolver] skipping temp ref %s (likely reference audio echo)", ref.Filename)
				continue
			}
			out = append(out, candidate{
				nodeID: nodeID,
				ref:    ref,
				isGIF:  key == "gifs" && !hasVideoExtension(ref.Filename),
			})
		}
	}

	// Deterministic walk order for the non-priority nodes.
	nodeIDs := make([]string, 0, len(req.Outputs))
	for id := range req.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	switch req.Kind {
	case model.KindAudio:
		if save := req.Roles.First(workflow.RoleAudioSave); save != "" {
			appendRefs(save, "audio", false)
		}
		for _, id := range nodeIDs {
			if id == req.Roles.First(workflow.RoleAudioSave) {
				continue
			}
			appendRefs(id, "audio", true)
		}

	case model.KindVideo:
		combine := req.Roles.First(workflow.RoleVideoCombine)
		if combine != "" {
			appendRefs(combine, "videos", false)
			appendRefs(combine, "gifs", false)
		}
		for _, id := range nodeIDs {
			if id == combine {
				continue
			}
			appendRefs(id, "videos", false)
		}

	case model.KindImage:
		if save := req.Roles.First(workflow.RoleImageSave); save != "" {
			appendRefs(save, "images", false)
		}
		for _, id := range nodeIDs {
			if id == req.Roles.First(workflow.RoleImageSave) {
				continue
			}
			appendRefs(id, "images", false)
		}
	}

	return out
}

func (r *Resolver) download(ctx context.Context, req ResolveRequest, cand candidate) (*model.OutputArtifact, error) {
	data, err := r.engine.Download(ctx, cand.ref)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(cand.ref.Filename))
	if ext == "" {
		ext = req.Kind.CanonicalExtension()
	}

	if cand.isGIF && req.Kind == model.KindVideo {
		return r.saveGIFAsVideo(req, data)
	}

	dest := filepath.Join(req.DestDir, req.BaseName+ext)
	if err := writeArtifact(dest, data); err != nil {
		return nil, err
	}
	return r.finish(req.Kind, dest, false, model.SourceAPIDownload)
}

// saveGIFAsVideo transcodes a GIF download to MP4 via ffmpeg. When ffmpeg
// is unavailable the GIF bytes are copied verbatim as a pragmatic last
// resort so the pipeline can keep moving.
func (r *Resolver) saveGIFAsVideo(req ResolveRequest, data []byte) (*model.OutputArtifact, error) {
	tmpGIF := filepath.Join(req.DestDir, req.BaseName+"_temp.gif")
	if err := writeArtifact(tmpGIF, data); err != nil {
		return nil, err
	}
	defer os.Remove(tmpGIF)

	dest := filepath.Join(req.DestDir, req.BaseName+".mp4")
	cmd := exec.Command("ffmpeg",
		"-i", tmpGIF,
		"-vf", "fps=18",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y", dest,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("[Resolver] ffmpeg transcode failed (%v: %s), keeping GIF bytes verbatim", err, firstLine(out))
		dest = filepath.Join(req.DestDir, req.BaseName+".gif")
		if err := writeArtifact(dest, data); err != nil {
			return nil, err
		}
	}
	return r.finish(req.Kind, dest, false, model.SourceAPIDownload)
}

// resolveViaScan is the API-failure fallback: scan the engine's output
// directory for files of the right extension set inside the job's time
// window. Matching "newest file in the window" to "the file this job
// produced" is inherently racy when same-kind jobs run close together;
// serialized batches and collision-proof names are the mitigations.
func (r *Resolver) resolveViaScan(req ResolveRequest) (*model.OutputArtifact, error) {
	// Settle delay: the engine may still be flushing the file.
	if req.Kind == model.KindVideo {
		r.sleep(5 * time.Second)
	} else {
		r.sleep(2 * time.Second)
	}

	files, err := r.scanByExtension(req.Kind)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrOutputNotFound
	}
	log.Printf("[Resolver] scan found %d %s file(s) in %s", len(files), req.Kind, r.engineOutputDir)

	minSize := req.Kind.MinSize(true)
	windowStart := req.SubmittedAt.Add(-30 * time.Second)
	windowEnd := req.SubmittedAt.Add(req.PollTimeout + 5*time.Minute)

	best := pickNewest(files, func(f scannedFile) bool {
		return f.size > minSize && !f.modTime.Before(windowStart) && !f.modTime.After(windowEnd)
	})
	if best == nil {
		// Last resort: any matching-extension file from the last 10
		// minutes, newest first.
		log.Printf("[Resolver] no file inside window [%s, %s], relaxing to last 10 minutes",
			windowStart.Format(time.TimeOnly), windowEnd.Format(time.TimeOnly))
		cutoff := time.Now().Add(-10 * time.Minute)
		best = pickNewest(files, func(f scannedFile) bool {
			return f.size > minSize && f.modTime.After(cutoff)
		})
	}
	if best == nil {
		return nil, ErrOutputNotFound
	}

	dest := filepath.Join(req.DestDir, req.BaseName+strings.ToLower(filepath.Ext(best.path)))
	if err := copyFile(best.path, dest); err != nil {
		return nil, fmt.Errorf("failed to copy fallback artifact: %w", err)
	}
	log.Printf("[Resolver] recovered %s via output-dir scan (%.2f MB)", filepath.Base(best.path), float64(best.size)/1024/1024)
	return r.finish(req.Kind, dest, true, model.SourceFilesystemFallback)
}

type scannedFile struct {
	path    string
	size    int64
	modTime time.Time
}

func (r *Resolver) scanByExtension(kind model.ArtifactKind) ([]scannedFile, error) {
	var files []scannedFile
	for _, ext := range kind.Extensions() {
		pattern := filepath.Join(r.engineOutputDir, "**", "*"+ext)
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			files = append(files, scannedFile{path: match, size: info.Size(), modTime: info.ModTime()})
		}
	}
	return files, nil
}

func pickNewest(files []scannedFile, keep func(scannedFile) bool) *scannedFile {
	var best *scannedFile
	for i := range files {
		f := files[i]
		if !keep(f) {
			continue
		}
		if best == nil || f.modTime.After(best.modTime) {
			best = &files[i]
		}
	}
	return best
}

// finish re-stats the written file and applies the kind minimum
func (r *Resolver) finish(kind model.ArtifactKind, path string, fallback bool, source model.ResolutionSource) (*model.OutputArtifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("resolved artifact vanished: %w", err)
	}
	if min := kind.MinSize(fallback); info.Size() <= min {
		os.Remove(path)
		return nil, &ArtifactTooSmallError{Path: path, Size: info.Size(), Min: min}
	}
	return &model.OutputArtifact{
		Kind:       kind,
		Path:       path,
		SizeBytes:  info.Size(),
		ProducedAt: info.ModTime(),
		Source:     source,
	}, nil
}

// ExtractTimestamps pulls per-sentence timing metadata out of a speech
// job's outputs when the workflow reports it.
func ExtractTimestamps(outputs client.Outputs) []model.SentenceTimestamp {
	for _, node := range outputs {
		raw, ok := node["timestamps"]
		if !ok {
			continue
		}
		var stamps []model.SentenceTimestamp
		if err := json.Unmarshal(raw, &stamps); err != nil {
			continue
		}
		if len(stamps) > 0 {
			return stamps
		}
	}
	return nil
}

func hasVideoExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".avi", ".mov", ".mkv":
		return true
	}
	return false
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeArtifact(dst, data)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
