package model

import "time"

// ArtifactKind identifies what a generation job produces
type ArtifactKind string

const (
	KindImage ArtifactKind = "image"
	KindVideo ArtifactKind = "video"
	KindAudio ArtifactKind = "audio"
)

// Extensions returns the file extensions the engine may emit for this kind,
// lowercase with leading dot.
func (k ArtifactKind) Extensions() []string {
	switch k {
	case KindImage:
		return []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}
	case KindVideo:
		return []string{".mp4", ".avi", ".mov", ".mkv"}
	case KindAudio:
		return []string{".mp3", ".wav", ".flac", ".aac"}
	}
	return nil
}

// CanonicalExtension is the extension used when the engine's own filename
// carries none.
func (k ArtifactKind) CanonicalExtension() string {
	switch k {
	case KindImage:
		return ".png"
	case KindVideo:
		return ".mp4"
	case KindAudio:
		return ".wav"
	}
	return ""
}

// MinSize returns the byte count a produced file of this kind must exceed;
// files at or below it are rejected as failed generations. The fallback
// scan uses a stricter image minimum because it cannot tell thumbnails
// apart from full renders.
func (k ArtifactKind) MinSize(fallback bool) int64 {
	switch k {
	case KindImage:
		if fallback {
			return 50 * 1024
		}
		return 1024
	case KindVideo:
		return 100 * 1024
	case KindAudio:
		return 10 * 1024
	}
	return 0
}

// ResolutionSource records how an artifact was recovered
type ResolutionSource string

const (
	SourceAPIDownload        ResolutionSource = "api_download"
	SourceFilesystemFallback ResolutionSource = "filesystem_fallback"
)

// OutputArtifact is the terminal product of one resolved job
type OutputArtifact struct {
	Kind       ArtifactKind     `json:"kind"`
	Path       string           `json:"path"`
	SizeBytes  int64            `json:"sizeBytes"`
	ProducedAt time.Time        `json:"producedAt"`
	Source     ResolutionSource `json:"source"`
}

// SentenceTimestamp is per-sentence timing metadata some speech workflows
// report alongside the audio output.
type SentenceTimestamp struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// ResourceSnapshot captures system load at a scheduling decision point.
// Sampled on demand, never persisted.
type ResourceSnapshot struct {
	CPUPercent        float64 `json:"cpuPercent"`
	MemoryPercent     float64 `json:"memoryPercent"`
	AvailableMemoryGB float64 `json:"availableMemoryGb"`
}
