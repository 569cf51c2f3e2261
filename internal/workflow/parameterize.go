package workflow

import (
	"log"
	"math/rand"
	"strings"
)

// Params holds the job-specific values substituted into a cloned graph.
// Zero-valued fields leave the template's defaults in place.
type Params struct {
	// Prompt is the scene or narration text. EnglishPrompt, when set, is a
	// pre-translated version preferred for text-encoder nodes.
	Prompt        string
	EnglishPrompt string

	// ImageFilename names a source image already staged in the engine's
	// input directory.
	ImageFilename string

	// ReferenceAudio names a staged voice sample for cloning.
	ReferenceAudio string

	// Seed overrides the sampler seed; 0 draws a fresh random seed so
	// repeated submissions never reproduce the previous output.
	Seed int64

	// DurationSeconds and FrameRate together set the video frame count.
	DurationSeconds float64
	FrameRate       int

	// CheckpointName pins the production model file.
	CheckpointName string

	// FilenamePrefix overrides the engine-side output filename prefix.
	FilenamePrefix string
}

func (p Params) effectivePrompt() string {
	if p.EnglishPrompt != "" {
		return p.EnglishPrompt
	}
	return p.Prompt
}

func (p Params) seed() int64 {
	if p.Seed != 0 {
		return p.Seed
	}
	return rand.Int63n(999_999_999_999_999) + 1
}

// nodeHandler rewrites one node in place for a job. Returns true when the
// node was touched.
type nodeHandler func(node *Node, p Params) bool

// handlers dispatches by class_type. Types not present here fall through
// to the generic prompt-field handler.
var handlers = map[string]nodeHandler{
	"CLIPTextEncode": func(n *Node, p Params) bool {
		return setIfPresent(n, "text", p.effectivePrompt())
	},
	"RandomNoise": func(n *Node, p Params) bool {
		return setIfPresent(n, "noise_seed", p.seed())
	},
	"KSampler": func(n *Node, p Params) bool {
		return setIfPresent(n, "seed", p.seed())
	},
	"LoadImage": func(n *Node, p Params) bool {
		if p.ImageFilename == "" {
			return false
		}
		n.Inputs["image"] = p.ImageFilename
		return true
	},
	"CheckpointLoaderSimple": func(n *Node, p Params) bool {
		if p.CheckpointName == "" {
			return false
		}
		return setIfPresent(n, "ckpt_name", p.CheckpointName)
	},
	"WanImageToVideo": func(n *Node, p Params) bool {
		if p.DurationSeconds <= 0 || p.FrameRate <= 0 {
			return false
		}
		return setIfPresent(n, "length", int(p.DurationSeconds*float64(p.FrameRate)))
	},
	"VHS_VideoCombine": func(n *Node, p Params) bool {
		touched := false
		if p.FrameRate > 0 {
			touched = setIfPresent(n, "frame_rate", p.FrameRate) || touched
		}
		if p.FilenamePrefix != "" {
			n.Inputs["filename_prefix"] = p.FilenamePrefix
			touched = true
		}
		return touched
	},
	"IndexSpeakersPreview": func(n *Node, p Params) bool {
		if p.ReferenceAudio == "" {
			return false
		}
		touched := false
		for key := range n.Inputs {
			lower := strings.ToLower(key)
			if strings.Contains(lower, "speaker") || strings.Contains(lower, "audio") {
				n.Inputs[key] = p.ReferenceAudio
				touched = true
			}
		}
		return touched
	},
}

func init() {
	// Speech text-entry nodes from the TTS node packs share one handler.
	speechText := func(n *Node, p Params) bool {
		touched := false
		for key := range n.Inputs {
			lower := strings.ToLower(key)
			if strings.Contains(lower, "text") || strings.Contains(lower, "prompt") || strings.Contains(lower, "multi_line") {
				n.Inputs[key] = p.Prompt
				touched = true
			}
		}
		return touched
	}
	for _, classType := range []string{"MultiLinePromptIndex", "TextInput", "TTSTextInput", "PromptNode"} {
		handlers[classType] = speechText
	}
}

// Parameterize clones the template graph and rewrites the fields this job
// needs. The template itself is never mutated, so two parameterizations of
// one template cannot interfere. Updating zero nodes is not an error:
// workflow variants legitimately lack some node types.
func (t *Template) Parameterize(p Params) (Graph, error) {
	graph, err := t.Graph.Clone()
	if err != nil {
		return nil, err
	}
	updated := 0

	for id, node := range graph {
		handler, known := handlers[node.ClassType]
		if known {
			if handler(node, p) {
				updated++
			}
			continue
		}
		if genericPromptFallback(node, p) {
			log.Printf("[Workflow] node %s (%s): prompt set via generic field match", id, node.ClassType)
			updated++
		}
	}

	log.Printf("[Workflow] parameterized %s: %d node(s) updated", t.Path, updated)
	return graph, nil
}

// genericPromptFallback catches workflow variants without per-type
// knowledge: any string input whose name mentions text or prompt gets the
// prompt, except model/path fields.
func genericPromptFallback(n *Node, p Params) bool {
	prompt := p.effectivePrompt()
	if prompt == "" {
		return false
	}
	touched := false
	for key, value := range n.Inputs {
		if _, isString := value.(string); !isString {
			continue
		}
		lower := strings.ToLower(key)
		if !strings.Contains(lower, "text") && !strings.Contains(lower, "prompt") {
			continue
		}
		if strings.HasSuffix(lower, "_name") || strings.HasSuffix(lower, "_path") ||
			strings.HasSuffix(lower, "encoder1") || strings.HasSuffix(lower, "encoder2") {
			continue
		}
		n.Inputs[key] = prompt
		touched = true
	}
	return touched
}

func setIfPresent(n *Node, key string, value interface{}) bool {
	if _, ok := n.Inputs[key]; !ok {
		return false
	}
	n.Inputs[key] = value
	return true
}
