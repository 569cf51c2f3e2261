package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemplate(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}
	return path
}

func TestLoad_SubmittableGraph(t *testing.T) {
	path := writeTemplate(t, "graph.json", `{
		"1": {"class_type": "CLIPTextEncode", "inputs": {"text": "a red fox"}},
		"2": {"class_type": "SaveImage", "inputs": {"images": ["1", 0]}}
	}`)

	tmpl, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(tmpl.Graph) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(tmpl.Graph))
	}
	if tmpl.Graph["1"].Inputs["text"] != "a red fox" {
		t.Errorf("expected text input preserved, got %v", tmpl.Graph["1"].Inputs["text"])
	}
	ref, ok := IsReference(tmpl.Graph["2"].Inputs["images"])
	if !ok || ref != "1" {
		t.Errorf("expected images to reference node 1, got %v", tmpl.Graph["2"].Inputs["images"])
	}
	if got := tmpl.Roles.First(RoleImageSave); got != "2" {
		t.Errorf("expected image save role on node 2, got %q", got)
	}
}

func TestLoad_ProjectConversion(t *testing.T) {
	path := writeTemplate(t, "project.json", `{
		"nodes": [
			{"id": 1, "type": "LoadImage", "widgets_values": ["photo.png", "image"]},
			{
				"id": 2,
				"type": "KSampler",
				"widgets_values": [5, "fixed", 20, 7.5, "euler", "normal"],
				"inputs": [{"name": "latent_image", "link": 7}]
			},
			{
				"id": 3,
				"type": "VHS_VideoCombine",
				"widgets_values": {"frame_rate": 24, "filename_prefix": "clip", "format": "video/h264-mp4"}
			}
		],
		"links": [
			[7, 1, 0, 2, 1, "LATENT"]
		]
	}`)

	tmpl, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	load := tmpl.Graph["1"]
	if load.Inputs["image"] != "photo.png" {
		t.Errorf("expected LoadImage widget mapped, got %v", load.Inputs["image"])
	}

	sampler := tmpl.Graph["2"]
	if sampler.Inputs["seed"] != float64(5) {
		t.Errorf("expected seed widget mapped, got %v", sampler.Inputs["seed"])
	}
	if sampler.Inputs["sampler_name"] != "euler" {
		t.Errorf("expected sampler_name widget mapped, got %v", sampler.Inputs["sampler_name"])
	}
	if sampler.Inputs["denoise"] != 1.0 {
		t.Errorf("expected default denoise 1.0, got %v", sampler.Inputs["denoise"])
	}
	ref, ok := IsReference(sampler.Inputs["latent_image"])
	if !ok || ref != "1" {
		t.Errorf("expected latent_image link resolved to node 1, got %v", sampler.Inputs["latent_image"])
	}

	combine := tmpl.Graph["3"]
	if combine.Inputs["frame_rate"] != float64(24) {
		t.Errorf("expected dict widget frame_rate mapped, got %v", combine.Inputs["frame_rate"])
	}
	if combine.Inputs["filename_prefix"] != "clip" {
		t.Errorf("expected dict widget filename_prefix mapped, got %v", combine.Inputs["filename_prefix"])
	}
	if got := tmpl.Roles.First(RoleVideoCombine); got != "3" {
		t.Errorf("expected video combine role on node 3, got %q", got)
	}
}

func TestLoad_DanglingLinkDropped(t *testing.T) {
	path := writeTemplate(t, "project.json", `{
		"nodes": [
			{
				"id": 1,
				"type": "CLIPTextEncode",
				"widgets_values": ["prompt"],
				"inputs": [{"name": "clip", "link": 9}]
			}
		],
		"links": [
			[9, 42, 0, 1, 0, "CLIP"]
		]
	}`)

	tmpl, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := tmpl.Graph["1"].Inputs["clip"]; ok {
		t.Errorf("expected link to missing node 42 to be dropped")
	}
}

func TestLoad_MalformedProject(t *testing.T) {
	path := writeTemplate(t, "bad.json", `{"nodes": "not-a-list"}`)

	_, err := Load(path)
	var convErr *ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("expected ConversionError, got %v", err)
	}
}

func TestLoad_MissingReferenceRejected(t *testing.T) {
	path := writeTemplate(t, "graph.json", `{
		"1": {"class_type": "SaveImage", "inputs": {"images": ["9", 0]}}
	}`)

	_, err := Load(path)
	var convErr *ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("expected ConversionError for missing reference, got %v", err)
	}
}

func TestLoad_UnknownNodeTypeKeepsEmptyInputs(t *testing.T) {
	path := writeTemplate(t, "project.json", `{
		"nodes": [
			{"id": 1, "type": "SomeCustomNode", "widgets_values": [1, 2, 3]}
		],
		"links": []
	}`)

	tmpl, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(tmpl.Graph["1"].Inputs) != 0 {
		t.Errorf("expected empty inputs for unknown node type, got %v", tmpl.Graph["1"].Inputs)
	}
}

func TestRoles_TitleFallback(t *testing.T) {
	g := Graph{
		"5": {ClassType: "CustomAudioWriter", Meta: &NodeMeta{Title: "Save Audio (final)"}, Inputs: map[string]interface{}{}},
		"6": {ClassType: "PreviewAudio", Inputs: map[string]interface{}{}},
	}
	roles := resolveRoles(g)
	if got := roles.First(RoleAudioSave); got != "5" {
		t.Errorf("expected title fallback to classify node 5 as audio save, got %q", got)
	}
	if got := roles.First(RoleAudioPreview); got != "6" {
		t.Errorf("expected node 6 as audio preview, got %q", got)
	}
}
