package workflow

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// ConversionError means a template file could not be turned into a
// submittable graph. No retry can fix a malformed template.
type ConversionError struct {
	Path   string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("workflow template %s: %s", e.Path, e.Reason)
}

// Template is one loaded graph template plus its role table, resolved once
// at load time. Parameterize clones the graph, so a Template is safe to
// reuse across jobs.
type Template struct {
	Path  string
	Graph Graph
	Roles Roles
}

// Load reads a graph template. Files already in submittable shape pass
// through unchanged; files in the engine's visual-editor project shape
// (nodes + links) are converted by resolving every declared input link
// through the project's link table.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow template: %w", err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ConversionError{Path: path, Reason: "not a JSON object"}
	}

	var graph Graph
	if _, isProject := probe["nodes"]; isProject {
		log.Printf("[Workflow] %s is in editor-project shape, converting", path)
		graph, err = convertProject(path, data)
		if err != nil {
			return nil, err
		}
	} else {
		if err := json.Unmarshal(data, &graph); err != nil {
			return nil, &ConversionError{Path: path, Reason: "not a submittable graph: " + err.Error()}
		}
	}

	if err := graph.validate(); err != nil {
		return nil, &ConversionError{Path: path, Reason: err.Error()}
	}

	return &Template{Path: path, Graph: graph, Roles: resolveRoles(graph)}, nil
}

// validate checks the link-reference invariant: every reference input must
// point at a node id present in the same graph.
func (g Graph) validate() error {
	for nodeID, node := range g {
		if node == nil || node.ClassType == "" {
			return fmt.Errorf("node %s has no class_type", nodeID)
		}
		for name, value := range node.Inputs {
			if ref, ok := IsReference(value); ok {
				if _, exists := g[ref]; !exists {
					return fmt.Errorf("node %s input %s references missing node %s", nodeID, name, ref)
				}
			}
		}
	}
	return nil
}

// Editor-project file structures. Node ids and link endpoints arrive as
// JSON numbers.

type projectFile struct {
	Nodes []projectNode       `json:"nodes"`
	Links [][]json.RawMessage `json:"links"`
}

type projectNode struct {
	ID            json.Number     `json:"id"`
	Type          string          `json:"type"`
	Title         string          `json:"title,omitempty"`
	WidgetsValues json.RawMessage `json:"widgets_values,omitempty"`
	Inputs        []projectInput  `json:"inputs,omitempty"`
}

type projectInput struct {
	Name string       `json:"name"`
	Link *json.Number `json:"link"`
}

func convertProject(path string, data []byte) (Graph, error) {
	var project projectFile
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, &ConversionError{Path: path, Reason: "malformed project file: " + err.Error()}
	}
	if len(project.Nodes) == 0 {
		return nil, &ConversionError{Path: path, Reason: "project file declares no nodes"}
	}

	graph := make(Graph, len(project.Nodes))

	for _, pn := range project.Nodes {
		id := pn.ID.String()
		if id == "" || pn.Type == "" {
			continue
		}

		node := &Node{
			ClassType: pn.Type,
			Inputs:    widgetDefaults(pn.Type, pn.WidgetsValues),
		}
		if pn.Title != "" {
			node.Meta = &NodeMeta{Title: pn.Title}
		}
		graph[id] = node
	}

	// Overlay declared input links on top of the widget defaults. A link
	// whose source is not in the converted graph is dropped rather than
	// left dangling.
	for _, pn := range project.Nodes {
		id := pn.ID.String()
		node, ok := graph[id]
		if !ok {
			continue
		}
		for _, in := range pn.Inputs {
			if in.Link == nil || in.Name == "" {
				continue
			}
			srcID, srcSlot, found := findLinkSource(project.Links, *in.Link)
			if !found {
				continue
			}
			if _, exists := graph[srcID]; !exists {
				log.Printf("[Workflow] dropping link %s on node %s: source node %s missing", in.Name, id, srcID)
				continue
			}
			node.Inputs[in.Name] = Reference(srcID, srcSlot)
		}
	}

	return graph, nil
}

// findLinkSource resolves a link id through the project link table. Rows
// are [link_id, source_node_id, source_slot, target_node_id, target_slot,
// type]; the trailing type element is a string and is ignored.
func findLinkSource(links [][]json.RawMessage, linkID json.Number) (string, int, bool) {
	for _, link := range links {
		if len(link) < 3 {
			continue
		}
		var id json.Number
		if err := json.Unmarshal(link[0], &id); err != nil || id != linkID {
			continue
		}
		var src json.Number
		if err := json.Unmarshal(link[1], &src); err != nil {
			continue
		}
		var slot int
		if err := json.Unmarshal(link[2], &slot); err != nil {
			continue
		}
		return src.String(), slot, true
	}
	return "", 0, false
}

// widgetDefaults maps a node's positional widget-value list onto named
// inputs. The mapping is type-specific; unknown node types keep empty
// inputs and may fail validation at the engine later, which is acceptable.
func widgetDefaults(classType string, raw json.RawMessage) map[string]interface{} {
	inputs := make(map[string]interface{})
	if len(raw) == 0 {
		return inputs
	}

	var widgets []interface{}
	if err := json.Unmarshal(raw, &widgets); err != nil {
		// Some nodes pack their settings into a single dict instead of a
		// positional list.
		var dict map[string]interface{}
		if err := json.Unmarshal(raw, &dict); err != nil {
			return inputs
		}
		widgets = []interface{}{dict}
	}

	switch classType {
	case "LoadImage":
		if len(widgets) > 0 {
			inputs["image"] = widgets[0]
		}
	case "CLIPTextEncode":
		if len(widgets) > 0 {
			inputs["text"] = widgets[0]
		}
	case "CheckpointLoaderSimple":
		if len(widgets) > 0 {
			inputs["ckpt_name"] = widgets[0]
		}
	case "VAELoader":
		if len(widgets) > 0 {
			inputs["vae_name"] = widgets[0]
		}
	case "CLIPVisionLoader":
		if len(widgets) > 0 {
			inputs["clip_name"] = widgets[0]
		}
	case "KSampler":
		if len(widgets) >= 6 {
			inputs["seed"] = widgets[0]
			inputs["control_after_generate"] = widgets[1]
			inputs["steps"] = widgets[2]
			inputs["cfg"] = widgets[3]
			inputs["sampler_name"] = widgets[4]
			inputs["scheduler"] = widgets[5]
			if len(widgets) > 6 {
				inputs["denoise"] = widgets[6]
			} else {
				inputs["denoise"] = 1.0
			}
		}
	case "WanImageToVideo":
		if len(widgets) >= 4 {
			inputs["width"] = widgets[0]
			inputs["height"] = widgets[1]
			inputs["length"] = widgets[2]
			inputs["batch_size"] = widgets[3]
		}
	case "VHS_VideoCombine":
		// This node packs its settings into a single dict widget.
		if len(widgets) > 0 {
			if params, ok := widgets[0].(map[string]interface{}); ok {
				inputs["frame_rate"] = pick(params, "frame_rate", 18)
				inputs["loop_count"] = pick(params, "loop_count", 0)
				inputs["filename_prefix"] = pick(params, "filename_prefix", "video")
				inputs["format"] = pick(params, "format", "video/h264-mp4")
				inputs["save_output"] = pick(params, "save_output", true)
			}
		}
	}

	return inputs
}

func pick(m map[string]interface{}, key string, fallback interface{}) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}
