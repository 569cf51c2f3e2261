package workflow

import (
	"encoding/json"
	"fmt"
)

// Graph is a submittable node graph: node id -> node. This is the exact
// shape the engine's queue endpoint accepts.
type Graph map[string]*Node

// Node is one graph node. Inputs hold either literal values or a
// two-element [source_node_id, source_slot] link reference.
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
	Meta      *NodeMeta              `json:"_meta,omitempty"`
}

// NodeMeta carries editor-only annotations such as the node title
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// Reference builds a link-reference input value pointing at output slot
// `slot` of node `nodeID`.
func Reference(nodeID string, slot int) []interface{} {
	return []interface{}{nodeID, slot}
}

// IsReference reports whether an input value is a node link rather than a
// literal, and returns the referenced node id.
func IsReference(v interface{}) (string, bool) {
	ref, ok := v.([]interface{})
	if !ok || len(ref) != 2 {
		return "", false
	}
	id, ok := ref[0].(string)
	return id, ok
}

// Clone deep-copies the graph so one template can parameterize many jobs
// without interference. Round-tripping through JSON keeps literal input
// values in the exact types the engine will receive. A graph that was
// loaded from JSON always round-trips; the error covers graphs assembled
// in code with an unmarshalable input value.
func (g Graph) Clone() (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to clone graph: %w", err)
	}
	var out Graph
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone graph: %w", err)
	}
	return out, nil
}
