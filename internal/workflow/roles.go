package workflow

import (
	"sort"
	"strings"
)

// NodeRole names the output-node roles the resolver cares about. Templates
// pin these to concrete node ids at load time instead of hardcoding ids at
// every call site.
type NodeRole string

const (
	// RoleAudioSave is the node that persists newly synthesized speech. It
	// must win over RoleAudioPreview, which may simply echo the reference
	// audio.
	RoleAudioSave    NodeRole = "audio_save"
	RoleAudioPreview NodeRole = "audio_preview"
	// RoleVideoCombine is the node that assembles frames into the clip.
	RoleVideoCombine NodeRole = "video_combine"
	RoleImageSave    NodeRole = "image_save"
)

// Roles maps each role to the node ids filling it, ordered for determinism.
type Roles map[NodeRole][]string

// First returns the primary node id for a role, or "" when the template
// has none.
func (r Roles) First(role NodeRole) string {
	if ids := r[role]; len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// Has reports whether any node fills the role
func (r Roles) Has(role NodeRole) bool {
	return len(r[role]) > 0
}

// resolveRoles classifies every node in the graph by class_type, with the
// node's declared title as a tiebreaker for ambiguous audio nodes.
func resolveRoles(g Graph) Roles {
	roles := make(Roles)
	for id, node := range g {
		if role, ok := classifyRole(node); ok {
			roles[role] = append(roles[role], id)
		}
	}
	for _, ids := range roles {
		sort.Strings(ids)
	}
	return roles
}

func classifyRole(node *Node) (NodeRole, bool) {
	switch node.ClassType {
	case "SaveAudio", "SaveAudioMP3", "SaveAudioWAV", "SaveAudioOpus":
		return RoleAudioSave, true
	case "PreviewAudio":
		return RoleAudioPreview, true
	case "VHS_VideoCombine":
		return RoleVideoCombine, true
	case "SaveImage":
		return RoleImageSave, true
	}

	// Custom node packs rename these constantly; fall back to the title the
	// template author gave the node.
	if node.Meta != nil {
		title := strings.ToLower(node.Meta.Title)
		switch {
		case strings.Contains(title, "save audio"):
			return RoleAudioSave, true
		case strings.Contains(title, "preview audio"):
			return RoleAudioPreview, true
		case strings.Contains(title, "video combine"):
			return RoleVideoCombine, true
		case strings.Contains(title, "save image"):
			return RoleImageSave, true
		}
	}
	return "", false
}
