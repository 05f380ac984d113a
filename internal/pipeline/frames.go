package pipeline

import (
	"fmt"
	"sort"

	"github.com/jordigilh/memvid-export-api/internal/model"
)

// Frame is one frame document built from the export request's graph, the
// pure-transform output of the frame-prep stage.
type Frame struct {
	ID           string                 `json:"id"`
	Kind         string                 `json:"kind"` // "node" or "relationship"
	Text         string                 `json:"text"`
	IdentityTags []string               `json:"identityTags"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// buildFrames builds the frame document set from the cloned export request.
// There are two identity-tag builders, a plain one and a semantic-aware
// one. For identity-tagged writes (SemanticEnabled) the semantic builder's
// result replaces the plain builder's entirely; there is no merge. For
// non-semantic writes only the plain builder ever runs.
func buildFrames(req *model.ExportRequest) []Frame {
	frames := make([]Frame, 0, len(req.Nodes)+len(req.Relationships))

	nodeByID := make(map[string]model.GraphNode, len(req.Nodes))
	for _, n := range req.Nodes {
		nodeByID[n.ID] = n
	}

	for _, n := range req.Nodes {
		f := Frame{
			ID:         n.ID,
			Kind:       "node",
			Text:       nodeText(n),
			Properties: n.Properties,
		}
		f.IdentityTags = plainIdentityTags(n)
		if req.Options.SemanticEnabled {
			f.IdentityTags = semanticIdentityTags(n)
		}
		frames = append(frames, f)
	}

	maxRelFrames := req.Options.MaxRelationFrames
	for i, r := range req.Relationships {
		if maxRelFrames > 0 && i >= maxRelFrames {
			break
		}
		f := Frame{
			ID:   r.ID,
			Kind: "relationship",
			Text: relationshipText(r, nodeByID),
		}
		f.IdentityTags = plainRelationshipTags(r)
		if req.Options.SemanticEnabled {
			f.IdentityTags = semanticRelationshipTags(r, nodeByID)
		}
		frames = append(frames, f)
	}

	maxNodeFrames := req.Options.MaxNodeFrames
	if maxNodeFrames > 0 {
		nodeCount := 0
		trimmed := frames[:0]
		for _, f := range frames {
			if f.Kind == "node" {
				nodeCount++
				if nodeCount > maxNodeFrames {
					continue
				}
			}
			trimmed = append(trimmed, f)
		}
		frames = trimmed
	}

	sort.SliceStable(frames, func(i, j int) bool { return frames[i].ID < frames[j].ID })
	return frames
}

// plainIdentityTags is the non-semantic builder: it tags a node frame by
// its label and id alone.
func plainIdentityTags(n model.GraphNode) []string {
	return []string{n.Label, n.ID}
}

// semanticIdentityTags is the semantic-aware builder: it additionally
// folds in the "name" and "filePath" properties when present, matching `transform.rs`'s
// identity-tagged write path.
func semanticIdentityTags(n model.GraphNode) []string {
	tags := []string{n.Label, n.ID}
	if name, ok := n.Properties["name"].(string); ok && name != "" {
		tags = append(tags, name)
	}
	if filePath, ok := n.Properties["filePath"].(string); ok && filePath != "" {
		tags = append(tags, filePath)
	}
	return tags
}

func plainRelationshipTags(r model.GraphRelationship) []string {
	return []string{r.Type, r.ID}
}

func semanticRelationshipTags(r model.GraphRelationship, nodeByID map[string]model.GraphNode) []string {
	tags := []string{r.Type, r.ID}
	if src, ok := nodeByID[r.SourceID]; ok {
		if name, ok := src.Properties["name"].(string); ok && name != "" {
			tags = append(tags, name)
		}
	}
	if tgt, ok := nodeByID[r.TargetID]; ok {
		if name, ok := tgt.Properties["name"].(string); ok && name != "" {
			tags = append(tags, name)
		}
	}
	return tags
}

func nodeText(n model.GraphNode) string {
	name, _ := n.Properties["name"].(string)
	if name == "" {
		name = n.ID
	}
	return fmt.Sprintf("%s %s", n.Label, name)
}

func relationshipText(r model.GraphRelationship, nodeByID map[string]model.GraphNode) string {
	srcName := r.SourceID
	if src, ok := nodeByID[r.SourceID]; ok {
		if name, ok := src.Properties["name"].(string); ok && name != "" {
			srcName = name
		}
	}
	tgtName := r.TargetID
	if tgt, ok := nodeByID[r.TargetID]; ok {
		if name, ok := tgt.Properties["name"].(string); ok && name != "" {
			tgtName = name
		}
	}
	if r.Reason != "" {
		return fmt.Sprintf("%s %s %s (%s)", srcName, r.Type, tgtName, r.Reason)
	}
	return fmt.Sprintf("%s %s %s", srcName, r.Type, tgtName)
}
