package sideindex

import (
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/memvid-export-api/internal/logging"
	"github.com/jordigilh/memvid-export-api/internal/model"
)

const relationStepInProcess = "STEP_IN_PROCESS"
const relationCalls = "CALLS"

// DerivationInput is the common shape both derivation sources (a fresh
// export request at pipeline time, or a reopened capsule on the rebuild
// path) are normalized into before Derive runs (spec.md §4.5.1).
type DerivationInput struct {
	Nodes         []model.GraphNode
	Relationships []model.GraphRelationship
	Manifest      map[string]interface{}

	AIBiblePresent            bool
	SemanticFallbackAvailable bool
}

var nonAlnumUnderscore = regexp.MustCompile(`[^a-zA-Z0-9_]+`)
var collapseSpace = regexp.MustCompile(`\s+`)

// NormalizeSymbol implements spec.md §4.5.1's symbol normalization:
// replace non-alphanumeric-and-underscore with space, lowercase, collapse
// whitespace.
func NormalizeSymbol(name string) string {
	replaced := nonAlnumUnderscore.ReplaceAllString(name, " ")
	replaced = collapseSpace.ReplaceAllString(replaced, " ")
	return strings.ToLower(strings.TrimSpace(replaced))
}

// Derive builds a fully-populated, adjacency-indexed Index from input. log
// may be nil; when non-nil it receives a warning for every ambiguous
// process-step endpoint the "proc_" heuristic had to resolve.
func Derive(input DerivationInput, log *logrus.Logger) *Index {
	idx := &Index{
		Manifest: input.Manifest,
	}

	nodeLookup := make(map[string]model.GraphNode, len(input.Nodes))
	for _, n := range input.Nodes {
		nodeLookup[n.ID] = n
		idx.Nodes = append(idx.Nodes, deriveNode(n))
	}

	for _, r := range input.Relationships {
		idx.Edges = append(idx.Edges, deriveEdge(r))
	}

	idx.Steps = deriveProcessSteps(input.Relationships, nodeLookup, log)
	idx.Symbols = deriveSymbols(idx.Nodes)
	idx.Hotspots = deriveHotspots(idx.Nodes, idx.Edges)
	idx.Communities = deriveCommunities(input.Nodes)
	idx.Fulltext = deriveFulltext(idx.Nodes, idx.Edges, input.Manifest)

	idx.Capabilities = Capabilities{
		SchemaVersion:         SchemaVersion,
		SemanticFallbackAvail: input.SemanticFallbackAvailable,
		ManifestPresent:       input.Manifest != nil,
		AIBiblePresent:        input.AIBiblePresent,
		NodeCount:             len(idx.Nodes),
		EdgeCount:             len(idx.Edges),
		SymbolCount:           len(idx.Symbols),
	}

	idx.BuildAdjacency()
	return idx
}

func deriveNode(n model.GraphNode) NodeRecord {
	filePath, _ := n.Properties["filePath"].(string)
	name, _ := n.Properties["name"].(string)
	if name == "" {
		name = n.Label
	}
	language, _ := n.Properties["language"].(string)
	lineStart := intProp(n.Properties, "lineStart")
	lineEnd := intProp(n.Properties, "lineEnd")

	uri := nodeURI(n)
	searchText := strings.TrimSpace(n.Label + " " + name + " " + filePath)

	return NodeRecord{
		ID:         n.ID,
		Label:      n.Label,
		Name:       name,
		FilePath:   filePath,
		LineStart:  lineStart,
		LineEnd:    lineEnd,
		Language:   language,
		URI:        uri,
		SearchText: searchText,
	}
}

func nodeURI(n model.GraphNode) string {
	switch strings.ToLower(n.Label) {
	case "community":
		return "community://" + n.ID
	case "process":
		return "process://" + n.ID
	case "file":
		return "file://" + n.ID
	case "manifest":
		return "manifest://" + n.ID
	case "aibible", "ai-bible", "ai_bible":
		return "aibible://" + n.ID
	default:
		return "node://" + n.ID
	}
}

func intProp(props map[string]interface{}, key string) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func deriveEdge(r model.GraphRelationship) EdgeRecord {
	searchText := strings.TrimSpace(r.Type + " " + r.Reason)
	return EdgeRecord{
		ID:         r.ID,
		RelType:    r.Type,
		SourceID:   r.SourceID,
		TargetID:   r.TargetID,
		Confidence: r.Confidence,
		Reason:     r.Reason,
		Step:       r.Step,
		URI:        "edge://" + r.ID,
		SearchText: searchText,
	}
}

// deriveProcessSteps implements spec.md §4.5.1's STEP_IN_PROCESS handling.
// Disambiguation: an explicit node label of "Process" on an endpoint is the
// authoritative discriminator; only when neither or both endpoints carry it
// does the "proc_" id-substring heuristic kick in, and every heuristic
// resolution is logged as a warning since it is inherently ambiguous.
func deriveProcessSteps(rels []model.GraphRelationship, nodes map[string]model.GraphNode, log *logrus.Logger) []ProcessStepRecord {
	var steps []ProcessStepRecord
	for _, r := range rels {
		if r.Type != relationStepInProcess {
			continue
		}
		processID, functionID, ok := resolveProcessEndpoint(r, nodes, log)
		if !ok {
			continue
		}
		stepOrdinal := 0
		if r.Step != nil {
			stepOrdinal = *r.Step
		}
		steps = append(steps, ProcessStepRecord{
			ProcessID:  processID,
			Step:       stepOrdinal,
			FunctionID: functionID,
			EdgeURI:    "edge://" + r.ID,
		})
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].ProcessID != steps[j].ProcessID {
			return steps[i].ProcessID < steps[j].ProcessID
		}
		if steps[i].Step != steps[j].Step {
			return steps[i].Step < steps[j].Step
		}
		return steps[i].FunctionID < steps[j].FunctionID
	})
	return steps
}

func resolveProcessEndpoint(r model.GraphRelationship, nodes map[string]model.GraphNode, log *logrus.Logger) (processID, functionID string, ok bool) {
	sourceIsProcess := isProcessLabel(nodes[r.SourceID].Label)
	targetIsProcess := isProcessLabel(nodes[r.TargetID].Label)

	switch {
	case sourceIsProcess && !targetIsProcess:
		return r.SourceID, r.TargetID, true
	case targetIsProcess && !sourceIsProcess:
		return r.TargetID, r.SourceID, true
	default:
		// Neither or both endpoints carry an explicit Process label;
		// fall back to the "proc_" id-substring heuristic and log the
		// ambiguity since either assignment could be wrong.
		sourceHasPrefix := strings.Contains(r.SourceID, "proc_")
		targetHasPrefix := strings.Contains(r.TargetID, "proc_")
		if log != nil {
			log.WithFields(logging.NewFields().Component("sideindex").
				Custom("edgeId", r.ID).
				Custom("sourceId", r.SourceID).
				Custom("targetId", r.TargetID).ToLogrus()).
				Warn("ambiguous STEP_IN_PROCESS endpoint resolved via proc_ heuristic")
		}
		switch {
		case sourceHasPrefix && !targetHasPrefix:
			return r.SourceID, r.TargetID, true
		case targetHasPrefix && !sourceHasPrefix:
			return r.TargetID, r.SourceID, true
		default:
			return "", "", false
		}
	}
}

func isProcessLabel(label string) bool {
	return strings.EqualFold(label, "Process")
}

func deriveSymbols(nodes []NodeRecord) []SymbolRecord {
	seen := make(map[string]bool)
	var out []SymbolRecord
	for _, n := range nodes {
		if n.Name == "" {
			continue
		}
		normalized := NormalizeSymbol(n.Name)
		if normalized == "" {
			continue
		}
		key := normalized + "\x00" + n.ID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, SymbolRecord{NormalizedName: normalized, NodeID: n.ID})
	}
	return out
}

func deriveHotspots(nodes []NodeRecord, edges []EdgeRecord) []HotspotRecord {
	nodeFile := make(map[string]string, len(nodes))
	nodesPerFile := make(map[string]int)
	for _, n := range nodes {
		if n.FilePath == "" {
			continue
		}
		nodeFile[n.ID] = n.FilePath
		nodesPerFile[n.FilePath]++
	}

	callsPerFile := make(map[string]int)
	for _, e := range edges {
		if e.RelType != relationCalls {
			continue
		}
		if file, ok := nodeFile[e.SourceID]; ok {
			callsPerFile[file]++
		}
	}

	files := make(map[string]bool)
	for f := range nodesPerFile {
		files[f] = true
	}
	for f := range callsPerFile {
		files[f] = true
	}

	out := make([]HotspotRecord, 0, len(files))
	for f := range files {
		calls := callsPerFile[f]
		n := nodesPerFile[f]
		out = append(out, HotspotRecord{
			FilePath: f,
			Calls:    calls,
			Nodes:    n,
			Score:    10*calls + n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FilePath < out[j].FilePath
	})
	return out
}

func deriveCommunities(nodes []model.GraphNode) []CommunityMembershipRecord {
	var out []CommunityMembershipRecord
	for _, n := range nodes {
		raw, ok := n.Properties["communityIds"]
		if !ok {
			continue
		}
		for _, id := range toStringSlice(raw) {
			out = append(out, CommunityMembershipRecord{
				CommunityID: id,
				NodeID:      n.ID,
				NodeLabel:   n.Label,
				NodeName:    nameOf(n),
			})
		}
	}
	return out
}

func nameOf(n model.GraphNode) string {
	if name, ok := n.Properties["name"].(string); ok && name != "" {
		return name
	}
	return n.Label
}

func toStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func deriveFulltext(nodes []NodeRecord, edges []EdgeRecord, manifest map[string]interface{}) []FulltextEntry {
	var out []FulltextEntry
	for _, n := range nodes {
		out = append(out, FulltextEntry{
			RefKind: "node",
			RefID:   n.ID,
			URI:     n.URI,
			Track:   n.Label,
			Text:    n.SearchText,
		})
	}
	for _, e := range edges {
		out = append(out, FulltextEntry{
			RefKind: "edge",
			RefID:   e.ID,
			URI:     e.URI,
			Track:   e.RelType,
			Text:    e.SearchText,
		})
	}
	if manifest != nil {
		out = append(out, FulltextEntry{
			RefKind: "manifest",
			RefID:   "manifest",
			URI:     "manifest://root",
			Track:   "manifest",
			Text:    manifestText(manifest),
		})
	}
	return out
}

func manifestText(manifest map[string]interface{}) string {
	var parts []string
	for k, v := range manifest {
		if s, ok := v.(string); ok {
			parts = append(parts, k+" "+s)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
