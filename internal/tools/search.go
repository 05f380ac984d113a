package tools

import (
	"encoding/json"
	"sort"
	"strings"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

type textSearchArgs struct {
	Query  string `json:"query" validate:"required"`
	Scope  string `json:"scope"`
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor"`
}

// FulltextMatch is one text_search result row.
type FulltextMatch struct {
	sideindex.FulltextEntry
	Score float64 `json:"score"`
}

func textSearch(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args textSearchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	terms := strings.Fields(strings.ToLower(strings.TrimSpace(args.Query)))
	if len(terms) == 0 {
		return Result{}, apperrors.NewValidationError("query must not be empty")
	}
	scope := strings.ToLower(strings.TrimSpace(args.Scope))

	var items []ranked
	for _, entry := range idx.Fulltext {
		if scope != "" &&
			!strings.Contains(strings.ToLower(entry.URI), scope) &&
			!strings.Contains(strings.ToLower(entry.Track), scope) {
			continue
		}
		score := lexicalScore(entry.Text, terms)
		if score <= 0 {
			continue
		}
		items = append(items, ranked{
			score:    score,
			tiebreak: entry.RefKind + "\x00" + entry.RefID,
			value:    FulltextMatch{FulltextEntry: entry, Score: score},
		})
	}
	rankedSort(items)

	page, pagination, err := paginate(items, args.Cursor, args.Limit, defaultLimit, hardCapLimit)
	if err != nil {
		return Result{}, err
	}

	top := 0.0
	if len(page) > 0 {
		top = page[0].(FulltextMatch).Score
	}
	return Result{
		Data:       page,
		Confidence: NewConfidence(top, []string{"lexical-term-overlap"}, nil),
		Pagination: pagination,
	}, nil
}

// lexicalScore implements spec.md §4.6's text_search scoring: (matching
// terms)/(total terms).
func lexicalScore(text string, terms []string) float64 {
	lowered := strings.ToLower(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lowered, t) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched) / float64(len(terms))
}

const (
	callTraceDefaultDepth = 4
	callTraceMaxDepth     = 10
	callTraceDefaultPaths = 3
	callTraceMaxPaths     = 20
)

type callTraceArgs struct {
	FromNodeID string `json:"fromNodeId" validate:"required"`
	ToNodeID   string `json:"toNodeId"`
	MaxDepth   int    `json:"maxDepth"`
	MaxPaths   int    `json:"maxPaths"`
}

// CallPath is one call_trace result path.
type CallPath struct {
	NodeIDs []string `json:"nodeIds"`
	EdgeIDs []string `json:"edgeIds"`
}

func callTrace(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args callTraceArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	if _, ok := idx.NodeByID(args.FromNodeID); !ok {
		return Result{}, apperrors.NewValidationError("fromNodeId not found").WithDetails(args.FromNodeID)
	}

	maxDepth := clampInt(args.MaxDepth, callTraceDefaultDepth, 1, callTraceMaxDepth)
	maxPaths := clampInt(args.MaxPaths, callTraceDefaultPaths, 1, callTraceMaxPaths)

	type frame struct {
		nodeIDs []string
		edgeIDs []string
		visited map[string]bool
	}
	start := frame{nodeIDs: []string{args.FromNodeID}, visited: map[string]bool{args.FromNodeID: true}}
	queue := []frame{start}

	var paths []CallPath
	for len(queue) > 0 && len(paths) < maxPaths {
		cur := queue[0]
		queue = queue[1:]

		lastNode := cur.nodeIDs[len(cur.nodeIDs)-1]
		if args.ToNodeID != "" && lastNode == args.ToNodeID && len(cur.nodeIDs) > 1 {
			paths = append(paths, CallPath{NodeIDs: cur.nodeIDs, EdgeIDs: cur.edgeIDs})
			continue
		}
		if len(cur.nodeIDs)-1 >= maxDepth {
			if args.ToNodeID == "" {
				paths = append(paths, CallPath{NodeIDs: cur.nodeIDs, EdgeIDs: cur.edgeIDs})
			}
			continue
		}

		outgoing := idx.OutgoingEdges(lastNode)
		extended := false
		for _, e := range outgoing {
			if e.RelType != "CALLS" || cur.visited[e.TargetID] {
				continue
			}
			nextVisited := make(map[string]bool, len(cur.visited)+1)
			for k := range cur.visited {
				nextVisited[k] = true
			}
			nextVisited[e.TargetID] = true
			queue = append(queue, frame{
				nodeIDs: append(append([]string(nil), cur.nodeIDs...), e.TargetID),
				edgeIDs: append(append([]string(nil), cur.edgeIDs...), e.ID),
				visited: nextVisited,
			})
			extended = true
		}
		if !extended && args.ToNodeID == "" && len(cur.nodeIDs) > 1 {
			paths = append(paths, CallPath{NodeIDs: cur.nodeIDs, EdgeIDs: cur.edgeIDs})
		}
	}
	if len(paths) > maxPaths {
		paths = paths[:maxPaths]
	}

	factors := []string{"breadth-first-call-graph"}
	score := 1.0
	if len(paths) == 0 {
		score = 0.0
	}
	return Result{
		Data:       paths,
		Confidence: NewConfidence(score, factors, nil),
		Pagination: &Pagination{Returned: len(paths), Truncated: false},
	}, nil
}

func clampInt(v, def, min, max int) int {
	if v <= 0 {
		v = def
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}

const (
	impactDefaultDepth = 3
	impactMaxDepth     = 8
)

type impactAnalysisArgs struct {
	NodeID   string `json:"nodeId" validate:"required"`
	MaxDepth int    `json:"maxDepth"`
}

// ImpactResult is impact_analysis's result payload.
type ImpactResult struct {
	VisitedNodes []sideindex.NodeRecord     `json:"visitedNodes"`
	TopHotspots  []sideindex.HotspotRecord  `json:"topHotspots"`
}

func impactAnalysis(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args impactAnalysisArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	if _, ok := idx.NodeByID(args.NodeID); !ok {
		return Result{}, apperrors.NewValidationError("nodeId not found").WithDetails(args.NodeID)
	}

	maxDepth := clampInt(args.MaxDepth, impactDefaultDepth, 1, impactMaxDepth)

	visited := map[string]int{args.NodeID: 0}
	queue := []string{args.NodeID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		depth := visited[cur]
		if depth >= maxDepth {
			continue
		}
		neighbors := append(idx.OutgoingEdges(cur), idx.IncomingEdges(cur)...)
		for _, e := range neighbors {
			other := e.TargetID
			if other == cur {
				other = e.SourceID
			}
			if _, seen := visited[other]; seen {
				continue
			}
			visited[other] = depth + 1
			queue = append(queue, other)
		}
	}

	var nodes []sideindex.NodeRecord
	for id := range visited {
		if n, ok := idx.NodeByID(id); ok {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	hotspots := append([]sideindex.HotspotRecord(nil), idx.Hotspots...)
	if len(hotspots) > 10 {
		hotspots = hotspots[:10]
	}

	return Result{
		Data: ImpactResult{VisitedNodes: nodes, TopHotspots: hotspots},
		Confidence: NewConfidence(1.0, []string{"undirected-bfs", "depth-capped"}, nil),
	}, nil
}
