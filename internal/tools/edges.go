package tools

import (
	"encoding/json"
	"strings"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

type edgeGetArgs struct {
	EdgeID string `json:"edgeId" validate:"required"`
}

// EdgeDetail is edge_get's result payload, with both endpoints resolved.
type EdgeDetail struct {
	sideindex.EdgeRecord
	Source *sideindex.NodeRecord `json:"source,omitempty"`
	Target *sideindex.NodeRecord `json:"target,omitempty"`
}

func edgeGet(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args edgeGetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}

	edge, ok := idx.EdgeByID(args.EdgeID)
	if !ok {
		return Result{}, apperrors.NewValidationError("edge not found").WithDetails(args.EdgeID)
	}

	detail := EdgeDetail{EdgeRecord: edge}
	if src, ok := idx.NodeByID(edge.SourceID); ok {
		detail.Source = &src
	}
	if tgt, ok := idx.NodeByID(edge.TargetID); ok {
		detail.Target = &tgt
	}

	return Result{
		Data:       detail,
		Confidence: NewConfidence(1.0, []string{"exact-id-match"}, nil),
	}, nil
}

type neighborsGetArgs struct {
	NodeID       string `json:"nodeId" validate:"required"`
	Direction    string `json:"direction"`
	RelationType string `json:"relationType"`
	Limit        int    `json:"limit"`
	Cursor       string `json:"cursor"`
}

// Neighbor is one neighbors_get result row.
type Neighbor struct {
	Edge  sideindex.EdgeRecord  `json:"edge"`
	Node  sideindex.NodeRecord  `json:"node"`
	Score float64               `json:"score"`
}

func neighborsGet(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args neighborsGetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	direction := strings.ToLower(args.Direction)
	if direction == "" {
		direction = "both"
	}
	if direction != "in" && direction != "out" && direction != "both" {
		return Result{}, apperrors.NewValidationError("direction must be one of in/out/both")
	}

	var edges []sideindex.EdgeRecord
	if direction == "out" || direction == "both" {
		edges = append(edges, idx.OutgoingEdges(args.NodeID)...)
	}
	if direction == "in" || direction == "both" {
		edges = append(edges, idx.IncomingEdges(args.NodeID)...)
	}

	var items []ranked
	for _, e := range edges {
		if args.RelationType != "" && e.RelType != args.RelationType {
			continue
		}
		otherID := e.TargetID
		if e.TargetID == args.NodeID {
			otherID = e.SourceID
		}
		node, _ := idx.NodeByID(otherID)
		score := 0.70 + 0.30*e.Confidence
		items = append(items, ranked{
			score:    score,
			tiebreak: e.ID,
			value:    Neighbor{Edge: e, Node: node, Score: score},
		})
	}
	rankedSort(items)

	page, pagination, err := paginate(items, args.Cursor, args.Limit, defaultLimit, hardCapLimit)
	if err != nil {
		return Result{}, err
	}

	top := 0.0
	if len(page) > 0 {
		top = page[0].(Neighbor).Score
	}
	return Result{
		Data:       page,
		Confidence: NewConfidence(top, []string{"edge-confidence-weighted"}, nil),
		Pagination: pagination,
	}, nil
}

func callersOf(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	return callEdgesOf(idx, raw, true)
}

func calleesOf(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	return callEdgesOf(idx, raw, false)
}

type callEdgesArgs struct {
	NodeID string `json:"nodeId" validate:"required"`
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor"`
}

func callEdgesOf(idx *sideindex.Index, raw json.RawMessage, incoming bool) (Result, error) {
	var args callEdgesArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}

	var edges []sideindex.EdgeRecord
	if incoming {
		edges = idx.IncomingEdges(args.NodeID)
	} else {
		edges = idx.OutgoingEdges(args.NodeID)
	}

	var items []ranked
	for _, e := range edges {
		if e.RelType != "CALLS" {
			continue
		}
		otherID := e.SourceID
		if !incoming {
			otherID = e.TargetID
		}
		node, _ := idx.NodeByID(otherID)
		score := 0.70 + 0.30*e.Confidence
		items = append(items, ranked{
			score:    score,
			tiebreak: e.ID,
			value:    Neighbor{Edge: e, Node: node, Score: score},
		})
	}
	rankedSort(items)

	page, pagination, err := paginate(items, args.Cursor, args.Limit, defaultLimit, hardCapLimit)
	if err != nil {
		return Result{}, err
	}

	top := 0.0
	if len(page) > 0 {
		top = page[0].(Neighbor).Score
	}
	return Result{
		Data:       page,
		Confidence: NewConfidence(top, []string{"edge-confidence-weighted"}, nil),
		Pagination: pagination,
	}, nil
}
