package tools

import (
	"encoding/json"
	"strings"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

const (
	defaultLimit = 20
	hardCapLimit = 100
)

type symbolLookupArgs struct {
	Query  string `json:"query" validate:"required"`
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor"`
}

// SymbolMatch is one symbol_lookup result row.
type SymbolMatch struct {
	NormalizedName string  `json:"normalizedName"`
	NodeID         string  `json:"nodeId"`
	Score          float64 `json:"score"`
}

func symbolLookup(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args symbolLookupArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	query := strings.ToLower(strings.TrimSpace(args.Query))
	if query == "" {
		return Result{}, apperrors.NewValidationError("query must not be empty")
	}

	var items []ranked
	for _, sym := range idx.Symbols {
		score, matched := symbolScore(sym.NormalizedName, query)
		if !matched {
			continue
		}
		items = append(items, ranked{
			score:    score,
			tiebreak: sym.NormalizedName + "\x00" + sym.NodeID,
			value:    SymbolMatch{NormalizedName: sym.NormalizedName, NodeID: sym.NodeID, Score: score},
		})
	}
	rankedSort(items)

	page, pagination, err := paginate(items, args.Cursor, args.Limit, defaultLimit, hardCapLimit)
	if err != nil {
		return Result{}, err
	}

	top := 0.0
	if len(page) > 0 {
		top = page[0].(SymbolMatch).Score
	}
	return Result{
		Data:       page,
		Confidence: NewConfidence(top, []string{"lexical-match"}, nil),
		Pagination: pagination,
	}, nil
}

// symbolScore implements spec.md §4.6's symbol_lookup scoring: 1.0 on
// equality, 0.92 on prefix, 0.78 on substring.
func symbolScore(normalized, query string) (float64, bool) {
	switch {
	case normalized == query:
		return 1.0, true
	case strings.HasPrefix(normalized, query):
		return 0.92, true
	case strings.Contains(normalized, query):
		return 0.78, true
	default:
		return 0, false
	}
}

type nodeGetArgs struct {
	NodeID string `json:"nodeId" validate:"required"`
}

// NodeDetail is node_get's result payload.
type NodeDetail struct {
	sideindex.NodeRecord
	InDegree  int `json:"inDegree"`
	OutDegree int `json:"outDegree"`
}

func nodeGet(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args nodeGetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}

	node, ok := idx.NodeByID(args.NodeID)
	if !ok {
		return Result{}, apperrors.NewValidationError("node not found").WithDetails(args.NodeID)
	}

	detail := NodeDetail{
		NodeRecord: node,
		InDegree:   idx.InDegree(node.ID),
		OutDegree:  idx.OutDegree(node.ID),
	}
	return Result{
		Data:       detail,
		Confidence: NewConfidence(1.0, []string{"exact-id-match"}, nil),
	}, nil
}
