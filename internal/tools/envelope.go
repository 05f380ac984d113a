// Package tools implements the sixteen read-only query tools over a
// loaded side-index (spec.md §4.6): each validates its arguments, ranks
// and paginates its results deterministically, and returns a uniform
// response envelope with a confidence block.
package tools

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
)

// SchemaVersion is the envelope schema version every tool response carries.
const SchemaVersion = "v1"

// Envelope is the uniform response shape for every tool (spec.md §4.6).
type Envelope struct {
	SchemaVersion string         `json:"schemaVersion"`
	TraceID       string         `json:"traceId"`
	Tool          string         `json:"tool"`
	Confidence    Confidence     `json:"confidence"`
	Result        interface{}    `json:"result"`
	Pagination    *Pagination    `json:"pagination,omitempty"`
	TimingMs      int64          `json:"timingMs"`
}

// Pagination describes the slice of a ranked result set returned.
type Pagination struct {
	NextCursor string `json:"nextCursor,omitempty"`
	Truncated  bool   `json:"truncated"`
	Returned   int    `json:"returned"`
}

// Confidence is the per-response scoring block (spec.md §4.6).
type Confidence struct {
	Score    float64  `json:"score"`
	Tier     string   `json:"tier"`
	Factors  []string `json:"factors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewConfidence rounds score to 3 decimals and assigns its tier: high >=
// 0.85, medium >= 0.60, else low.
func NewConfidence(score float64, factors []string, warnings []string) Confidence {
	rounded := math.Round(score*1000) / 1000
	return Confidence{
		Score:    rounded,
		Tier:     tierFor(rounded),
		Factors:  factors,
		Warnings: warnings,
	}
}

func tierFor(score float64) string {
	switch {
	case score >= 0.85:
		return "high"
	case score >= 0.60:
		return "medium"
	default:
		return "low"
	}
}

// ranked is one scored row awaiting pagination, identified by a stable
// tiebreak key used both for deterministic sort and cursor encoding.
type ranked struct {
	score    float64
	tiebreak string
	value    interface{}
}

// rankedSort implements spec.md §4.6's deterministic ordering: score
// desc, then tiebreak key asc.
func rankedSort(items []ranked) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].tiebreak < items[j].tiebreak
	})
}

// encodeCursor implements spec.md §4.6's cursor format:
// "<score:%.6f>::<tiebreak_key>".
func encodeCursor(r ranked) string {
	return fmt.Sprintf("%.6f::%s", r.score, r.tiebreak)
}

// decodeCursor parses a cursor produced by encodeCursor. An empty cursor
// decodes to the zero value with ok=true, meaning "start from the top".
func decodeCursor(cursor string) (score float64, tiebreak string, ok bool) {
	if cursor == "" {
		return 0, "", true
	}
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	s, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, "", false
	}
	return s, parts[1], true
}

// afterCursor reports whether r comes strictly after the position encoded
// by (score, tiebreak) in rank order (score desc, tiebreak asc).
func afterCursor(r ranked, score float64, tiebreak string) bool {
	if r.score != score {
		return r.score < score
	}
	return r.tiebreak > tiebreak
}

// paginate applies cursor + limit to a sorted ranked slice, returning the
// page's values in order plus the Pagination block. defaultLimit and
// hardCap follow spec.md §4.6 ("default 20-25 per tool, hard cap 100-150").
func paginate(items []ranked, cursor string, limit, defaultLimit, hardCap int) ([]interface{}, *Pagination, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > hardCap {
		limit = hardCap
	}

	startScore, startTiebreak, ok := decodeCursor(cursor)
	if !ok {
		return nil, nil, apperrors.NewValidationError("malformed cursor")
	}

	var page []interface{}
	var lastRanked ranked
	haveLast := false
	truncated := false

	for _, r := range items {
		if cursor != "" && !afterCursor(r, startScore, startTiebreak) {
			continue
		}
		if len(page) >= limit {
			truncated = true
			break
		}
		page = append(page, r.value)
		lastRanked = r
		haveLast = true
	}

	p := &Pagination{Truncated: truncated, Returned: len(page)}
	if haveLast {
		p.NextCursor = encodeCursor(lastRanked)
	}
	return page, p, nil
}
