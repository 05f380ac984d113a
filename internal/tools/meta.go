package tools

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

// CommunitySummary is one community_list result row.
type CommunitySummary struct {
	CommunityID    string `json:"communityId"`
	MembershipSize int    `json:"membershipSize"`
}

func communityList(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	counts := make(map[string]int)
	for _, m := range idx.Communities {
		counts[m.CommunityID]++
	}
	summaries := make([]CommunitySummary, 0, len(counts))
	for id, count := range counts {
		summaries = append(summaries, CommunitySummary{CommunityID: id, MembershipSize: count})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CommunityID < summaries[j].CommunityID })

	return Result{
		Data:       summaries,
		Confidence: NewConfidence(1.0, []string{"exact-membership-count"}, nil),
		Pagination: &Pagination{Returned: len(summaries)},
	}, nil
}

// ManifestResult is manifest_get's result payload.
type ManifestResult struct {
	Manifest     map[string]interface{}      `json:"manifest"`
	Capabilities sideindex.Capabilities       `json:"capabilities"`
}

func manifestGet(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	return Result{
		Data:       ManifestResult{Manifest: idx.Manifest, Capabilities: idx.Capabilities},
		Confidence: NewConfidence(1.0, []string{"direct-manifest-read"}, nil),
	}, nil
}

type queryExplainArgs struct {
	Task  string `json:"task"`
	Query string `json:"query"`
}

// QueryExplanation is query_explain's result payload.
type QueryExplanation struct {
	TaskClass      string   `json:"taskClass"`
	RecommendedTools []string `json:"recommendedTools"`
}

func queryExplain(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args queryExplainArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}

	taskClass, tools := classifyTask(args.Task, args.Query)

	return Result{
		Data:       QueryExplanation{TaskClass: taskClass, RecommendedTools: tools},
		Confidence: NewConfidence(0.75, []string{"rule-based-classification"}, nil),
	}, nil
}

// classifyTask implements spec.md §4.6's rule-based recommendation: map a
// free-text task/query pair onto one of four task classes and a fixed
// tool sequence for that class.
func classifyTask(task, query string) (string, []string) {
	combined := strings.ToLower(task + " " + query)
	switch {
	case containsAny(combined, "debug", "root cause", "root-cause", "why", "fail", "error", "bug"):
		return "debug/root-cause", []string{"text_search", "node_get", "callers_of", "call_trace"}
	case containsAny(combined, "impact", "change", "risk", "blast radius", "affect"):
		return "impact/change", []string{"node_get", "impact_analysis", "callers_of", "callees_of"}
	case containsAny(combined, "architecture", "subsystem", "overview", "design", "structure"):
		return "architecture/subsystem", []string{"manifest_get", "process_list", "community_list", "file_outline"}
	default:
		return "other", []string{"symbol_lookup", "text_search", "node_get"}
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
