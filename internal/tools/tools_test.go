package tools_test

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
	"github.com/jordigilh/memvid-export-api/internal/tools"
)

func step(n int) *int { return &n }

func sampleIndex() *sideindex.Index {
	input := sideindex.DerivationInput{
		Nodes: []model.GraphNode{
			{ID: "n1", Label: "Function", Properties: map[string]interface{}{"name": "validateCart", "filePath": "checkout/cart.go", "lineStart": 10}},
			{ID: "n2", Label: "Function", Properties: map[string]interface{}{"name": "chargeCard", "filePath": "checkout/pay.go", "lineStart": 5}},
			{ID: "n3", Label: "Process", Properties: map[string]interface{}{"name": "checkout-flow"}},
			{ID: "n4", Label: "Function", Properties: map[string]interface{}{"name": "logEvent", "filePath": "checkout/cart.go", "lineStart": 40}},
		},
		Relationships: []model.GraphRelationship{
			{ID: "e1", SourceID: "n1", TargetID: "n2", Type: "CALLS", Confidence: 0.9},
			{ID: "e2", SourceID: "n3", TargetID: "n1", Type: "STEP_IN_PROCESS", Step: step(1)},
			{ID: "e3", SourceID: "n3", TargetID: "n2", Type: "STEP_IN_PROCESS", Step: step(2)},
		},
		Manifest: map[string]interface{}{"project": "shop"},
	}
	return sideindex.Derive(input, nil)
}

func TestRegistryCallSymbolLookup(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistryWithClock(func() time.Time { return time.Unix(0, 0) })

	args, _ := json.Marshal(map[string]string{"query": "validateCart"})
	env, err := reg.Call(idx, "symbol_lookup", args, "trace-1", 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if env.Tool != "symbol_lookup" {
		t.Errorf("Tool = %q", env.Tool)
	}
	if env.Confidence.Tier != "high" {
		t.Errorf("Confidence.Tier = %q, want high for exact match", env.Confidence.Tier)
	}
	matches, ok := env.Result.([]interface{})
	if !ok || len(matches) == 0 {
		t.Fatalf("Result = %+v, want at least one match", env.Result)
	}
}

func TestRegistryCallUnknownTool(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistry()
	_, err := reg.Call(idx, "not_a_tool", nil, "trace-1", 0)
	if !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegistryCallNodeGet(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistry()
	args, _ := json.Marshal(map[string]string{"nodeId": "n1"})
	env, err := reg.Call(idx, "node_get", args, "trace-1", 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	detail, ok := env.Result.(tools.NodeDetail)
	if !ok {
		t.Fatalf("Result type = %T", env.Result)
	}
	if detail.ID != "n1" || detail.OutDegree != 1 {
		t.Errorf("detail = %+v, want id n1 with outDegree 1", detail)
	}
}

func TestRegistryCallNodeGetMissing(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistry()
	args, _ := json.Marshal(map[string]string{"nodeId": "missing"})
	_, err := reg.Call(idx, "node_get", args, "trace-1", 0)
	if !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegistryCallNeighborsGetDirectionFilter(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistry()
	args, _ := json.Marshal(map[string]interface{}{"nodeId": "n1", "direction": "out"})
	env, err := reg.Call(idx, "neighbors_get", args, "trace-1", 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	neighbors, ok := env.Result.([]interface{})
	if !ok || len(neighbors) != 1 {
		t.Fatalf("Result = %+v, want 1 outgoing neighbor", env.Result)
	}
}

func TestRegistryCallProcessGet(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistry()
	args, _ := json.Marshal(map[string]string{"processId": "n3"})
	env, err := reg.Call(idx, "process_get", args, "trace-1", 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	steps, ok := env.Result.([]sideindex.ProcessStepRecord)
	if !ok || len(steps) != 2 {
		t.Fatalf("Result = %+v, want 2 steps", env.Result)
	}
	if steps[0].Step != 1 || steps[1].Step != 2 {
		t.Errorf("steps not ordered: %+v", steps)
	}
}

func TestRegistryCallFileOutlineSuffixMatch(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistry()
	args, _ := json.Marshal(map[string]string{"filePath": "cart.go"})
	env, err := reg.Call(idx, "file_outline", args, "trace-1", 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	nodes, ok := env.Result.([]sideindex.NodeRecord)
	if !ok || len(nodes) != 2 {
		t.Fatalf("Result = %+v, want 2 nodes in cart.go", env.Result)
	}
	if nodes[0].LineStart > nodes[1].LineStart {
		t.Errorf("nodes not sorted by line start: %+v", nodes)
	}
	if env.Confidence.Tier == "high" {
		t.Error("expected a non-high tier confidence for a suffix match")
	}
}

func TestRegistryCallQueryExplainClassifiesDebugTask(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistry()
	args, _ := json.Marshal(map[string]string{"task": "why is checkout failing"})
	env, err := reg.Call(idx, "query_explain", args, "trace-1", 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	explanation, ok := env.Result.(tools.QueryExplanation)
	if !ok || explanation.TaskClass != "debug/root-cause" {
		t.Fatalf("Result = %+v, want debug/root-cause", env.Result)
	}
}

func TestRegistryCallResultTruncatedOnTinyBudget(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistry()
	args, _ := json.Marshal(map[string]string{"query": "a"})
	_, err := reg.Call(idx, "text_search", args, "trace-1", 10)
	if !apperrors.IsType(err, apperrors.ErrorTypeResultTruncated) {
		t.Fatalf("expected result-truncated error, got %v", err)
	}
}

func TestPaginationAcrossTwoPages(t *testing.T) {
	idx := sampleIndex()
	reg := tools.NewRegistry()

	args, _ := json.Marshal(map[string]interface{}{"query": "ca", "limit": 1})
	env1, err := reg.Call(idx, "symbol_lookup", args, "trace-1", 0)
	if err != nil {
		t.Fatalf("Call (page 1): %v", err)
	}
	if env1.Pagination == nil || env1.Pagination.NextCursor == "" {
		t.Fatalf("expected a next cursor after page 1, got %+v", env1.Pagination)
	}

	args2, _ := json.Marshal(map[string]interface{}{"query": "ca", "limit": 1, "cursor": env1.Pagination.NextCursor})
	env2, err := reg.Call(idx, "symbol_lookup", args2, "trace-1", 0)
	if err != nil {
		t.Fatalf("Call (page 2): %v", err)
	}
	page1, _ := env1.Result.([]interface{})
	page2, _ := env2.Result.([]interface{})
	if len(page1) != 1 || len(page2) == 0 {
		t.Fatalf("expected non-empty pages, got %d and %d", len(page1), len(page2))
	}
	if page1[0] == page2[0] {
		t.Error("expected page 2 to advance past page 1's results")
	}
}
