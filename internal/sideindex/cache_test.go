package sideindex_test

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

type countingSource struct {
	calls int32
	input sideindex.DerivationInput
}

func (s *countingSource) Load(capsulePath string) (sideindex.DerivationInput, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.input, nil
}

func sampleInput() sideindex.DerivationInput {
	return sideindex.DerivationInput{
		Nodes: []model.GraphNode{
			{ID: "n1", Label: "Function", Properties: map[string]interface{}{"name": "foo"}},
		},
	}
}

func TestGetOrLoadBuildsAndCachesSidecar(t *testing.T) {
	dir := t.TempDir()
	capsulePath := filepath.Join(dir, "export.mv2")
	source := &countingSource{input: sampleInput()}
	cache := sideindex.NewCache(source, nil)

	idx1, err := cache.GetOrLoad(capsulePath)
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if len(idx1.Nodes) != 1 {
		t.Fatalf("len(Nodes) = %d, want 1", len(idx1.Nodes))
	}

	idx2, err := cache.GetOrLoad(capsulePath)
	if err != nil {
		t.Fatalf("GetOrLoad (cached): %v", err)
	}
	if idx1 != idx2 {
		t.Error("expected second GetOrLoad to return the same cached pointer")
	}
	if atomic.LoadInt32(&source.calls) != 1 {
		t.Errorf("rebuild source called %d times, want 1", source.calls)
	}
}

func TestGetOrLoadCollapsesConcurrentCalls(t *testing.T) {
	dir := t.TempDir()
	capsulePath := filepath.Join(dir, "export.mv2")
	source := &countingSource{input: sampleInput()}
	cache := sideindex.NewCache(source, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetOrLoad(capsulePath); err != nil {
				t.Errorf("GetOrLoad: %v", err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&source.calls) != 1 {
		t.Errorf("rebuild source called %d times under concurrency, want 1", source.calls)
	}
}

func TestGetOrLoadReloadsFromExistingSidecarWithoutRebuild(t *testing.T) {
	dir := t.TempDir()
	capsulePath := filepath.Join(dir, "export.mv2")
	source := &countingSource{input: sampleInput()}

	first := sideindex.NewCache(source, nil)
	if _, err := first.GetOrLoad(capsulePath); err != nil {
		t.Fatalf("GetOrLoad (build): %v", err)
	}

	second := sideindex.NewCache(source, nil)
	idx, err := second.GetOrLoad(capsulePath)
	if err != nil {
		t.Fatalf("GetOrLoad (reload): %v", err)
	}
	if len(idx.Nodes) != 1 {
		t.Fatalf("len(Nodes) = %d, want 1 after sidecar reload", len(idx.Nodes))
	}
	if atomic.LoadInt32(&source.calls) != 1 {
		t.Errorf("rebuild source called %d times, want 1 (second cache should load the sidecar, not rebuild)", source.calls)
	}
}

func TestInvalidateDropsCachedEntry(t *testing.T) {
	dir := t.TempDir()
	capsulePath := filepath.Join(dir, "export.mv2")
	source := &countingSource{input: sampleInput()}
	cache := sideindex.NewCache(source, nil)

	cache.GetOrLoad(capsulePath)
	if cache.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", cache.Len())
	}
	cache.Invalidate(capsulePath)
	if cache.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Invalidate", cache.Len())
	}
}

func TestSidecarPathSuffix(t *testing.T) {
	got := sideindex.SidecarPath("/exports/job/demo-mem_capsule-2026-07-31.mv2")
	want := "/exports/job/demo-mem_capsule-2026-07-31.mv2.index.v1.sqlite"
	if got != want {
		t.Errorf("SidecarPath = %q, want %q", got, want)
	}
	if !sideindex.IsSidecarPath(got) {
		t.Error("expected IsSidecarPath to recognize its own suffix")
	}
}
