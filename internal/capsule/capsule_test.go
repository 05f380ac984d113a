package capsule_test

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jordigilh/memvid-export-api/internal/capsule"
	"github.com/jordigilh/memvid-export-api/internal/model"
)

func TestLocalWriterWritesManifestGraphAndFiles(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "demo.mv2")

	req := &model.ExportRequest{
		SessionID:   "sess-1",
		ProjectName: "demo",
		Nodes:       []model.GraphNode{{ID: "n1", Label: "Function"}},
		FileContents: map[string]string{
			"b.go": "package b",
			"a.go": "package a",
		},
	}

	var progressCalls int
	w := capsule.NewLocalWriter()
	size, err := w.Write(context.Background(), outputPath, req, func(written, total int64) {
		progressCalls++
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if size == 0 {
		t.Fatal("expected non-zero capsule size")
	}
	if progressCalls == 0 {
		t.Error("expected at least one progress callback")
	}

	f, err := os.Open(outputPath)
	if err != nil {
		t.Fatalf("open capsule: %v", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next: %v", err)
		}
		names = append(names, hdr.Name)
	}
	want := []string{"manifest.json", "graph.json", filepath.Join("files", "a.go"), filepath.Join("files", "b.go")}
	if len(names) != len(want) {
		t.Fatalf("tar entries = %v, want %v", names, want)
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("entry %d = %q, want %q", i, names[i], n)
		}
	}
}

func TestLocalWriterRespectsCancellation(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "demo.mv2")

	req := &model.ExportRequest{
		FileContents: map[string]string{"a.go": "x", "b.go": "y"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := capsule.NewLocalWriter()
	_, err := w.Write(ctx, outputPath, req, nil)
	if err == nil {
		t.Fatal("expected Write to observe an already-canceled context")
	}
}

func TestOutputBaseName(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	got := capsule.OutputBaseName("demo", now)
	want := "demo-mem_capsule-2026-07-31.mv2"
	if got != want {
		t.Errorf("OutputBaseName = %q, want %q", got, want)
	}
}
