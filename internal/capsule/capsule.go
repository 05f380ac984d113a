// Package capsule defines the CapsuleWriter collaborator boundary
// (spec.md §4.7) and ships one concrete, local default implementation: a
// tar+manifest file with a fixed member layout and ordering. It is NOT the
// proprietary embedding/vector capsule format the production backend
// produces — it exists so the export pipeline is exercisable end-to-end
// without that backend.
package capsule

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jordigilh/memvid-export-api/internal/model"
)

// ProgressFunc is invoked as the writer makes progress, reporting bytes
// written so far against an estimated total. The pipeline maps this into
// its stage progress window; its callback does not check for cancellation,
// which the worker checks only between stages.
type ProgressFunc func(written, total int64)

// Writer is the out-of-scope external collaborator that turns a cloned
// export request into an on-disk capsule artifact.
type Writer interface {
	Write(ctx context.Context, outputPath string, req *model.ExportRequest, onProgress ProgressFunc) (sizeBytes int64, err error)
}

// LocalWriter is the in-repo reference implementation: it serializes the
// request's nodes, relationships, and file contents into a tar archive
// with a manifest.json header entry. Each file-content entry is written
// as its own tar member so onProgress can report meaningful increments.
type LocalWriter struct{}

func NewLocalWriter() *LocalWriter { return &LocalWriter{} }

type manifestEntry struct {
	GeneratedAt   time.Time `json:"generatedAt"`
	SessionID     string    `json:"sessionId"`
	ProjectName   string    `json:"projectName"`
	NodeCount     int       `json:"nodeCount"`
	RelationCount int       `json:"relationCount"`
	FileCount     int       `json:"fileCount"`
}

func (w *LocalWriter) Write(ctx context.Context, outputPath string, req *model.ExportRequest, onProgress ProgressFunc) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, fmt.Errorf("create capsule directory: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create capsule file: %w", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	manifest := manifestEntry{
		GeneratedAt:   time.Now(),
		SessionID:     req.SessionID,
		ProjectName:   req.ProjectName,
		NodeCount:     len(req.Nodes),
		RelationCount: len(req.Relationships),
		FileCount:     len(req.FileContents),
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeTarEntry(tw, "manifest.json", manifestBytes); err != nil {
		return 0, err
	}

	graphBytes, err := json.Marshal(struct {
		Nodes         []model.GraphNode         `json:"nodes"`
		Relationships []model.GraphRelationship `json:"relationships"`
	}{req.Nodes, req.Relationships})
	if err != nil {
		return 0, fmt.Errorf("marshal graph: %w", err)
	}
	if err := writeTarEntry(tw, "graph.json", graphBytes); err != nil {
		return 0, err
	}

	var written int64
	total := estimateTotalBytes(req)
	written += int64(len(manifestBytes) + len(graphBytes))
	if onProgress != nil {
		onProgress(written, total)
	}

	for _, name := range sortedFileNames(req.FileContents) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		content := req.FileContents[name]
		if err := writeTarEntry(tw, filepath.Join("files", name), []byte(content)); err != nil {
			return 0, err
		}
		written += int64(len(content))
		if onProgress != nil {
			onProgress(written, total)
		}
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("finalize capsule archive: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, fmt.Errorf("stat capsule: %w", err)
	}
	return info.Size(), nil
}

func writeTarEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %s: %w", name, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("write tar content %s: %w", name, err)
	}
	return nil
}

func estimateTotalBytes(req *model.ExportRequest) int64 {
	var total int64
	for _, c := range req.FileContents {
		total += int64(len(c))
	}
	return total + 1024 // manifest + graph overhead estimate
}

func sortedFileNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	// Fixed ordering regardless of map iteration order; GeneratedAt and
	// each tar entry's ModTime still reflect actual write time, so this
	// does not make repeated writes byte-identical.
	sort.Strings(names)
	return names
}

// OutputBaseName builds the "<basename>-mem_capsule-<YYYY-MM-DD>.mv2" file
// name from spec.md §4.7 step 3.
func OutputBaseName(baseName string, now time.Time) string {
	return fmt.Sprintf("%s-mem_capsule-%s.mv2", baseName, now.Format("2006-01-02"))
}
