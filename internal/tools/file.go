package tools

import (
	"encoding/json"
	"sort"
	"strings"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

type fileOutlineArgs struct {
	FilePath string `json:"filePath" validate:"required"`
}

func fileOutline(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args fileOutlineArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}

	nodes, exact := resolveFileNodes(idx, args.FilePath)
	if len(nodes) == 0 {
		return Result{}, apperrors.NewValidationError("filePath not found").WithDetails(args.FilePath)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].LineStart != nodes[j].LineStart {
			return nodes[i].LineStart < nodes[j].LineStart
		}
		return nodes[i].Name < nodes[j].Name
	})

	score := 1.0
	factors := []string{"exact-path-match"}
	if !exact {
		score = 0.80
		factors = []string{"suffix-path-match"}
	}

	return Result{
		Data:       nodes,
		Confidence: NewConfidence(score, factors, nil),
		Pagination: &Pagination{Returned: len(nodes)},
	}, nil
}

// resolveFileNodes implements spec.md §4.6's file resolution: exact
// normalized match first, else suffix match against every known file.
func resolveFileNodes(idx *sideindex.Index, filePath string) ([]sideindex.NodeRecord, bool) {
	normalized := normalizePath(filePath)
	if nodes := idx.NodesByFile(filePath); len(nodes) > 0 {
		return nodes, true
	}

	var out []sideindex.NodeRecord
	seen := make(map[string]bool)
	for _, n := range idx.Nodes {
		if n.FilePath == "" || seen[n.FilePath] {
			continue
		}
		if strings.HasSuffix(normalizePath(n.FilePath), normalized) {
			out = append(out, idx.NodesByFile(n.FilePath)...)
			seen[n.FilePath] = true
		}
	}
	return out, false
}

func normalizePath(p string) string {
	return strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "./")
}

const (
	snippetMinChars     = 80
	snippetMaxChars     = 8000
	snippetDefaultChars = 1400
)

type fileSnippetArgs struct {
	NodeID   string `json:"nodeId"`
	FilePath string `json:"filePath"`
	MaxChars int    `json:"maxChars"`
}

func fileSnippet(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args fileSnippetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	if args.NodeID == "" && args.FilePath == "" {
		return Result{}, apperrors.NewValidationError("one of nodeId or filePath is required")
	}

	maxChars := args.MaxChars
	if maxChars == 0 {
		maxChars = snippetDefaultChars
	}
	if maxChars < snippetMinChars {
		maxChars = snippetMinChars
	}
	if maxChars > snippetMaxChars {
		maxChars = snippetMaxChars
	}

	var node sideindex.NodeRecord
	var ok bool
	if args.NodeID != "" {
		node, ok = idx.NodeByID(args.NodeID)
	} else {
		nodes, _ := resolveFileNodes(idx, args.FilePath)
		if len(nodes) > 0 {
			node, ok = nodes[0], true
		}
	}
	if !ok {
		return Result{}, apperrors.NewValidationError("node not found for snippet")
	}

	text := node.SearchText
	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	return Result{
		Data: map[string]interface{}{
			"nodeId":    node.ID,
			"filePath":  node.FilePath,
			"snippet":   text,
			"truncated": truncated,
		},
		Confidence: NewConfidence(1.0, []string{"resolved-node-text"}, nil),
	}, nil
}
