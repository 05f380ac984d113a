package capsule

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

// RebuildSource reopens a capsule written by LocalWriter and extracts its
// graph.json and manifest.json members, satisfying sideindex.RebuildSource
// for the side-index cache's rebuild-on-miss path (spec.md §4.5.3). It
// only ever reads tar members this package itself wrote.
type RebuildSource struct{}

func NewRebuildSource() *RebuildSource { return &RebuildSource{} }

type capsuleGraph struct {
	Nodes         []model.GraphNode         `json:"nodes"`
	Relationships []model.GraphRelationship `json:"relationships"`
}

// Load implements sideindex.RebuildSource.
func (RebuildSource) Load(capsulePath string) (sideindex.DerivationInput, error) {
	f, err := os.Open(capsulePath)
	if err != nil {
		return sideindex.DerivationInput{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "open capsule").WithDetails(capsulePath)
	}
	defer f.Close()

	tr := tar.NewReader(f)

	var graph capsuleGraph
	var manifestEntry manifestEntry
	var sawGraph, sawManifest bool

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sideindex.DerivationInput{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "read capsule archive").WithDetails(capsulePath)
		}
		switch hdr.Name {
		case "graph.json":
			if err := json.NewDecoder(tr).Decode(&graph); err != nil {
				return sideindex.DerivationInput{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode graph.json").WithDetails(capsulePath)
			}
			sawGraph = true
		case "manifest.json":
			if err := json.NewDecoder(tr).Decode(&manifestEntry); err != nil {
				return sideindex.DerivationInput{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode manifest.json").WithDetails(capsulePath)
			}
			sawManifest = true
		}
	}
	if !sawGraph || !sawManifest {
		return sideindex.DerivationInput{}, apperrors.New(apperrors.ErrorTypeInternal, "capsule missing graph.json or manifest.json").WithDetails(capsulePath)
	}

	return sideindex.DerivationInput{
		Nodes:         graph.Nodes,
		Relationships: graph.Relationships,
		Manifest: map[string]interface{}{
			"sessionId":   manifestEntry.SessionID,
			"projectName": manifestEntry.ProjectName,
		},
	}, nil
}
