package tools

import (
	"encoding/json"
	"sort"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

// ProcessSummary is one process_list result row.
type ProcessSummary struct {
	ProcessID string `json:"processId"`
	Name      string `json:"name"`
	StepCount int    `json:"stepCount"`
}

func processList(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	nodes := idx.NodesByLabel("Process")

	summaries := make([]ProcessSummary, 0, len(nodes))
	for _, n := range nodes {
		summaries = append(summaries, ProcessSummary{
			ProcessID: n.ID,
			Name:      n.Name,
			StepCount: len(idx.StepsForProcess(n.ID)),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	return Result{
		Data:       summaries,
		Confidence: NewConfidence(1.0, []string{"exact-label-match"}, nil),
		Pagination: &Pagination{Returned: len(summaries)},
	}, nil
}

type processGetArgs struct {
	ProcessID string `json:"processId" validate:"required"`
}

func processGet(idx *sideindex.Index, raw json.RawMessage) (Result, error) {
	var args processGetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}

	steps := idx.StepsForProcess(args.ProcessID)
	if len(steps) == 0 {
		if _, ok := idx.NodeByID(args.ProcessID); !ok {
			return Result{}, apperrors.NewValidationError("processId not found").WithDetails(args.ProcessID)
		}
	}

	return Result{
		Data:       steps,
		Confidence: NewConfidence(1.0, []string{"exact-id-match"}, nil),
		Pagination: &Pagination{Returned: len(steps)},
	}, nil
}
