package tools

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

var validate = validator.New()

// Result is what an individual tool implementation produces before the
// dispatcher wraps it into an Envelope.
type Result struct {
	Data       interface{}
	Confidence Confidence
	Pagination *Pagination
}

// Func is one tool's implementation, given the loaded index and its
// already-JSON-decoded arguments.
type Func func(idx *sideindex.Index, args json.RawMessage) (Result, error)

// Clock is overridable for deterministic timing in tests.
type Clock func() time.Time

// Registry dispatches tool calls by name.
type Registry struct {
	funcs map[string]Func
	clock Clock
}

// NewRegistry builds the registry with all sixteen tools wired in.
func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

func NewRegistryWithClock(clock Clock) *Registry {
	r := &Registry{funcs: make(map[string]Func), clock: clock}
	r.register("symbol_lookup", symbolLookup)
	r.register("node_get", nodeGet)
	r.register("neighbors_get", neighborsGet)
	r.register("edge_get", edgeGet)
	r.register("text_search", textSearch)
	r.register("call_trace", callTrace)
	r.register("callers_of", callersOf)
	r.register("callees_of", calleesOf)
	r.register("process_list", processList)
	r.register("process_get", processGet)
	r.register("impact_analysis", impactAnalysis)
	r.register("file_outline", fileOutline)
	r.register("file_snippet", fileSnippet)
	r.register("community_list", communityList)
	r.register("manifest_get", manifestGet)
	r.register("query_explain", queryExplain)
	return r
}

func (r *Registry) register(name string, fn Func) { r.funcs[name] = fn }

// Names returns every registered tool name, used by tools/list.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	return names
}

// Has reports whether name is a known tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// responseBudget bounds the serialized envelope size; exceeding it fails
// the call with RESULT_TRUNCATED (spec.md §4.6).
func (r *Registry) Call(idx *sideindex.Index, name string, args json.RawMessage, traceID string, responseBudgetBytes int) (*Envelope, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, apperrors.NewValidationError("unknown tool").WithDetails(name)
	}

	start := r.clock()
	res, err := fn(idx, args)
	if err != nil {
		return nil, err
	}
	elapsed := r.clock().Sub(start).Milliseconds()

	env := &Envelope{
		SchemaVersion: SchemaVersion,
		TraceID:       traceID,
		Tool:          name,
		Confidence:    res.Confidence,
		Result:        res.Data,
		Pagination:    res.Pagination,
		TimingMs:      elapsed,
	}

	if responseBudgetBytes > 0 {
		encoded, marshalErr := json.Marshal(env)
		if marshalErr == nil && len(encoded) > responseBudgetBytes {
			return nil, apperrors.NewResultTruncatedError()
		}
	}
	return env, nil
}

// decodeArgs unmarshals raw into target and validates it with the
// go-playground/validator tags, converting failures into INVALID_ARGUMENT.
func decodeArgs(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid tool arguments")
	}
	if err := validate.Struct(target); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "tool argument validation failed")
	}
	return nil
}
