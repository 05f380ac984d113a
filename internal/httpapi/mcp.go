package httpapi

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/querycache"
	"github.com/jordigilh/memvid-export-api/internal/tools"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
)

// handleMCP dispatches the /mcp JSON-RPC 2.0 envelope (spec.md §6). The
// transport always answers 200; failures are JSON-RPC errors in the body,
// matching how the upstream tool-call contract expects clients to branch
// on `error` rather than HTTP status.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: "malformed JSON-RPC request"}})
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidRequest, Message: "jsonrpc must be \"2.0\""}})
		return
	}

	var result interface{}
	var callErr error

	switch req.Method {
	case "ping":
		result = map[string]interface{}{"pong": true}
	case "initialize":
		result = map[string]interface{}{
			"serverName":    "memvid-export-api",
			"schemaVersion": tools.SchemaVersion,
			"tools":         sortedToolNames(s.toolReg),
		}
	case "tools/list":
		result = map[string]interface{}{"tools": sortedToolNames(s.toolReg)}
	case "tools/call":
		result, callErr = s.dispatchToolCall(r, req.Params)
	default:
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcMethodNotFound, Message: "unknown method"}})
		return
	}

	if callErr != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(callErr)})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func sortedToolNames(reg *tools.Registry) []string {
	names := reg.Names()
	sort.Strings(names)
	return names
}

func toRPCError(err error) *rpcError {
	ae, ok := err.(*apperrors.AppError)
	if !ok {
		ae = apperrors.NewInternalError(err)
	}
	code := ae.JSONRPCCode()
	if code == 0 {
		code = -32603
	}
	return &rpcError{Code: code, Message: ae.Error()}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type locatorArgs struct {
	Locator struct {
		JobID       string `json:"jobId"`
		CapsulePath string `json:"capsulePath"`
	} `json:"locator"`
}

func (s *Server) dispatchToolCall(r *http.Request, params json.RawMessage) (interface{}, error) {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid tools/call params")
	}
	if !s.toolReg.Has(p.Name) {
		return nil, apperrors.NewValidationError("unknown tool").WithDetails(p.Name)
	}

	capsulePath, err := s.resolveLocator(p.Arguments)
	if err != nil {
		return nil, err
	}

	cacheKey := querycache.Key(capsulePath, p.Name, canonicalJSON(p.Arguments))
	if cached, ok := s.query.Get(cacheKey); ok {
		if s.metrics != nil {
			s.metrics.CacheHits.Inc()
		}
		return cached, nil
	}
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}

	idx, err := s.cache.GetOrLoad(capsulePath)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeInternal) {
			return nil, apperrors.NewCapsuleIncompatibleError(err.Error())
		}
		return nil, err
	}

	traceID := requestIDFromContext(r.Context())
	env, err := s.toolReg.Call(idx, p.Name, p.Arguments, traceID, s.cfg.ResponseBudgetBytes)
	if err != nil {
		return nil, err
	}
	s.query.Set(cacheKey, env)
	return env, nil
}

// canonicalJSON re-marshals raw through a generic value so identical
// arguments collide on the same cache key regardless of field order
// (encoding/json always emits object keys in sorted order).
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// resolveLocator implements spec.md §6's precedence: jobId, then
// capsulePath (constrained to the export root unless explicitly allowed),
// then the latest completed job.
func (s *Server) resolveLocator(rawArgs json.RawMessage) (string, error) {
	var la locatorArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &la); err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid locator")
		}
	}

	switch {
	case la.Locator.JobID != "":
		return s.capsulePathForJob(la.Locator.JobID)
	case la.Locator.CapsulePath != "":
		return s.validateExternalCapsule(la.Locator.CapsulePath)
	default:
		return s.latestCompletedCapsulePath()
	}
}

func (s *Server) capsulePathForJob(jobID string) (string, error) {
	var path string
	var status model.JobStatus
	err := s.reg.View(jobID, func(job *model.JobRecord) {
		path = job.ArtifactPath
		status = job.Status
	})
	if err != nil {
		return "", err
	}
	if status != model.JobStatusCompleted || path == "" {
		return "", apperrors.NewValidationError("job has no completed artifact").WithDetailsf("jobId=%s", jobID)
	}
	return path, nil
}

func (s *Server) validateExternalCapsule(path string) (string, error) {
	if s.cfg.AllowExternalCapsules {
		return path, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid capsule path")
	}
	root, err := filepath.Abs(s.cfg.ExportRoot)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid export root")
	}
	if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", apperrors.NewValidationError("capsulePath is outside the export root").WithDetails(path)
	}
	return abs, nil
}

func (s *Server) latestCompletedCapsulePath() (string, error) {
	candidates := s.reg.ListTerminal(func(job *model.JobRecord) bool {
		return job.Status == model.JobStatusCompleted && job.ArtifactPath != ""
	})
	if len(candidates) == 0 {
		return "", apperrors.NewJobNotFoundError("").WithDetails("no completed export jobs available")
	}
	latest := candidates[0]
	for _, c := range candidates[1:] {
		if c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
		}
	}
	return latest.ArtifactPath, nil
}
