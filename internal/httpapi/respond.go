package httpapi

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
)

// errorBody is the JSON shape every non-2xx HTTP response (outside /mcp,
// which uses the JSON-RPC envelope instead) carries.
type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// errorCode maps an ErrorType onto the wire code names spec.md §7 and §6
// use in example responses (INVALID_EXPORT_REQUEST is a submission-only
// alias of invalid_argument).
func errorCode(t apperrors.ErrorType, forSubmission bool) string {
	if forSubmission && t == apperrors.ErrorTypeValidation {
		return "INVALID_EXPORT_REQUEST"
	}
	switch t {
	case apperrors.ErrorTypeUnauthorized:
		return "UNAUTHORIZED"
	case apperrors.ErrorTypeValidation:
		return "INVALID_ARGUMENT"
	case apperrors.ErrorTypeJobNotFound:
		return "JOB_NOT_FOUND"
	case apperrors.ErrorTypeArtifactNotReady:
		return "ARTIFACT_NOT_READY"
	case apperrors.ErrorTypeArtifactMissing:
		return "ARTIFACT_MISSING"
	case apperrors.ErrorTypeJobExpired:
		return "JOB_EXPIRED"
	case apperrors.ErrorTypeQueueUnavailable:
		return "QUEUE_UNAVAILABLE"
	case apperrors.ErrorTypeRateLimited:
		return "RATE_LIMITED"
	case apperrors.ErrorTypeCapsuleIncompatible:
		return "CAPSULE_INCOMPATIBLE"
	case apperrors.ErrorTypeResultTruncated:
		return "RESULT_TRUNCATED"
	case apperrors.ErrorTypeTimeout:
		return "TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError converts err into its mapped status code and body. A
// non-*AppError is treated as ErrorTypeInternal, matching the pipeline
// worker's own escape-hatch policy.
func writeError(w http.ResponseWriter, err error, forSubmission bool) {
	ae, ok := err.(*apperrors.AppError)
	if !ok {
		ae = apperrors.NewInternalError(err)
	}
	writeJSON(w, ae.StatusCode(), errorBody{Error: errorPayload{
		Code:    errorCode(ae.Type, forSubmission),
		Message: ae.Message,
		Details: ae.Details,
	}})
}
