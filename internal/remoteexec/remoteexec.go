// Package remoteexec is the client side of the optional remote GPU
// execution backend (spec.md §4.7 "optional remote executor path"). The
// RemoteExecutor interface is the out-of-scope collaborator boundary;
// HTTPExecutor is the one concrete client, wrapped in a gobreaker circuit
// breaker so repeated backend failures trip open and fail fast instead of
// hammering it on every poll tick.
package remoteexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
)

// Status mirrors the remote backend's job lifecycle, distinct from
// model.JobStatus since the remote side has its own vocabulary.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether this remote status will not change further.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// StatusResult is what a poll returns.
type StatusResult struct {
	Status       Status
	Message      string
	OutputDir    string
	ErrorMessage string
}

// RemoteExecutor is the out-of-scope collaborator for the remote backend
// path: submit a staged payload, poll its status, and best-effort cancel.
type RemoteExecutor interface {
	Submit(ctx context.Context, remoteJobID, payloadPath string) error
	Poll(ctx context.Context, remoteJobID string) (StatusResult, error)
	Cancel(ctx context.Context, remoteJobID string) error
}

// HTTPExecutor implements RemoteExecutor against a JSON HTTP backend,
// circuit-broken with gobreaker so a backend outage fails fast instead of
// every job's poll loop independently hammering it.
type HTTPExecutor struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPExecutor(baseURL, apiKey string, timeout time.Duration) *HTTPExecutor {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-executor",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &HTTPExecutor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (e *HTTPExecutor) Submit(ctx context.Context, remoteJobID, payloadPath string) error {
	body, err := json.Marshal(map[string]string{
		"jobId":       remoteJobID,
		"payloadPath": payloadPath,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal submit payload")
	}
	_, err = e.do(ctx, http.MethodPost, "/jobs", body)
	return err
}

func (e *HTTPExecutor) Poll(ctx context.Context, remoteJobID string) (StatusResult, error) {
	respBody, err := e.do(ctx, http.MethodGet, "/jobs/"+remoteJobID, nil)
	if err != nil {
		return StatusResult{}, err
	}
	var result StatusResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return StatusResult{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "decode poll response")
	}
	return result, nil
}

func (e *HTTPExecutor) Cancel(ctx context.Context, remoteJobID string) error {
	_, err := e.do(ctx, http.MethodDelete, "/jobs/"+remoteJobID, nil)
	return err
}

func (e *HTTPExecutor) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	result, err := e.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("remote executor %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
		}
		return respBody, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeQueueUnavailable, "remote executor circuit open")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "remote executor request failed")
	}
	return result.([]byte), nil
}
