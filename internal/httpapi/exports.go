package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/model"
)

var requestValidate = validator.New()

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"timestamp": s.clock().UTC(),
	})
}

// handleSubmitExport implements spec.md §4.9's submission contract: reject
// empty graphs, create the job record and its first event, then hand off
// to the pipeline queue without blocking on it.
func (s *Server) handleSubmitExport(w http.ResponseWriter, r *http.Request) {
	var req model.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.NewValidationError("malformed export request body"), true)
		return
	}
	if len(req.Nodes) == 0 || len(req.Relationships) == 0 {
		writeError(w, apperrors.NewValidationError("nodes and relationships must both be non-empty"), true)
		return
	}
	if err := requestValidate.Struct(&req); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "export request failed validation"), true)
		return
	}

	now := s.clock()
	jobID := s.newJobID()
	job := &model.JobRecord{
		ID:        jobID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.JobStatusQueued,
		Stage:     model.StageQueued,
		Request:   req.Clone(),
		NextSeq:   1,
	}
	if err := s.reg.Create(job); err != nil {
		writeError(w, err, true)
		return
	}

	if err := s.worker.Enqueue(jobID); err != nil {
		_ = s.reg.Update(jobID, func(j *model.JobRecord) {
			j.Status = model.JobStatusFailed
			j.Stage = model.StageFailed
			j.Error = &model.ErrorDescriptor{Code: "QUEUE_UNAVAILABLE", Message: err.Error()}
		})
		writeError(w, err, true)
		return
	}

	s.events.Append(jobID, model.EventStageProgress, model.StageQueued, 0, nil, "job queued", nil)

	snap, err := s.reg.Snapshot(jobID)
	if err != nil {
		writeError(w, err, true)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := s.reg.Snapshot(jobID)
	if err != nil {
		writeError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, _, err := s.reg.Cancel(jobID)
	if err != nil {
		writeError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type eventsResponse struct {
	Events  []model.Event `json:"events"`
	NextSeq int64         `json:"nextSeq"`
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := s.reg.Snapshot(jobID)
	if err != nil {
		writeError(w, err, false)
		return
	}
	if snap.Status == model.JobStatusExpired {
		writeError(w, apperrors.NewJobExpiredError(jobID), false)
		return
	}

	sinceSeq := parseInt64Query(r, "sinceSeq", 0)
	limit := int(parseInt64Query(r, "limit", 0))

	events, err := s.events.Since(jobID, sinceSeq, limit)
	if err != nil {
		writeError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, NextSeq: snap.LastEventSeq + 1})
}

func parseInt64Query(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

const sseKeepAlive = 2 * time.Second

// handleJobEventsStream serves the live SSE feed described in spec.md §6:
// history first, then live events, with a keep-alive comment every 2s so
// idle connections aren't reaped by intermediate proxies.
func (s *Server) handleJobEventsStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := s.reg.Snapshot(jobID)
	if err != nil {
		writeError(w, err, false)
		return
	}
	if snap.Status == model.JobStatusExpired {
		writeError(w, apperrors.NewJobExpiredError(jobID), false)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.NewInternalError(errors.New("streaming unsupported")), false)
		return
	}

	sub := s.bus.Subscribe(jobID)
	defer sub.Close()

	sinceSeq := parseInt64Query(r, "sinceSeq", 0)
	history, err := s.events.Since(jobID, sinceSeq, 0)
	if err != nil {
		writeError(w, err, false)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastSeq := sinceSeq
	for _, e := range history {
		writeSSEEvent(w, e)
		lastSeq = e.Seq
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-sub.Events:
			if !open {
				return
			}
			if e.Seq <= lastSeq {
				continue
			}
			writeSSEEvent(w, e)
			lastSeq = e.Seq
			flusher.Flush()
			if e.Kind.Terminal() {
				return
			}
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e model.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("id: " + strconv.FormatInt(e.Seq, 10) + "\n"))
	_, _ = w.Write([]byte("event: " + string(e.Kind) + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

// handleDownload streams the produced capsule (spec.md §6). The artifact
// path lives only on the live job record, never the snapshot, so this
// reaches into the registry directly via View.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var status model.JobStatus
	var artifactPath string
	var artifact *model.ArtifactDescriptor
	err := s.reg.View(jobID, func(job *model.JobRecord) {
		status = job.Status
		artifactPath = job.ArtifactPath
		artifact = job.Artifact
	})
	if err != nil {
		writeError(w, err, false)
		return
	}

	if status == model.JobStatusExpired {
		writeError(w, apperrors.NewArtifactMissingError(jobID), false)
		return
	}
	if status != model.JobStatusCompleted || artifact == nil || artifactPath == "" {
		writeError(w, apperrors.NewArtifactNotReadyError(jobID), false)
		return
	}

	f, err := os.Open(artifactPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, apperrors.NewArtifactMissingError(jobID), false)
			return
		}
		writeError(w, apperrors.NewInternalError(err), false)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(artifactPath)+`"`)
	http.ServeContent(w, r, artifact.FileName, time.Time{}, f)
}
