// Package model holds the data types shared by the job registry, event
// log, export pipeline, and request surface: the Job Record, Event,
// Artifact Descriptor, and Graph Input shapes from spec.md §3.
package model

import "time"

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusExpired   JobStatus = "expired"
)

// Terminal reports whether a job in this status will never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled, JobStatusExpired:
		return true
	default:
		return false
	}
}

type Stage string

const (
	StageQueued       Stage = "queued"
	StageTransform    Stage = "transform"
	StageFramePrep    Stage = "frame-prep"
	StageWriteCapsule Stage = "write-capsule"
	StageBuildSidecar Stage = "build-sidecar"
	StageFinalize     Stage = "finalize"
	StageDownloadReady Stage = "download-ready"
	StageFailed       Stage = "failed"
	StageCanceled     Stage = "canceled"
	StageExpired      Stage = "expired"
)

// ErrorDescriptor is the stored error for a failed job.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ArtifactDescriptor describes a produced capsule file.
type ArtifactDescriptor struct {
	FileName    string    `json:"fileName"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
	SizeBytes   int64     `json:"sizeBytes"`
}

// BackendMetadata records which execution backend is driving the job and
// any remote-executor bookkeeping needed to poll or cancel it.
type BackendMetadata struct {
	Mode          string `json:"mode"` // "local" or "remote"
	RemoteJobID   string `json:"remoteJobId,omitempty"`
	StagingPath   string `json:"stagingPath,omitempty"`
	OutputDirPath string `json:"outputDirPath,omitempty"`
}

// JobRecord is the authoritative per-job state, per spec.md §3. It is
// mutated exclusively by the export pipeline worker and the cancel
// handler, always under the registry's per-job lock.
type JobRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`

	Stage         Stage `json:"stage"`
	StageProgress int   `json:"stageProgress"`

	Message string `json:"message"`

	// Request is retained only while needed by the pipeline and is nulled
	// out on any terminal transition.
	Request *ExportRequest `json:"-"`

	Artifact     *ArtifactDescriptor `json:"artifact,omitempty"`
	ArtifactPath string              `json:"-"`
	Error        *ErrorDescriptor    `json:"error,omitempty"`

	Backend *BackendMetadata `json:"backend,omitempty"`

	// Event sequence state, owned jointly with the event log package: both
	// live here because event append and job mutation happen in the same
	// critical section (spec.md §4.2).
	Events  []Event `json:"-"`
	NextSeq int64   `json:"-"`

	LastEventAt time.Time `json:"-"`

	// CancelRequested is observed by the pipeline worker at each checkpoint
	// between stages. It is set by the cancel handler under the registry
	// lock and never cleared.
	CancelRequested bool `json:"-"`
}

// Snapshot is the externally-serializable, read-only view of a JobRecord
// returned by the registry and the request surface.
type Snapshot struct {
	ID            string              `json:"id"`
	Status        JobStatus           `json:"status"`
	Progress      int                 `json:"progress"`
	Stage         Stage               `json:"stage"`
	StageProgress int                 `json:"stageProgress"`
	Message       string              `json:"message"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	ElapsedMs     int64               `json:"elapsedMs"`
	Artifact      *ArtifactDescriptor `json:"artifact,omitempty"`
	Error         *ErrorDescriptor    `json:"error,omitempty"`
	LastEventSeq  int64               `json:"lastEventSeq"`
}

// ToSnapshot builds the serializable view. now is passed in so callers
// (including tests) control the clock.
func (j *JobRecord) ToSnapshot(now time.Time) Snapshot {
	elapsed := now.Sub(j.CreatedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return Snapshot{
		ID:            j.ID,
		Status:        j.Status,
		Progress:      j.Progress,
		Stage:         j.Stage,
		StageProgress: j.StageProgress,
		Message:       j.Message,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		ElapsedMs:     elapsed,
		Artifact:      j.Artifact,
		Error:         j.Error,
		LastEventSeq:  j.NextSeq - 1,
	}
}

// Clamp100 clamps a progress value into [0,100].
func Clamp100(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
