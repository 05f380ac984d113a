// Package registry is the sole custodian of the in-memory Job Records map
// (spec.md §4.1). Jobs are mutated only through Update and Cancel, both of
// which hold the registry's write lock, which serializes access per the
// single-writer discipline the service relies on instead of an actor
// runtime (see DESIGN.md).
package registry

import (
	"sync"
	"time"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/model"
)

// Clock is overridable for deterministic tests.
type Clock func() time.Time

// Registry holds every job currently known to the process.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*model.JobRecord
	clock Clock
}

func New() *Registry {
	return &Registry{
		jobs:  make(map[string]*model.JobRecord),
		clock: time.Now,
	}
}

// NewWithClock is used by tests that need control over "now".
func NewWithClock(clock Clock) *Registry {
	r := New()
	r.clock = clock
	return r
}

// Create inserts a new job record. Fails if the id is already present.
func (r *Registry) Create(job *model.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return apperrors.New(apperrors.ErrorTypeInternal, "job id already exists").WithDetails(job.ID)
	}
	r.jobs[job.ID] = job
	return nil
}

// Snapshot returns a serializable copy of a job's current state.
func (r *Registry) Snapshot(id string) (model.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.Snapshot{}, apperrors.NewJobNotFoundError(id)
	}
	return job.ToSnapshot(r.clock()), nil
}

// Update runs mutator against the job's live record under the registry's
// write lock. mutator must be bounded (no I/O, no blocking calls) since it
// executes inside a critical section shared by every other job mutation.
func (r *Registry) Update(id string, mutator func(*model.JobRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return apperrors.NewJobNotFoundError(id)
	}
	mutator(job)
	job.UpdatedAt = r.clock()
	if job.Status.Terminal() {
		job.Progress = 100
		job.Request = nil
	}
	return nil
}

// View hands the live job record for internal callers (the pipeline
// worker and retention collector) that need more than a snapshot, still
// guarded by the read lock for the duration of the callback.
func (r *Registry) View(id string, fn func(*model.JobRecord)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return apperrors.NewJobNotFoundError(id)
	}
	fn(job)
	return nil
}

// ListTerminal returns every job for which predicate returns true,
// evaluated under the read lock. Used by the retention collector to find
// expired completed jobs.
func (r *Registry) ListTerminal(predicate func(*model.JobRecord) bool) []*model.JobRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.JobRecord
	for _, job := range r.jobs {
		if predicate(job) {
			out = append(out, job)
		}
	}
	return out
}

// Cancel transitions a job from queued/running to canceled. Idempotent:
// calling it on an already-terminal job is a no-op and returns the current
// snapshot rather than an error, per spec.md §4.9.
func (r *Registry) Cancel(id string) (model.Snapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.Snapshot{}, false, apperrors.NewJobNotFoundError(id)
	}
	if job.Status.Terminal() {
		return job.ToSnapshot(r.clock()), false, nil
	}
	job.CancelRequested = true
	job.Status = model.JobStatusCanceled
	job.Stage = model.StageCanceled
	job.Progress = 100
	job.Request = nil
	job.UpdatedAt = r.clock()
	return job.ToSnapshot(r.clock()), true, nil
}

// Now exposes the registry's clock so callers that need to stay consistent
// with it (e.g. computing elapsed time outside Update) can do so.
func (r *Registry) Now() time.Time { return r.clock() }
