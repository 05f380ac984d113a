// Package eventlog implements the per-job monotonic event ring and its
// fan-out bus (spec.md §4.2). Append runs inside the job registry's
// per-job critical section so seq issuance and job mutation are
// atomic with respect to every other mutator; publication to live
// subscribers happens afterward and is best-effort.
package eventlog

import (
	"time"

	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/registry"
)

const ringCapacity = 5000

// DefaultReplayLimit and MaxReplayLimit bound the historical-fetch window
// (spec.md §4.2).
const (
	DefaultReplayLimit = 200
	MaxReplayLimit     = 2000
)

// Clock is overridable for deterministic tests.
type Clock func() time.Time

// Log appends events to jobs tracked by a Registry and fans them out
// through a Bus.
type Log struct {
	reg   *registry.Registry
	bus   *Bus
	clock Clock
}

func New(reg *registry.Registry, bus *Bus) *Log {
	return &Log{reg: reg, bus: bus, clock: time.Now}
}

func NewWithClock(reg *registry.Registry, bus *Bus, clock Clock) *Log {
	return &Log{reg: reg, bus: bus, clock: clock}
}

// Append builds and stores one event for jobID, honoring the terminal
// filter rule, then publishes it to any live subscribers. Returns the
// stored event and whether it was actually appended (false if the filter
// rule dropped it).
func (l *Log) Append(jobID string, kind model.EventKind, stage model.Stage, progress int, stageProgress *int, message string, meta map[string]interface{}) (model.Event, bool, error) {
	progress = model.Clamp100(progress)
	if stageProgress != nil {
		clamped := model.Clamp100(*stageProgress)
		stageProgress = &clamped
	}

	var event model.Event
	appended := false

	err := l.reg.Update(jobID, func(job *model.JobRecord) {
		if isTerminalFilterDrop(job.Status, kind) {
			return
		}
		event = model.Event{
			Seq:           job.NextSeq,
			Timestamp:     l.clock(),
			JobID:         jobID,
			Kind:          kind,
			Stage:         stage,
			Progress:      progress,
			StageProgress: stageProgress,
			Glyph:         kind.Glyph(),
			Message:       message,
			Meta:          meta,
		}
		job.Events = appendRing(job.Events, event)
		job.NextSeq++

		job.Stage = stage
		job.StageProgress = progress
		if stageProgress != nil {
			job.StageProgress = *stageProgress
		}
		job.Progress = progress
		job.Message = message
		job.LastEventAt = event.Timestamp

		appended = true
	})
	if err != nil {
		return model.Event{}, false, err
	}
	if appended && l.bus != nil {
		l.bus.Publish(jobID, event)
	}
	return event, appended, nil
}

// isTerminalFilterDrop implements spec.md §4.2's filter rule: once a job is
// canceled or expired, only further terminal-kind events may still land
// (there normally are none, but this keeps the rule explicit and total).
func isTerminalFilterDrop(status model.JobStatus, kind model.EventKind) bool {
	if status == model.JobStatusCanceled || status == model.JobStatusExpired {
		return !kind.Terminal()
	}
	return false
}

func appendRing(events []model.Event, event model.Event) []model.Event {
	events = append(events, event)
	if len(events) > ringCapacity {
		events = events[len(events)-ringCapacity:]
	}
	return events
}

// Since returns every retained event for jobID with seq > sinceSeq, oldest
// first, capped at limit (normalized to [1, MaxReplayLimit], defaulting to
// DefaultReplayLimit when limit <= 0).
func (l *Log) Since(jobID string, sinceSeq int64, limit int) ([]model.Event, error) {
	limit = normalizeLimit(limit)
	var out []model.Event
	err := l.reg.View(jobID, func(job *model.JobRecord) {
		for _, e := range job.Events {
			if e.Seq > sinceSeq {
				out = append(out, e)
				if len(out) >= limit {
					break
				}
			}
		}
	})
	return out, err
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultReplayLimit
	}
	if limit > MaxReplayLimit {
		return MaxReplayLimit
	}
	return limit
}

// ClearRing is used by the retention collector to reset a job's event
// history on expiry (spec.md §4.8), executed by the caller under the
// registry's lock via registry.Update directly (kept out of this package
// to avoid a second locking path).
func ClearRing(job *model.JobRecord) {
	job.Events = nil
	job.NextSeq = 1
}
