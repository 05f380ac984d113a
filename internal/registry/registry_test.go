package registry_test

import (
	"testing"
	"time"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/registry"
)

func TestCreateAndSnapshot(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	reg := registry.NewWithClock(func() time.Time { return now })

	job := &model.JobRecord{ID: "job-1", CreatedAt: now, Status: model.JobStatusQueued, NextSeq: 1}
	if err := reg.Create(job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap, err := reg.Snapshot("job-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != model.JobStatusQueued {
		t.Errorf("status = %v, want queued", snap.Status)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	reg := registry.New()
	job := &model.JobRecord{ID: "job-1", Status: model.JobStatusQueued}
	if err := reg.Create(job); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := reg.Create(job); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestSnapshotUnknownJob(t *testing.T) {
	reg := registry.New()
	_, err := reg.Snapshot("nope")
	if !apperrors.IsType(err, apperrors.ErrorTypeJobNotFound) {
		t.Fatalf("expected job-not-found, got %v", err)
	}
}

func TestUpdateNullsRequestOnTerminal(t *testing.T) {
	reg := registry.New()
	job := &model.JobRecord{
		ID:      "job-1",
		Status:  model.JobStatusRunning,
		Request: &model.ExportRequest{ProjectName: "demo"},
	}
	if err := reg.Create(job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := reg.Update("job-1", func(j *model.JobRecord) {
		j.Status = model.JobStatusCompleted
		j.Progress = 80
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = reg.View("job-1", func(j *model.JobRecord) {
		if j.Request != nil {
			t.Error("expected Request to be nulled on terminal transition")
		}
		if j.Progress != 100 {
			t.Errorf("progress = %d, want clamped to 100", j.Progress)
		}
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestListTerminal(t *testing.T) {
	reg := registry.New()
	_ = reg.Create(&model.JobRecord{ID: "done", Status: model.JobStatusCompleted})
	_ = reg.Create(&model.JobRecord{ID: "running", Status: model.JobStatusRunning})

	terminal := reg.ListTerminal(func(j *model.JobRecord) bool { return j.Status.Terminal() })
	if len(terminal) != 1 || terminal[0].ID != "done" {
		t.Fatalf("ListTerminal = %+v, want only 'done'", terminal)
	}
}

func TestCancelIsIdempotentOnTerminalJob(t *testing.T) {
	reg := registry.New()
	_ = reg.Create(&model.JobRecord{ID: "job-1", Status: model.JobStatusCompleted})

	_, changed, err := reg.Cancel("job-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if changed {
		t.Error("expected Cancel on a terminal job to be a no-op")
	}
}

func TestCancelMarksRunningJob(t *testing.T) {
	reg := registry.New()
	_ = reg.Create(&model.JobRecord{ID: "job-1", Status: model.JobStatusRunning})

	_, changed, err := reg.Cancel("job-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !changed {
		t.Error("expected Cancel on a running job to take effect")
	}

	err = reg.View("job-1", func(j *model.JobRecord) {
		if !j.CancelRequested {
			t.Error("expected CancelRequested to be set")
		}
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	reg := registry.New()
	_, _, err := reg.Cancel("nope")
	if !apperrors.IsType(err, apperrors.ErrorTypeJobNotFound) {
		t.Fatalf("expected job-not-found, got %v", err)
	}
}
