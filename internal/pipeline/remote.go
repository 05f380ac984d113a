package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/logging"
	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/remoteexec"
)

// runRemote implements spec.md §4.7's optional remote executor path,
// replacing steps 3-5 (write capsule, build side-index, finalize) with a
// stage/submit/poll loop against the configured RemoteExecutor.
func (w *Worker) runRemote(ctx context.Context, jobID string, req *model.ExportRequest) {
	remoteJobID := jobID
	stagingPath := filepath.Join(w.cfg.StagingDir, jobID, "payload.json")

	if err := stagePayload(stagingPath, req); err != nil {
		w.handleFailure(jobID, "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "stage remote payload"))
		return
	}

	_ = w.reg.Update(jobID, func(job *model.JobRecord) {
		job.Backend = &model.BackendMetadata{
			Mode:        "remote",
			RemoteJobID: remoteJobID,
			StagingPath: stagingPath,
		}
	})

	w.emit(jobID, model.EventStageProgress, model.StageWriteCapsule, writeCapsuleLow, intp(0), "submitting to remote executor", nil)

	if err := w.remote.Submit(ctx, remoteJobID, stagingPath); err != nil {
		w.handleFailure(jobID, "", err)
		return
	}

	deadline := w.clock().Add(w.cfg.Remote.ExecutionTimeout)
	ticker := time.NewTicker(w.cfg.Remote.PollInterval)
	defer ticker.Stop()

	var lastStatus remoteexec.Status
	for {
		if w.checkCanceled(jobID) {
			_ = w.remote.Cancel(ctx, remoteJobID)
			w.handleCanceled(jobID, "")
			return
		}
		if w.clock().After(deadline) {
			_ = w.remote.Cancel(ctx, remoteJobID)
			w.handleFailure(jobID, "", apperrors.NewTimeoutError("remote executor execution"))
			return
		}

		result, err := w.remote.Poll(ctx, remoteJobID)
		if err != nil {
			w.log.WithFields(logging.PipelineFields(jobID, string(model.StageBuildSidecar)).Error(err).ToLogrus()).
				Warn("remote executor poll failed, retrying")
		} else {
			if result.Status != lastStatus {
				lastStatus = result.Status
				w.emit(jobID, model.EventStageHeartbeat, model.StageBuildSidecar, buildSidecarLow, nil,
					remoteStatusMessage(result.Status), nil)
			}
			switch result.Status {
			case remoteexec.StatusCompleted:
				w.finalizeRemote(jobID, result)
				return
			case remoteexec.StatusFailed:
				w.handleFailure(jobID, "", apperrors.New(apperrors.ErrorTypeInternal, result.ErrorMessage))
				return
			case remoteexec.StatusCanceled:
				w.handleCanceled(jobID, "")
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) finalizeRemote(jobID string, result remoteexec.StatusResult) {
	artifactPath, size, err := resolveRemoteArtifact(result.OutputDir)
	if err != nil {
		w.handleFailure(jobID, "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "resolve remote artifact"))
		return
	}

	now := w.clock()
	expiresAt := now.Add(w.cfg.Remote.TTL)

	err = w.reg.Update(jobID, func(job *model.JobRecord) {
		job.Status = model.JobStatusCompleted
		job.Stage = model.StageDownloadReady
		job.Progress = 100
		job.StageProgress = 100
		job.ArtifactPath = artifactPath
		job.Artifact = &model.ArtifactDescriptor{
			FileName:  filepath.Base(artifactPath),
			ExpiresAt: expiresAt,
			SizeBytes: size,
		}
		if job.Backend != nil {
			job.Backend.OutputDirPath = result.OutputDir
		}
	})
	if err != nil {
		w.log.WithFields(logging.PipelineFields(jobID, string(model.StageDownloadReady)).Error(err).ToLogrus()).
			Error("failed to install remote artifact descriptor")
		return
	}
	w.emit(jobID, model.EventJobCompleted, model.StageDownloadReady, 100, intp(100), "export complete (remote)", nil)
}

func stagePayload(path string, req *model.ExportRequest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// resolveRemoteArtifact finds the single capsule file the remote executor
// produced in its output directory.
func resolveRemoteArtifact(outputDir string) (string, int64, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", 0, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) == ".mv2" {
			full := filepath.Join(outputDir, e.Name())
			info, err := e.Info()
			if err != nil {
				return "", 0, err
			}
			return full, info.Size(), nil
		}
	}
	return "", 0, fmt.Errorf("no .mv2 artifact found in %s", outputDir)
}

func remoteStatusMessage(status remoteexec.Status) string {
	switch status {
	case remoteexec.StatusPending:
		return "remote job pending"
	case remoteexec.StatusRunning:
		return "remote job running"
	case remoteexec.StatusCompleted:
		return "remote job completed"
	case remoteexec.StatusFailed:
		return "remote job failed"
	case remoteexec.StatusCanceled:
		return "remote job canceled"
	default:
		return "remote status update"
	}
}
