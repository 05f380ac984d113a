// Package pipeline implements the staged export worker (spec.md §4.7):
// claim, frame prep, write capsule, build side-index, finalize, with
// cancellation checkpoints between every step and non-retrying failure
// rollback.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/memvid-export-api/internal/capsule"
	"github.com/jordigilh/memvid-export-api/internal/config"
	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/eventlog"
	"github.com/jordigilh/memvid-export-api/internal/logging"
	"github.com/jordigilh/memvid-export-api/internal/metrics"
	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/registry"
	"github.com/jordigilh/memvid-export-api/internal/remoteexec"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

const heartbeatInterval = 2 * time.Second

// Stage progress windows (spec.md §4.7 steps 2-5).
const (
	framePrepLow, framePrepHigh       = 20, 45
	writeCapsuleLow, writeCapsuleHigh = 60, 79
	buildSidecarLow, buildSidecarHigh = 79, 90
	finalizeLow, finalizeHigh         = 90, 96
)

var sidecarHeartbeatMessages = []string{
	"parsing graph",
	"building indexes",
	"computing hotspots",
}

// Worker drains a bounded FIFO queue of job ids, one at a time, running
// each through the staged pipeline.
type Worker struct {
	queue   chan string
	reg     *registry.Registry
	events  *eventlog.Log
	writer  capsule.Writer
	remote  remoteexec.RemoteExecutor
	cfg     config.Config
	log     *logrus.Logger
	metrics *metrics.Registry
	clock   func() time.Time
}

func New(reg *registry.Registry, events *eventlog.Log, writer capsule.Writer, remote remoteexec.RemoteExecutor, cfg config.Config, log *logrus.Logger) *Worker {
	return NewWithMetrics(reg, events, writer, remote, cfg, log, nil)
}

// NewWithMetrics wires the worker to the service's prometheus registry so
// stage durations and failures are observable operationally.
func NewWithMetrics(reg *registry.Registry, events *eventlog.Log, writer capsule.Writer, remote remoteexec.RemoteExecutor, cfg config.Config, log *logrus.Logger, m *metrics.Registry) *Worker {
	if log == nil {
		log = logrus.New()
	}
	return &Worker{
		queue:   make(chan string, cfg.QueueCapacity),
		reg:     reg,
		events:  events,
		writer:  writer,
		remote:  remote,
		cfg:     cfg,
		log:     log,
		metrics: m,
		clock:   time.Now,
	}
}

// Enqueue hands a claimed job id off to the worker. Non-blocking: if the
// bounded queue is full it returns a queue_unavailable error (spec.md §5
// Timeouts), leaving the caller to reject the submission with 503.
func (w *Worker) Enqueue(jobID string) error {
	select {
	case w.queue <- jobID:
		if w.metrics != nil {
			w.metrics.QueueDepth.Inc()
		}
		return nil
	default:
		return apperrors.NewQueueUnavailableError()
	}
}

// Run drains the queue until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-w.queue:
			w.processJob(ctx, jobID)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, jobID string) {
	if w.metrics != nil {
		w.metrics.QueueDepth.Dec()
	}
	started := w.clock()
	defer w.recordStageDuration("total", started)

	fields := logging.PipelineFields(jobID, string(model.StageTransform))

	req, canceled, err := w.claim(jobID)
	if err != nil {
		w.log.WithFields(fields.Error(err).ToLogrus()).Error("failed to claim job")
		return
	}
	if canceled {
		w.log.WithFields(fields.ToLogrus()).Info("job already canceled at claim, skipping")
		w.handleCanceled(jobID, "")
		return
	}

	w.emit(jobID, model.EventJobStarted, model.StageTransform, 0, intp(0), "export started", nil)

	if w.checkCanceled(jobID) {
		w.handleCanceled(jobID, "")
		return
	}

	frames := buildFrames(req)
	w.emit(jobID, model.EventStageProgress, model.StageFramePrep, framePrepHigh, intp(100),
		fmt.Sprintf("frame prep complete (%d frames)", len(frames)), nil)

	if w.checkCanceled(jobID) {
		w.handleCanceled(jobID, "")
		return
	}

	if w.cfg.BackendMode == config.BackendRemote && w.remote != nil {
		w.runRemote(ctx, jobID, req)
		return
	}

	outputPath, err := w.runWriteCapsule(ctx, jobID, req)
	if err != nil {
		w.handleFailure(jobID, outputPath, err)
		return
	}

	if w.checkCanceled(jobID) {
		w.handleCanceled(jobID, outputPath)
		return
	}

	w.runBuildSidecar(ctx, jobID, outputPath, req)

	if w.checkCanceled(jobID) {
		w.handleCanceled(jobID, outputPath)
		return
	}

	if err := w.finalize(jobID, outputPath); err != nil {
		w.handleFailure(jobID, outputPath, err)
		return
	}
}

// claim implements pipeline step 1. It returns (nil, true, nil) if the job
// was already canceled before the worker got to it.
func (w *Worker) claim(jobID string) (*model.ExportRequest, bool, error) {
	var req *model.ExportRequest
	var alreadyCanceled bool
	err := w.reg.Update(jobID, func(job *model.JobRecord) {
		if job.CancelRequested {
			alreadyCanceled = true
			return
		}
		job.Status = model.JobStatusRunning
		job.Stage = model.StageTransform
		job.StageProgress = 0
		req = job.Request.Clone()
	})
	return req, alreadyCanceled, err
}

func (w *Worker) checkCanceled(jobID string) bool {
	var canceled bool
	_ = w.reg.View(jobID, func(job *model.JobRecord) {
		canceled = job.CancelRequested
	})
	return canceled
}

func (w *Worker) runWriteCapsule(ctx context.Context, jobID string, req *model.ExportRequest) (string, error) {
	baseName := req.Source.BaseName
	if baseName == "" {
		baseName = req.ProjectName
	}
	if baseName == "" {
		baseName = jobID
	}
	outputPath := filepath.Join(w.cfg.ExportRoot, jobID, capsule.OutputBaseName(baseName, w.clock()))

	w.emit(jobID, model.EventStageProgress, model.StageWriteCapsule, writeCapsuleLow, intp(0), "writing capsule", nil)

	var writtenBytes, totalBytes int64
	done := make(chan struct{})
	go w.heartbeatLoop(jobID, model.StageWriteCapsule, writeCapsuleLow, writeCapsuleHigh, done, func() (string, int) {
		written := atomic.LoadInt64(&writtenBytes)
		total := atomic.LoadInt64(&totalBytes)
		pct := 0
		if total > 0 {
			pct = int(written * 100 / total)
		}
		return "writing capsule", pct
	})

	size, err := w.writer.Write(ctx, outputPath, req, func(written, total int64) {
		atomic.StoreInt64(&writtenBytes, written)
		atomic.StoreInt64(&totalBytes, total)
	})
	close(done)
	if err != nil {
		return outputPath, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "write capsule")
	}

	w.emit(jobID, model.EventStageProgress, model.StageWriteCapsule, writeCapsuleHigh, intp(100),
		fmt.Sprintf("capsule written (%d bytes)", size), nil)
	return outputPath, nil
}

// runBuildSidecar implements step 4. Errors here are logged and surfaced
// as a non-blocking "skipped" event rather than a pipeline failure.
func (w *Worker) runBuildSidecar(ctx context.Context, jobID, capsulePath string, req *model.ExportRequest) {
	w.emit(jobID, model.EventStageProgress, model.StageBuildSidecar, buildSidecarLow, intp(0), "building side-index", nil)

	done := make(chan struct{})
	tick := int32(0)
	go w.heartbeatLoop(jobID, model.StageBuildSidecar, buildSidecarLow, buildSidecarHigh, done, func() (string, int) {
		n := atomic.AddInt32(&tick, 1)
		msg := sidecarHeartbeatMessages[int(n-1)%len(sidecarHeartbeatMessages)]
		pct := int(n) * 20
		if pct > 90 {
			pct = 90
		}
		return msg, pct
	})

	err := w.buildAndPersistSidecar(req, capsulePath)
	close(done)

	if err != nil {
		w.log.WithFields(logging.PipelineFields(jobID, string(model.StageBuildSidecar)).Error(err).ToLogrus()).
			Warn("side-index build failed, continuing without it")
		w.emit(jobID, model.EventStageProgress, model.StageBuildSidecar, buildSidecarHigh, intp(100),
			"side-index build skipped (non-blocking)", map[string]interface{}{"error": err.Error()})
		return
	}

	w.emit(jobID, model.EventStageProgress, model.StageBuildSidecar, buildSidecarHigh, intp(100), "side-index built", nil)
}

func (w *Worker) buildAndPersistSidecar(req *model.ExportRequest, capsulePath string) error {
	input := sideindex.DerivationInput{
		Nodes:         req.Nodes,
		Relationships: req.Relationships,
		Manifest: map[string]interface{}{
			"sessionId":   req.SessionID,
			"projectName": req.ProjectName,
		},
		AIBiblePresent:            false,
		SemanticFallbackAvailable: req.Options.SemanticEnabled,
	}
	idx := sideindex.Derive(input, w.log)

	sidecarPath := sideindex.SidecarPath(capsulePath)
	if err := os.MkdirAll(filepath.Dir(sidecarPath), 0o755); err != nil {
		return err
	}
	store, err := sideindex.OpenStore(sidecarPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Persist(idx)
}

func (w *Worker) finalize(jobID, outputPath string) error {
	info, err := os.Stat(outputPath)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "stat artifact")
	}

	now := w.clock()
	expiresAt := now.Add(time.Duration(w.cfg.RetentionSeconds) * time.Second)

	err = w.reg.Update(jobID, func(job *model.JobRecord) {
		job.Status = model.JobStatusCompleted
		job.Stage = model.StageDownloadReady
		job.Progress = 100
		job.StageProgress = 100
		job.ArtifactPath = outputPath
		job.Artifact = &model.ArtifactDescriptor{
			FileName:  filepath.Base(outputPath),
			ExpiresAt: expiresAt,
			SizeBytes: info.Size(),
		}
	})
	if err != nil {
		return err
	}

	w.emit(jobID, model.EventJobCompleted, model.StageDownloadReady, 100, intp(100), "export complete", nil)
	return nil
}

func (w *Worker) handleFailure(jobID, partialArtifactPath string, cause error) {
	if partialArtifactPath != "" {
		_ = os.Remove(partialArtifactPath)
	}
	message := cause.Error()

	var failedStage model.Stage
	_ = w.reg.Update(jobID, func(job *model.JobRecord) {
		failedStage = job.Stage
		job.Status = model.JobStatusFailed
		job.Stage = model.StageFailed
		job.Progress = 100
		job.Error = &model.ErrorDescriptor{Code: "EXPORT_FAILED", Message: message}
	})
	if w.metrics != nil {
		w.metrics.PipelineStageFailures.WithLabelValues(string(failedStage)).Inc()
	}
	w.emit(jobID, model.EventJobFailed, model.StageFailed, 100, nil, message, nil)
	w.log.WithFields(logging.PipelineFields(jobID, string(model.StageFailed)).Error(cause).ToLogrus()).Error("export job failed")
}

func (w *Worker) handleCanceled(jobID, partialArtifactPath string) {
	if partialArtifactPath != "" {
		_ = os.Remove(partialArtifactPath)
	}
	_ = w.reg.Update(jobID, func(job *model.JobRecord) {
		job.Status = model.JobStatusCanceled
		job.Stage = model.StageCanceled
		job.Progress = 100
		job.ArtifactPath = ""
	})
	w.emit(jobID, model.EventJobCanceled, model.StageCanceled, 100, nil, "export canceled", nil)
}

// heartbeatLoop ticks every 2s until done is closed, emitting a
// stage-heartbeat event mapping sample()'s in-stage percentage onto the
// [low, high] global progress window.
func (w *Worker) heartbeatLoop(jobID string, stage model.Stage, low, high int, done <-chan struct{}, sample func() (message string, stagePct int)) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			message, stagePct := sample()
			global := low + (high-low)*model.Clamp100(stagePct)/100
			w.emit(jobID, model.EventStageHeartbeat, stage, global, intp(stagePct), message, nil)
		}
	}
}

func (w *Worker) emit(jobID string, kind model.EventKind, stage model.Stage, progress int, stageProgress *int, message string, meta map[string]interface{}) {
	if _, _, err := w.events.Append(jobID, kind, stage, progress, stageProgress, message, meta); err != nil {
		w.log.WithFields(logging.PipelineFields(jobID, string(stage)).Error(err).ToLogrus()).Warn("failed to append pipeline event")
	}
}

func (w *Worker) recordStageDuration(label string, since time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.PipelineStageDuration.WithLabelValues(label).Observe(w.clock().Sub(since).Seconds())
}

func intp(v int) *int { return &v }
