// Package retention implements the expiry collector (spec.md §4.8): a
// ticker-driven sweep that retires completed jobs once their artifact has
// passed its expiry, freeing the on-disk capsule and its side-index
// sidecar and resetting the job's event history.
package retention

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/memvid-export-api/internal/eventlog"
	"github.com/jordigilh/memvid-export-api/internal/logging"
	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/registry"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
)

// SweepInterval is the collector's fixed period per spec.md §4.8.
const SweepInterval = 60 * time.Second

// Collector sweeps the registry for expired completed jobs and retires
// them.
type Collector struct {
	reg   *registry.Registry
	bus   *eventlog.Bus
	log   *logrus.Logger
	clock func() time.Time
}

func New(reg *registry.Registry, bus *eventlog.Bus, log *logrus.Logger) *Collector {
	return NewWithClock(reg, bus, log, time.Now)
}

func NewWithClock(reg *registry.Registry, bus *eventlog.Bus, log *logrus.Logger, clock func() time.Time) *Collector {
	if log == nil {
		log = logrus.New()
	}
	return &Collector{reg: reg, bus: bus, log: log, clock: clock}
}

// Run sweeps every SweepInterval until ctx is canceled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep runs one collection pass. Exported so callers (tests, or a
// manual admin trigger) can run it outside the ticker cadence.
func (c *Collector) Sweep() {
	now := c.clock()
	expired := c.reg.ListTerminal(func(job *model.JobRecord) bool {
		return job.Status == model.JobStatusCompleted &&
			job.Artifact != nil &&
			!job.Artifact.ExpiresAt.After(now)
	})

	for _, job := range expired {
		c.retire(job.ID, now)
	}
}

// retire transitions one job to expired under the registry lock, then
// deletes its files and tears down its broadcast channel out of lock.
func (c *Collector) retire(jobID string, now time.Time) {
	var artifactPath string

	err := c.reg.Update(jobID, func(job *model.JobRecord) {
		artifactPath = job.ArtifactPath
		job.Status = model.JobStatusExpired
		job.Stage = model.StageExpired
		job.Progress = 100
		job.Artifact = nil
		job.ArtifactPath = ""
		eventlog.ClearRing(job)
		job.LastEventAt = now
	})
	if err != nil {
		c.log.WithFields(logging.RetentionFields(jobID).Error(err).ToLogrus()).Warn("failed to expire job")
		return
	}

	if artifactPath != "" {
		if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
			c.log.WithFields(logging.RetentionFields(jobID).Error(err).ToLogrus()).Warn("failed to delete expired artifact")
		}
		sidecarPath := sideindex.SidecarPath(artifactPath)
		if err := os.Remove(sidecarPath); err != nil && !os.IsNotExist(err) {
			c.log.WithFields(logging.RetentionFields(jobID).Error(err).ToLogrus()).Warn("failed to delete expired side-index sidecar")
		}
	}

	if c.bus != nil {
		c.bus.RemoveJob(jobID)
	}

	c.log.WithFields(logging.RetentionFields(jobID).ToLogrus()).Info("job expired and retired")
}
