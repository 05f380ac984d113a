package eventlog_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/memvid-export-api/internal/eventlog"
	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/registry"
)

func TestEventLog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "EventLog Suite")
}

func newTestJob(id string, now time.Time) *model.JobRecord {
	return &model.JobRecord{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.JobStatusRunning,
		Stage:     model.StageTransform,
		NextSeq:   1,
	}
}

var _ = Describe("Log", func() {
	var (
		reg *registry.Registry
		bus *eventlog.Bus
		log *eventlog.Log
		now time.Time
	)

	BeforeEach(func() {
		now = time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
		reg = registry.NewWithClock(func() time.Time { return now })
		Expect(reg.Create(newTestJob("job-1", now))).To(Succeed())
		bus = eventlog.NewBus()
		log = eventlog.NewWithClock(reg, bus, func() time.Time { return now })
	})

	Describe("Append", func() {
		It("issues strictly increasing sequence numbers per job", func() {
			e1, ok1, err := log.Append("job-1", model.EventStageProgress, model.StageTransform, 10, nil, "transforming", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok1).To(BeTrue())
			Expect(e1.Seq).To(Equal(int64(1)))

			e2, ok2, err := log.Append("job-1", model.EventStageProgress, model.StageTransform, 40, nil, "still transforming", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok2).To(BeTrue())
			Expect(e2.Seq).To(Equal(int64(2)))
		})

		It("clamps progress into [0,100]", func() {
			e, _, err := log.Append("job-1", model.EventStageProgress, model.StageTransform, 150, nil, "over", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(e.Progress).To(Equal(100))
		})

		It("updates the job record's visible stage and progress", func() {
			_, _, err := log.Append("job-1", model.EventStageProgress, model.StageFramePrep, 55, nil, "preparing frames", nil)
			Expect(err).ToNot(HaveOccurred())

			snap, err := reg.Snapshot("job-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Stage).To(Equal(model.StageFramePrep))
			Expect(snap.Progress).To(Equal(55))
		})

		It("drops non-terminal events once the job is already terminal", func() {
			Expect(reg.Update("job-1", func(j *model.JobRecord) { j.Status = model.JobStatusCanceled })).To(Succeed())
			_, _, err := log.Append("job-1", model.EventJobCanceled, model.StageCanceled, 100, nil, "canceled", nil)
			Expect(err).ToNot(HaveOccurred())

			_, appended, err := log.Append("job-1", model.EventStageProgress, model.StageTransform, 10, nil, "late heartbeat", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(appended).To(BeFalse())
		})

		It("still accepts a terminal event after another terminal transition", func() {
			Expect(reg.Update("job-1", func(j *model.JobRecord) { j.Status = model.JobStatusExpired })).To(Succeed())
			_, _, err := log.Append("job-1", model.EventJobExpired, model.StageExpired, 100, nil, "expired", nil)
			Expect(err).ToNot(HaveOccurred())

			_, appended, err := log.Append("job-1", model.EventJobCanceled, model.StageCanceled, 100, nil, "canceled too", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(appended).To(BeTrue())
		})

		It("returns a job-not-found error for an unknown job", func() {
			_, _, err := log.Append("missing", model.EventStageProgress, model.StageTransform, 1, nil, "x", nil)
			Expect(err).To(HaveOccurred())
		})

		It("publishes appended events to live subscribers", func() {
			sub := bus.Subscribe("job-1")
			defer sub.Close()

			_, _, err := log.Append("job-1", model.EventStageProgress, model.StageTransform, 20, nil, "go", nil)
			Expect(err).ToNot(HaveOccurred())

			Eventually(sub.Events).Should(Receive(WithTransform(func(e model.Event) int64 { return e.Seq }, Equal(int64(1)))))
		})

		It("drops ring entries beyond capacity while keeping seq monotonic", func() {
			for i := 0; i < 5010; i++ {
				_, _, err := log.Append("job-1", model.EventStageHeartbeat, model.StageTransform, 0, nil, "tick", nil)
				Expect(err).ToNot(HaveOccurred())
			}
			events, err := log.Since("job-1", 0, eventlog.MaxReplayLimit)
			Expect(err).ToNot(HaveOccurred())
			Expect(len(events)).To(Equal(eventlog.MaxReplayLimit))
			// The ring keeps seqs 11..5010; replay is oldest first, so a
			// 2000-event page ends at 2010 (it would end at 2000 had
			// nothing been dropped).
			Expect(events[len(events)-1].Seq).To(Equal(int64(2010)))
		})
	})

	Describe("Since", func() {
		It("returns only events after the given sequence, oldest first", func() {
			log.Append("job-1", model.EventStageProgress, model.StageTransform, 10, nil, "a", nil)
			log.Append("job-1", model.EventStageProgress, model.StageTransform, 20, nil, "b", nil)
			log.Append("job-1", model.EventStageProgress, model.StageTransform, 30, nil, "c", nil)

			events, err := log.Since("job-1", 1, 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].Message).To(Equal("b"))
			Expect(events[1].Message).To(Equal("c"))
		})

		It("defaults the limit when non-positive", func() {
			log.Append("job-1", model.EventStageProgress, model.StageTransform, 10, nil, "a", nil)
			events, err := log.Since("job-1", 0, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(events).To(HaveLen(1))
		})
	})
})

var _ = Describe("Bus", func() {
	It("drops events for a subscriber whose channel is full instead of blocking", func() {
		bus := eventlog.NewBus()
		sub := bus.Subscribe("job-1")
		defer sub.Close()

		for i := 0; i < 1000; i++ {
			bus.Publish("job-1", model.Event{Seq: int64(i)})
		}
		Expect(bus.SubscriberCount("job-1")).To(Equal(1))
	})

	It("removes a subscriber on Close", func() {
		bus := eventlog.NewBus()
		sub := bus.Subscribe("job-1")
		Expect(bus.SubscriberCount("job-1")).To(Equal(1))
		sub.Close()
		Expect(bus.SubscriberCount("job-1")).To(Equal(0))
	})
})
