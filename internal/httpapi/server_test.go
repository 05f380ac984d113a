package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/memvid-export-api/internal/capsule"
	"github.com/jordigilh/memvid-export-api/internal/config"
	"github.com/jordigilh/memvid-export-api/internal/eventlog"
	"github.com/jordigilh/memvid-export-api/internal/httpapi"
	"github.com/jordigilh/memvid-export-api/internal/metrics"
	"github.com/jordigilh/memvid-export-api/internal/model"
	"github.com/jordigilh/memvid-export-api/internal/pipeline"
	"github.com/jordigilh/memvid-export-api/internal/querycache"
	"github.com/jordigilh/memvid-export-api/internal/ratelimit"
	"github.com/jordigilh/memvid-export-api/internal/registry"
	"github.com/jordigilh/memvid-export-api/internal/sideindex"
	"github.com/jordigilh/memvid-export-api/internal/tools"
)

func TestHTTPAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "HTTP API Suite")
}

const testBearer = "s3cr3t-token"

type harness struct {
	srv    *httptest.Server
	reg    *registry.Registry
	worker *pipeline.Worker
	cfg    config.Config
	stop   context.CancelFunc
}

func newHarness(mutate func(*config.Config)) *harness {
	dir := GinkgoT().TempDir()
	cfg := config.Defaults()
	cfg.BearerKey = testBearer
	cfg.ExportRoot = dir
	cfg.RateLimitPerMinute = 6000
	cfg.RateLimitBurst = 6000
	if mutate != nil {
		mutate(&cfg)
	}

	reg := registry.New()
	bus := eventlog.NewBus()
	events := eventlog.New(reg, bus)
	m := metrics.New()
	limiter := ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	query := querycache.New(cfg.CacheCapacity)
	log := logrus.New()
	log.SetOutput(GinkgoWriter)

	cache := sideindex.NewCache(capsule.NewRebuildSource(), log)
	worker := pipeline.NewWithMetrics(reg, events, capsule.NewLocalWriter(), nil, cfg, log, m)

	srv := httpapi.New(httpapi.Deps{
		Config:  cfg,
		Reg:     reg,
		Events:  events,
		Bus:     bus,
		Worker:  worker,
		Tools:   tools.NewRegistry(),
		Cache:   cache,
		Query:   query,
		Limiter: limiter,
		Metrics: m,
		Log:     log,
	})

	ts := httptest.NewServer(srv.Router())

	return &harness{srv: ts, reg: reg, worker: worker, cfg: cfg, stop: func() {}}
}

func (h *harness) runWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go h.worker.Run(ctx)
}

func (h *harness) close() {
	h.stop()
	h.srv.Close()
}

func (h *harness) do(method, path string, body interface{}, bearer string) *http.Response {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		Expect(err).ToNot(HaveOccurred())
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	Expect(err).ToNot(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).ToNot(HaveOccurred())
	return resp
}

func decodeBody(resp *http.Response, out interface{}) {
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
}

func sampleExportRequest() model.ExportRequest {
	return model.ExportRequest{
		Nodes: []model.GraphNode{
			{ID: "n1", Label: "Function", Properties: map[string]interface{}{"name": "validateCart"}},
			{ID: "n2", Label: "Function", Properties: map[string]interface{}{"name": "chargeCard"}},
		},
		Relationships: []model.GraphRelationship{
			{ID: "e1", SourceID: "n1", TargetID: "n2", Type: "CALLS", Confidence: 0.9},
		},
		SessionID:   "sess-1",
		ProjectName: "shop",
		Source:      model.Source{Type: "local", BaseName: "shop"},
	}
}

var _ = Describe("export submission and lifecycle", func() {
	var h *harness

	AfterEach(func() {
		h.close()
	})

	It("accepts a submission, runs it to completion, and serves the artifact", func() {
		h = newHarness(nil)
		h.runWorker()

		resp := h.do(http.MethodPost, "/v1/exports", sampleExportRequest(), testBearer)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		var snap model.Snapshot
		decodeBody(resp, &snap)
		Expect(snap.ID).ToNot(BeEmpty())
		Expect(snap.Status).To(Equal(model.JobStatusQueued))

		Eventually(func() model.JobStatus {
			r := h.do(http.MethodGet, "/v1/exports/"+snap.ID, nil, testBearer)
			var s model.Snapshot
			decodeBody(r, &s)
			return s.Status
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobStatusCompleted))

		r := h.do(http.MethodGet, "/v1/exports/"+snap.ID, nil, testBearer)
		var final model.Snapshot
		decodeBody(r, &final)
		Expect(final.Progress).To(Equal(100))
		Expect(final.Artifact).ToNot(BeNil())

		dl := h.do(http.MethodGet, "/v1/exports/"+snap.ID+"/download", nil, testBearer)
		Expect(dl.StatusCode).To(Equal(http.StatusOK))
		dl.Body.Close()
	})

	It("rejects an empty graph with INVALID_EXPORT_REQUEST", func() {
		h = newHarness(nil)
		req := sampleExportRequest()
		req.Nodes = nil
		resp := h.do(http.MethodPost, "/v1/exports", req, testBearer)
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		var body map[string]map[string]string
		decodeBody(resp, &body)
		Expect(body["error"]["code"]).To(Equal("INVALID_EXPORT_REQUEST"))
	})

	It("cancels a job still waiting in the queue", func() {
		h = newHarness(nil) // worker never started: job stays queued

		resp := h.do(http.MethodPost, "/v1/exports", sampleExportRequest(), testBearer)
		var snap model.Snapshot
		decodeBody(resp, &snap)

		cancelResp := h.do(http.MethodDelete, "/v1/exports/"+snap.ID, nil, testBearer)
		Expect(cancelResp.StatusCode).To(Equal(http.StatusOK))
		var canceled model.Snapshot
		decodeBody(cancelResp, &canceled)
		Expect(canceled.Status).To(Equal(model.JobStatusCanceled))

		again := h.do(http.MethodDelete, "/v1/exports/"+snap.ID, nil, testBearer)
		var secondCall model.Snapshot
		decodeBody(again, &secondCall)
		Expect(secondCall.Status).To(Equal(model.JobStatusCanceled), "cancel is idempotent on an already-terminal job")
	})

	It("resumes event history from sinceSeq with an empty page once caught up", func() {
		h = newHarness(nil)
		h.runWorker()

		resp := h.do(http.MethodPost, "/v1/exports", sampleExportRequest(), testBearer)
		var snap model.Snapshot
		decodeBody(resp, &snap)

		Eventually(func() model.JobStatus {
			r := h.do(http.MethodGet, "/v1/exports/"+snap.ID, nil, testBearer)
			var s model.Snapshot
			decodeBody(r, &s)
			return s.Status
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobStatusCompleted))

		statusResp := h.do(http.MethodGet, "/v1/exports/"+snap.ID, nil, testBearer)
		var final model.Snapshot
		decodeBody(statusResp, &final)

		eventsResp := h.do(http.MethodGet, fmt.Sprintf("/v1/exports/%s/events?sinceSeq=%d", snap.ID, final.LastEventSeq), nil, testBearer)
		var page struct {
			Events  []model.Event `json:"events"`
			NextSeq int64         `json:"nextSeq"`
		}
		decodeBody(eventsResp, &page)
		Expect(page.Events).To(BeEmpty())
		Expect(page.NextSeq).To(Equal(final.LastEventSeq + 1))
	})
})

var _ = Describe("rate limiting", func() {
	It("returns 429 with a disclosed reset once the bucket is exhausted", func() {
		h := newHarness(func(c *config.Config) {
			c.RateLimitPerMinute = 60
			c.RateLimitBurst = 1
		})
		defer h.close()

		first := h.do(http.MethodGet, "/v1/exports/unknown-job", nil, testBearer)
		Expect(first.StatusCode).To(Equal(http.StatusNotFound))
		first.Body.Close()

		second := h.do(http.MethodGet, "/v1/exports/unknown-job", nil, testBearer)
		Expect(second.StatusCode).To(Equal(http.StatusTooManyRequests))
		Expect(second.Header.Get("X-RateLimit-Remaining")).To(Equal("0"))
		var body map[string]map[string]string
		decodeBody(second, &body)
		Expect(body["error"]["code"]).To(Equal("RATE_LIMITED"))
		Expect(body["error"]["details"]).To(ContainSubstring("retryAfterMs="))
	})
})

var _ = Describe("expired jobs", func() {
	It("returns 410 for download and events once a job has expired", func() {
		h := newHarness(nil)
		defer h.close()

		now := time.Now()
		job := &model.JobRecord{
			ID:        "expired-job",
			CreatedAt: now.Add(-2 * time.Hour),
			UpdatedAt: now.Add(-time.Hour),
			Status:    model.JobStatusExpired,
			Stage:     model.StageExpired,
			Progress:  100,
			NextSeq:   1,
		}
		Expect(h.reg.Create(job)).To(Succeed())

		dl := h.do(http.MethodGet, "/v1/exports/expired-job/download", nil, testBearer)
		Expect(dl.StatusCode).To(Equal(http.StatusGone))
		var dlBody map[string]map[string]string
		decodeBody(dl, &dlBody)
		Expect(dlBody["error"]["code"]).To(Equal("ARTIFACT_MISSING"))

		ev := h.do(http.MethodGet, "/v1/exports/expired-job/events", nil, testBearer)
		Expect(ev.StatusCode).To(Equal(http.StatusGone))
		var evBody map[string]map[string]string
		decodeBody(ev, &evBody)
		Expect(evBody["error"]["code"]).To(Equal("JOB_EXPIRED"))
	})
})

var _ = Describe("/mcp JSON-RPC surface", func() {
	It("rejects a call with the wrong bearer token", func() {
		h := newHarness(nil)
		defer h.close()

		resp := h.do(http.MethodPost, "/mcp", map[string]interface{}{
			"jsonrpc": "2.0", "id": 1, "method": "ping",
		}, "wrong-token")
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		resp.Body.Close()
	})

	It("ranks symbol_lookup matches exact, then prefix, then substring", func() {
		h := newHarness(nil)
		defer h.close()
		h.runWorker()

		req := model.ExportRequest{
			Nodes: []model.GraphNode{
				{ID: "n1", Label: "Function", Properties: map[string]interface{}{"name": "cart"}},
				{ID: "n2", Label: "Function", Properties: map[string]interface{}{"name": "cartLoader"}},
				{ID: "n3", Label: "Function", Properties: map[string]interface{}{"name": "shoppingCart"}},
			},
			Relationships: []model.GraphRelationship{
				{ID: "e1", SourceID: "n1", TargetID: "n2", Type: "CALLS"},
			},
			SessionID:   "sess-2",
			ProjectName: "shop",
			Source:      model.Source{Type: "local", BaseName: "shop2"},
		}
		resp := h.do(http.MethodPost, "/v1/exports", req, testBearer)
		var snap model.Snapshot
		decodeBody(resp, &snap)

		Eventually(func() model.JobStatus {
			r := h.do(http.MethodGet, "/v1/exports/"+snap.ID, nil, testBearer)
			var s model.Snapshot
			decodeBody(r, &s)
			return s.Status
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(model.JobStatusCompleted))

		rpcReq := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"method":  "tools/call",
			"params": map[string]interface{}{
				"name": "symbol_lookup",
				"arguments": map[string]interface{}{
					"locator": map[string]interface{}{"jobId": snap.ID},
					"query":   "cart",
				},
			},
		}
		mcpResp := h.do(http.MethodPost, "/mcp", rpcReq, testBearer)
		Expect(mcpResp.StatusCode).To(Equal(http.StatusOK))

		var decoded struct {
			Result struct {
				Result []struct {
					NormalizedName string  `json:"normalizedName"`
					Score          float64 `json:"score"`
				} `json:"result"`
			} `json:"result"`
		}
		decodeBody(mcpResp, &decoded)
		matches := decoded.Result.Result
		Expect(matches).To(HaveLen(3))
		Expect(matches[0].Score).To(Equal(1.0))
		Expect(matches[1].Score).To(Equal(0.92))
		Expect(matches[2].Score).To(Equal(0.78))
	})
})

var _ = Describe("capsule path locator", func() {
	It("rejects a capsulePath outside the export root unless explicitly allowed", func() {
		h := newHarness(nil)
		defer h.close()

		outsidePath := filepath.Join(GinkgoT().TempDir(), "elsewhere.mv2")
		rpcReq := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"method":  "tools/call",
			"params": map[string]interface{}{
				"name": "manifest_get",
				"arguments": map[string]interface{}{
					"locator": map[string]interface{}{"capsulePath": outsidePath},
				},
			},
		}
		resp := h.do(http.MethodPost, "/mcp", rpcReq, testBearer)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var decoded struct {
			Error *struct {
				Code int `json:"code"`
			} `json:"error"`
		}
		decodeBody(resp, &decoded)
		Expect(decoded.Error).ToNot(BeNil())
	})
})
