package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/loykin/detectord/internal/analysis"
	"github.com/loykin/detectord/internal/history"
	"github.com/loykin/detectord/internal/metrics"
	"github.com/loykin/detectord/internal/supervisor"
	"github.com/loykin/detectord/internal/upload"
)

type fakeWorker struct {
	healthy    atomic.Bool
	restarts   atomic.Int32
	restartErr error
}

func (w *fakeWorker) Snapshot() supervisor.Snapshot {
	st := supervisor.StateStopped
	if w.healthy.Load() {
		st = supervisor.StateRunning
	}
	return supervisor.Snapshot{Name: "detector", State: st, PID: 4242, Restarts: int(w.restarts.Load())}
}

func (w *fakeWorker) IsHealthy() bool { return w.healthy.Load() }

func (w *fakeWorker) Restart(context.Context) error {
	w.restarts.Add(1)
	if w.restartErr != nil {
		return w.restartErr
	}
	w.healthy.Store(true)
	return nil
}

type fakeAnalyzer struct {
	res *analysis.Response
	err error
}

func (a *fakeAnalyzer) Analyze(context.Context, string) (*analysis.Response, error) { return a.res, a.err }
func (a *fakeAnalyzer) Endpoint() string                                            { return "http://127.0.0.1:5000/detect" }
func (a *fakeAnalyzer) BreakerState() string                                        { return "disabled" }

type fakeHistory struct{ events []history.Event }

func (h *fakeHistory) Recent(_ context.Context, limit int) ([]history.Event, error) {
	if limit < len(h.events) {
		return h.events[:limit], nil
	}
	return h.events, nil
}

type fakeResources struct{ samples []metrics.ResourceUsage }

func (r *fakeResources) History() []metrics.ResourceUsage { return r.samples }

func setupRouter(t *testing.T, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.Worker == nil {
		opts.Worker = &fakeWorker{}
	}
	if opts.Analyzer == nil {
		opts.Analyzer = &fakeAnalyzer{res: &analysis.Response{Status: "success", Score: 0.73, AIGenerated: true}}
	}
	return NewRouter(opts).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	w := &fakeWorker{}
	h := setupRouter(t, Options{Worker: w, BasePath: "/api"})

	rec := doReq(t, h, http.MethodGet, "/api/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	w.healthy.Store(true)
	rec = doReq(t, h, http.MethodGet, "/api/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[healthResp](t, rec); !resp.Healthy || resp.State != supervisor.StateRunning {
		t.Fatalf("unexpected body: %+v", resp)
	}
}

func TestStatus(t *testing.T) {
	w := &fakeWorker{}
	w.healthy.Store(true)
	h := setupRouter(t, Options{Worker: w, BasePath: "api/"})

	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[statusResp](t, rec)
	if !resp.Healthy || resp.Worker.PID != 4242 || resp.Worker.Name != "detector" {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if resp.Analysis.Breaker != "disabled" || !strings.HasSuffix(resp.Analysis.Endpoint, "/detect") {
		t.Fatalf("unexpected analysis status: %+v", resp.Analysis)
	}
}

func TestRestart(t *testing.T) {
	w := &fakeWorker{}
	h := setupRouter(t, Options{Worker: w})
	rec := doReq(t, h, http.MethodPost, "/restart", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if w.restarts.Load() != 1 || !decode[statusResp](t, rec).Healthy {
		t.Fatalf("restart not applied")
	}

	w.restartErr = errors.New("startup budget exhausted")
	rec = doReq(t, h, http.MethodPost, "/restart", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestAnalyze(t *testing.T) {
	h := setupRouter(t, Options{})
	rec := doReq(t, h, http.MethodPost, "/analyze", analyzeReq{Text: "some text"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	res := decode[analysis.Response](t, rec)
	if res.Status != "success" || res.Score != 0.73 || !res.AIGenerated {
		t.Fatalf("unexpected response: %+v", res)
	}
	if !strings.Contains(rec.Body.String(), `"ai_score"`) {
		t.Fatalf("expected wire field names, got %s", rec.Body.String())
	}
}

func TestAnalyze_BlankText(t *testing.T) {
	h := setupRouter(t, Options{})
	for _, body := range []any{analyzeReq{Text: "   "}, map[string]int{"text": 1}} {
		rec := doReq(t, h, http.MethodPost, "/analyze", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d", body, rec.Code)
		}
	}
}

func TestAnalyze_Exhausted(t *testing.T) {
	err := &analysis.ExhaustedError{Attempts: 3, Last: &analysis.ConnectivityError{URL: "http://x", Err: errors.New("refused")}}
	h := setupRouter(t, Options{Analyzer: &fakeAnalyzer{err: err}})
	rec := doReq(t, h, http.MethodPost, "/analyze", analyzeReq{Text: "x"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	resp := decode[errorResp](t, rec)
	if resp.Class != analysis.ClassConnectivity || resp.Error == "" {
		t.Fatalf("unexpected error body: %+v", resp)
	}
}

func multipartReq(t *testing.T, path, field, name, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.WriteString(fw, content)
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploads(t *testing.T) {
	an := &fakeAnalyzer{res: &analysis.Response{Status: "success", Score: 0.1, AIGenerated: false}}
	proc, err := upload.NewProcessor(upload.Config{Dir: t.TempDir()}, an, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h := setupRouter(t, Options{Analyzer: an, Uploads: proc})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartReq(t, "/uploads", "file", "essay.txt", "hello"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[upload.Result](t, rec)
	if !res.Success || res.Score == nil || !strings.Contains(res.Message, "No significant AI content") {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, multipartReq(t, "/uploads", "file", "scan.pdf", "%PDF"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, multipartReq(t, "/uploads", "other", "essay.txt", "hello"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOptionalRoutes(t *testing.T) {
	h := setupRouter(t, Options{})
	if rec := doReq(t, h, http.MethodGet, "/history", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("history should be absent, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should be absent, got %d", rec.Code)
	}

	h = setupRouter(t, Options{Metrics: true, BasePath: "/api"})
	if rec := doReq(t, h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics should be served at root, got %d", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	hist := &fakeHistory{events: []history.Event{
		{Type: history.EventWorkerReady, OccurredAt: time.Now(), Worker: history.WorkerRecord{Name: "detector", PID: 1}},
		{Type: history.EventWorkerStart, OccurredAt: time.Now(), Worker: history.WorkerRecord{Name: "detector", PID: 1}},
	}}
	h := setupRouter(t, Options{History: hist})

	rec := doReq(t, h, http.MethodGet, "/history?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if events := decode[[]history.Event](t, rec); len(events) != 1 || events[0].Type != history.EventWorkerReady {
		t.Fatalf("unexpected events: %+v", events)
	}
	if rec := doReq(t, h, http.MethodGet, "/history?limit=-2", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResources(t *testing.T) {
	if rec := doReq(t, setupRouter(t, Options{}), http.MethodGet, "/resources", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("resources route should be absent without a sampler, got %d", rec.Code)
	}

	h := setupRouter(t, Options{Resources: &fakeResources{}})
	rec := doReq(t, h, http.MethodGet, "/resources", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %q", rec.Code, rec.Body.String())
	}

	res := &fakeResources{samples: []metrics.ResourceUsage{
		{PID: 4242, CPUPercent: 1.5, MemoryRSS: 1 << 20, Timestamp: time.Now().Add(-time.Second)},
		{PID: 4242, CPUPercent: 3.0, MemoryRSS: 2 << 20, Timestamp: time.Now()},
	}}
	rec = doReq(t, setupRouter(t, Options{Resources: res}), http.MethodGet, "/resources", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[[]metrics.ResourceUsage](t, rec)
	if len(got) != 2 || got[1].CPUPercent != 3.0 || got[1].MemoryRSS != 2<<20 || got[0].PID != 4242 {
		t.Fatalf("unexpected samples: %+v", got)
	}
}

func TestNewServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := &fakeWorker{}
	w.healthy.Store(true)
	srv, err := NewServer("127.0.0.1:0", NewRouter(Options{Worker: w, Analyzer: &fakeAnalyzer{}, BasePath: "/api"}))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/api/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if _, err := NewServer(srv.Addr, NewRouter(Options{Worker: w, Analyzer: &fakeAnalyzer{}})); err == nil {
		t.Fatal("expected bind error on a used address")
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /x/y ": "/x/y"}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
