package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/detectord/internal/analysis"
	"github.com/loykin/detectord/internal/history"
	"github.com/loykin/detectord/internal/metrics"
	"github.com/loykin/detectord/internal/supervisor"
	"github.com/loykin/detectord/internal/upload"
)

// Worker is the supervised worker as seen by the API.
type Worker interface {
	Snapshot() supervisor.Snapshot
	IsHealthy() bool
	Restart(ctx context.Context) error
}

type Analyzer interface {
	Analyze(ctx context.Context, text string) (*analysis.Response, error)
	Endpoint() string
	BreakerState() string
}

type Uploader interface {
	Process(ctx context.Context, name string, r io.Reader) (*upload.Result, error)
}

// Resources exposes recent worker resource samples, oldest first.
type Resources interface {
	History() []metrics.ResourceUsage
}

// Options wires a Router. Worker and Analyzer are required.
type Options struct {
	Worker   Worker
	Analyzer Analyzer
	// Uploads enables POST /uploads.
	Uploads Uploader
	// History enables GET /history.
	History history.Reader
	// Resources enables GET /resources.
	Resources Resources
	// Metrics mounts /metrics at the root, outside BasePath.
	Metrics  bool
	BasePath string
	Logger   *slog.Logger
}

// Router provides the daemon's HTTP API.
// Endpoints, relative to basePath:
//
//	GET  /status    worker snapshot and analysis client state
//	GET  /healthz   200 when the worker is running, 503 otherwise
//	POST /restart   operator restart
//	POST /analyze   body {"text": "..."}
//	POST /uploads   multipart field "file"
//	GET  /history   query: limit=N
//	GET  /resources worker CPU and memory samples
type Router struct {
	opts     Options
	basePath string
	log      *slog.Logger
}

func NewRouter(opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.logRequests())
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	group.POST("/restart", r.handleRestart)
	group.POST("/analyze", r.handleAnalyze)
	if r.opts.Uploads != nil {
		group.POST("/uploads", r.handleUpload)
	}
	if r.opts.History != nil {
		group.GET("/history", r.handleHistory)
	}
	if r.opts.Resources != nil {
		group.GET("/resources", r.handleResources)
	}
	return g
}

// NewServer binds addr and serves the router in the background. Bind errors
// are returned; later serve errors are logged.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

func (r *Router) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

type healthResp struct {
	Healthy bool             `json:"healthy"`
	State   supervisor.State `json:"state"`
}

type analysisStatus struct {
	Endpoint string `json:"endpoint"`
	Breaker  string `json:"breaker"`
}

type statusResp struct {
	Healthy  bool                `json:"healthy"`
	Worker   supervisor.Snapshot `json:"worker"`
	Analysis analysisStatus      `json:"analysis"`
}

type analyzeReq struct {
	Text string `json:"text"`
}

func (r *Router) status() statusResp {
	return statusResp{
		Healthy: r.opts.Worker.IsHealthy(),
		Worker:  r.opts.Worker.Snapshot(),
		Analysis: analysisStatus{
			Endpoint: r.opts.Analyzer.Endpoint(),
			Breaker:  r.opts.Analyzer.BreakerState(),
		},
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.status())
}

func (r *Router) handleHealthz(c *gin.Context) {
	resp := healthResp{Healthy: r.opts.Worker.IsHealthy(), State: r.opts.Worker.Snapshot().State}
	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.log.Info("restart requested over http", "remote", c.ClientIP())
	// a restart outlives a caller that disconnects
	if err := r.opts.Worker.Restart(context.WithoutCancel(c.Request.Context())); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.status())
}

func (r *Router) handleAnalyze(c *gin.Context) {
	var req analyzeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "No text provided"})
		return
	}
	res, err := r.opts.Analyzer.Analyze(c.Request.Context(), req.Text)
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error(), Class: analysis.Class(err)})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "multipart field \"file\" required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	defer func() { _ = f.Close() }()

	res, err := r.opts.Uploads.Process(c.Request.Context(), fh.Filename, f)
	if err != nil {
		r.log.Error("upload failed", "file", fh.Filename, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	code := http.StatusOK
	if !res.Success {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(c, code, res)
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, 1000)
	}
	events, err := r.opts.History.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleResources(c *gin.Context) {
	samples := r.opts.Resources.History()
	if samples == nil {
		samples = []metrics.ResourceUsage{}
	}
	writeJSON(c, http.StatusOK, samples)
}
