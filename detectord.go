// Package detectord runs the AI-text analysis worker under supervision and
// exposes a resilient client, an upload workflow and an HTTP API around it.
package detectord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/detectord/internal/analysis"
	"github.com/loykin/detectord/internal/config"
	"github.com/loykin/detectord/internal/cron"
	"github.com/loykin/detectord/internal/history"
	"github.com/loykin/detectord/internal/history/factory"
	"github.com/loykin/detectord/internal/metrics"
	"github.com/loykin/detectord/internal/server"
	"github.com/loykin/detectord/internal/supervisor"
	"github.com/loykin/detectord/internal/upload"
)

// Re-export core types for external consumers.

type Config = config.Config

type Snapshot = supervisor.Snapshot

type AnalysisResult = analysis.Response

type UploadResult = upload.Result

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

const (
	jobHealthCheck = "health-check"
	jobRetention   = "retention"
	jobResources   = "resource-sample"
)

// Service owns every long-lived component of the daemon.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	sup      *supervisor.Supervisor
	analyzer *analysis.Client
	uploads  *upload.Processor
	hist     *history.Fanout
	reader   history.Reader
	sched    *cron.Scheduler
	sampler  *metrics.ResourceSampler
	output   io.WriteCloser

	mu      sync.Mutex
	httpSrv *http.Server
	started bool
}

// New builds a Service from a validated configuration. Nothing is started.
func New(cfg *config.Config, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{cfg: cfg, log: log, sched: cron.NewScheduler(log.With("component", "cron"))}

	sinks := make([]history.Sink, 0, len(cfg.History.DSNs))
	for _, dsn := range cfg.History.DSNs {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
		if r, ok := sink.(history.Reader); ok && s.reader == nil {
			s.reader = r
		}
	}
	s.hist = history.NewFanout(sinks...)

	wenv, err := cfg.Worker.Environment()
	if err != nil {
		_ = s.hist.Close()
		return nil, err
	}
	var out io.Writer
	if w := cfg.Worker.Output.Writer(); w != nil {
		s.output = w
		out = w
	}
	s.sup = supervisor.New(supervisor.Config{
		Spec:             cfg.Worker.Spec,
		Budget:           cfg.Worker.Budget,
		Env:              wenv,
		Detector:         cfg.Worker.Detector(),
		Probe:            cfg.Worker.Probe(),
		CheckInterpreter: cfg.Worker.CheckInterpreter,
		Output:           out,
		History:          s.hist,
		Logger:           log.With("component", "supervisor"),
	})

	acfg := cfg.Analysis.ClientConfig()
	acfg.Logger = log.With("component", "analysis")
	if s.analyzer, err = analysis.New(acfg); err != nil {
		s.closeOutputs()
		return nil, err
	}

	if s.uploads, err = upload.NewProcessor(cfg.Upload, s.analyzer, s.hist, log.With("component", "upload")); err != nil {
		s.closeOutputs()
		return nil, err
	}

	if err := s.addJobs(); err != nil {
		s.closeOutputs()
		return nil, err
	}
	return s, nil
}

func (s *Service) addJobs() error {
	b := s.sup.Budget()
	jobs := []*cron.Job{{
		Name:     jobHealthCheck,
		Schedule: "@every " + b.HealthInterval.String(),
		Run:      s.sup.HealthCheck,
	}}
	if s.cfg.History.Retention > 0 && s.cfg.History.PruneSchedule != "" {
		jobs = append(jobs, &cron.Job{
			Name:     jobRetention,
			Schedule: s.cfg.History.PruneSchedule,
			Run:      s.prune,
		})
	}
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.SampleSchedule != "" {
		s.sampler = metrics.NewResourceSampler(120)
		jobs = append(jobs, &cron.Job{
			Name:     jobResources,
			Schedule: s.cfg.Metrics.SampleSchedule,
			Run:      s.sampleResources,
		})
	}
	for _, j := range jobs {
		if err := s.sched.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// prune drops history events and stored uploads older than the retention.
func (s *Service) prune(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.History.Retention)
	events, herr := s.hist.Prune(ctx, cutoff)
	files, ferr := s.uploads.PruneFiles(cutoff)
	s.log.Info("retention cleanup", "cutoff", cutoff.Format(time.RFC3339), "events", events, "files", files)
	return errors.Join(herr, ferr)
}

func (s *Service) sampleResources(context.Context) error {
	if _, err := s.sampler.Sample(s.sup.Name(), s.sup.PID()); err != nil {
		s.log.Debug("worker resource sample failed", "error", err)
	}
	return nil
}

// Start registers metrics, starts the scheduler and the HTTP API, then
// launches the worker. A worker startup failure is returned after the rest
// of the service is up, so the API stays available for inspection and
// operator restarts.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	if err := s.sched.Start(ctx); err != nil {
		return err
	}
	if s.cfg.Server.Enabled {
		srv, err := server.NewServer(s.cfg.Server.Listen, s.Router())
		if err != nil {
			s.sched.Stop()
			return err
		}
		s.mu.Lock()
		s.httpSrv = srv
		s.mu.Unlock()
		s.log.Info("http api listening", "addr", srv.Addr, "base_path", s.cfg.Server.BasePath)
	}
	if err := s.sup.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	return nil
}

// Router builds the HTTP API over this service.
func (s *Service) Router() *server.Router {
	opts := server.Options{
		Worker:   s.sup,
		Analyzer: s.analyzer,
		Uploads:  s.uploads,
		Metrics:  s.cfg.Metrics.Enabled,
		BasePath: s.cfg.Server.BasePath,
		Logger:   s.log.With("component", "http"),
	}
	if s.reader != nil {
		opts.History = s.reader
	}
	if s.sampler != nil {
		opts.Resources = s.sampler
	}
	return server.NewRouter(opts)
}

// Stop shuts down the API, the scheduler and the worker, then closes the
// history sinks. ctx bounds the HTTP shutdown.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	s.sched.Stop()
	if err := s.sup.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop worker: %w", err))
	}
	s.closeOutputs()
	return errors.Join(errs...)
}

func (s *Service) closeOutputs() {
	if err := s.hist.Close(); err != nil {
		s.log.Warn("history close failed", "error", err)
	}
	if s.output != nil {
		_ = s.output.Close()
		s.output = nil
	}
}

// Addr returns the HTTP listen address once started, or "".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return ""
	}
	return s.httpSrv.Addr
}

func (s *Service) Supervisor() *supervisor.Supervisor { return s.sup }
func (s *Service) Analyzer() *analysis.Client         { return s.analyzer }
func (s *Service) Uploads() *upload.Processor         { return s.uploads }
func (s *Service) Jobs() []*cron.Job                  { return s.sched.Jobs() }

// Resources returns recent worker resource samples, oldest first.
func (s *Service) Resources() []metrics.ResourceUsage {
	if s.sampler == nil {
		return nil
	}
	return s.sampler.History()
}

func (s *Service) Snapshot() Snapshot { return s.sup.Snapshot() }

func (s *Service) Analyze(ctx context.Context, text string) (*AnalysisResult, error) {
	return s.analyzer.Analyze(ctx, text)
}

func closeSinks(sinks []history.Sink) {
	for _, sk := range sinks {
		_ = sk.Close()
	}
}
