package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/detectord/internal/analysis"
	"github.com/loykin/detectord/internal/cron"
	"github.com/loykin/detectord/internal/detector"
	"github.com/loykin/detectord/internal/env"
	"github.com/loykin/detectord/internal/logger"
	"github.com/loykin/detectord/internal/process"
	"github.com/loykin/detectord/internal/supervisor"
	"github.com/loykin/detectord/internal/upload"
)

// EnvPrefix prefixes environment overrides: worker.startup_timeout is read
// from DETECTORD_WORKER_STARTUP_TIMEOUT.
const EnvPrefix = "DETECTORD"

const (
	ReadinessMarker = "marker"
	ReadinessProbe  = "probe"
)

// Config is the top-level TOML structure.
type Config struct {
	Log      logger.Config  `mapstructure:"log"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	History  HistoryConfig  `mapstructure:"history"`
	Upload   upload.Config  `mapstructure:"upload"`
}

// WorkerConfig describes the supervised analysis worker.
type WorkerConfig struct {
	process.Spec      `mapstructure:",squash"`
	supervisor.Budget `mapstructure:",squash"`

	Readiness        string        `mapstructure:"readiness"` // marker or probe
	Marker           string        `mapstructure:"marker"`
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeCommand     string        `mapstructure:"probe_command"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	CheckInterpreter bool          `mapstructure:"check_interpreter"`

	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	// Output is an optional rotated file receiving worker output lines.
	Output logger.FileConfig `mapstructure:"output"`
}

type AnalysisConfig struct {
	BaseURL     string                 `mapstructure:"base_url"`
	Attempts    int                    `mapstructure:"attempts"`
	RetryDelay  time.Duration          `mapstructure:"retry_delay"`
	Timeout     time.Duration          `mapstructure:"timeout"`
	RetryPolicy string                 `mapstructure:"retry_policy"`
	Breaker     analysis.BreakerConfig `mapstructure:"breaker"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// SampleSchedule drives worker CPU/memory sampling.
	SampleSchedule string `mapstructure:"sample_schedule"`
}

type HistoryConfig struct {
	DSNs          []string      `mapstructure:"dsns"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

func setDefaults(v *viper.Viper) {
	b := supervisor.DefaultBudget()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")

	v.SetDefault("worker.name", "detector")
	v.SetDefault("worker.interpreter", "")
	v.SetDefault("worker.entry", process.DefaultEntry)
	v.SetDefault("worker.work_dir", "detector")
	v.SetDefault("worker.max_attempts", b.MaxAttempts)
	v.SetDefault("worker.restart_delay", b.RestartDelay)
	v.SetDefault("worker.startup_timeout", b.StartupTimeout)
	v.SetDefault("worker.health_interval", b.HealthInterval)
	v.SetDefault("worker.poll_interval", b.PollInterval)
	v.SetDefault("worker.stop_grace", b.StopGrace)
	v.SetDefault("worker.readiness", ReadinessMarker)
	v.SetDefault("worker.marker", detector.DefaultMarker)
	v.SetDefault("worker.probe_url", "")
	v.SetDefault("worker.probe_command", "")
	v.SetDefault("worker.probe_timeout", 2*time.Second)
	v.SetDefault("worker.check_interpreter", true)
	v.SetDefault("worker.use_os_env", true)
	v.SetDefault("worker.output.path", "")

	v.SetDefault("analysis.base_url", "http://127.0.0.1:5000")
	v.SetDefault("analysis.attempts", analysis.DefaultAttempts)
	v.SetDefault("analysis.retry_delay", analysis.DefaultRetryDelay)
	v.SetDefault("analysis.timeout", analysis.DefaultTimeout)
	v.SetDefault("analysis.retry_policy", string(analysis.RetryAll))
	v.SetDefault("analysis.breaker.enabled", false)
	v.SetDefault("analysis.breaker.consecutive_failures", 5)
	v.SetDefault("analysis.breaker.open_timeout", 30*time.Second)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sample_schedule", "@every 15s")

	v.SetDefault("history.dsns", []string{})
	v.SetDefault("history.retention", 168*time.Hour)
	v.SetDefault("history.prune_schedule", "0 2 * * *")

	v.SetDefault("upload.dir", "uploads")
	v.SetDefault("upload.max_bytes", upload.DefaultMaxBytes)
}

// Load reads path (TOML) over the defaults and applies DETECTORD_*
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration Load produces without a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	w := c.Worker
	if strings.TrimSpace(w.WorkDir) == "" {
		errs = append(errs, errors.New("worker.work_dir is required"))
	}
	if w.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("worker.max_attempts must be positive, got %d", w.MaxAttempts))
	}
	if w.RestartDelay < 0 {
		errs = append(errs, errors.New("worker.restart_delay must not be negative"))
	}
	for key, d := range map[string]time.Duration{
		"worker.startup_timeout": w.StartupTimeout,
		"worker.health_interval": w.HealthInterval,
		"worker.poll_interval":   w.PollInterval,
		"worker.stop_grace":      w.StopGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	switch w.Readiness {
	case ReadinessMarker:
		if strings.TrimSpace(w.Marker) == "" {
			errs = append(errs, errors.New("worker.marker is required for marker readiness"))
		}
	case ReadinessProbe:
		if w.ProbeURL == "" && w.ProbeCommand == "" {
			errs = append(errs, errors.New("probe readiness requires worker.probe_url or worker.probe_command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown worker.readiness %q", w.Readiness))
	}

	a := c.Analysis
	if u, err := url.Parse(a.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid analysis.base_url %q", a.BaseURL))
	}
	if a.Attempts < 1 {
		errs = append(errs, fmt.Errorf("analysis.attempts must be positive, got %d", a.Attempts))
	}
	if a.RetryDelay < 0 {
		errs = append(errs, errors.New("analysis.retry_delay must not be negative"))
	}
	if a.Timeout <= 0 {
		errs = append(errs, errors.New("analysis.timeout must be positive"))
	}
	switch analysis.RetryPolicy(a.RetryPolicy) {
	case analysis.RetryAll, analysis.RetryConnectivity:
	default:
		errs = append(errs, fmt.Errorf("unknown analysis.retry_policy %q", a.RetryPolicy))
	}

	if c.Server.Enabled && strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Metrics.Enabled && c.Metrics.SampleSchedule != "" {
		if _, err := cron.Parse(c.Metrics.SampleSchedule); err != nil {
			errs = append(errs, fmt.Errorf("metrics.sample_schedule: %w", err))
		}
	}
	if len(c.History.DSNs) > 0 {
		if c.History.Retention < 0 {
			errs = append(errs, errors.New("history.retention must not be negative"))
		}
		if c.History.PruneSchedule != "" {
			if _, err := cron.Parse(c.History.PruneSchedule); err != nil {
				errs = append(errs, fmt.Errorf("history.prune_schedule: %w", err))
			}
		}
	}
	if strings.TrimSpace(c.Upload.Dir) == "" {
		errs = append(errs, errors.New("upload.dir is required"))
	}
	return errors.Join(errs...)
}

// ClientConfig maps the analysis section onto analysis.Config.
func (a AnalysisConfig) ClientConfig() analysis.Config {
	return analysis.Config{
		BaseURL:    a.BaseURL,
		Attempts:   a.Attempts,
		RetryDelay: a.RetryDelay,
		Timeout:    a.Timeout,
		Policy:     analysis.RetryPolicy(a.RetryPolicy),
		Breaker:    a.Breaker,
	}
}

// Environment composes the worker environment: the OS environment when use_os_env
// is set, then env_files in order, then the worker's own env list (applied
// at launch).
func (w WorkerConfig) Environment() (*env.Env, error) {
	e := env.New()
	e.Isolated = !w.UseOSEnv
	for _, p := range w.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("worker env file: %w", err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	return e, nil
}

// Detector returns the line detector for marker readiness.
func (w WorkerConfig) Detector() detector.LineDetector {
	return detector.MarkerDetector{Marker: w.Marker}
}

// Probe returns the readiness probe, or nil for marker readiness.
func (w WorkerConfig) Probe() detector.Probe {
	if w.Readiness != ReadinessProbe {
		return nil
	}
	if w.ProbeURL != "" {
		return detector.HTTPProbe{URL: w.ProbeURL, Timeout: w.ProbeTimeout}
	}
	return detector.CommandProbe{Command: w.ProbeCommand, Timeout: w.ProbeTimeout}
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
