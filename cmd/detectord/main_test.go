package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/detectord/internal/analysis"
	"github.com/loykin/detectord/internal/server"
	"github.com/loykin/detectord/internal/supervisor"
	"github.com/loykin/detectord/internal/upload"
)

type fakeWorker struct{ restarts atomic.Int32 }

func (w *fakeWorker) Snapshot() supervisor.Snapshot {
	return supervisor.Snapshot{
		Name:      "detector",
		State:     supervisor.StateRunning,
		PID:       321,
		Command:   "python3 app.py",
		Readiness: "marker:Running on",
		Restarts:  int(w.restarts.Load()),
		ReadyAt:   time.Now(),
	}
}

func (w *fakeWorker) IsHealthy() bool { return true }

func (w *fakeWorker) Restart(context.Context) error {
	w.restarts.Add(1)
	return nil
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(context.Context, string) (*analysis.Response, error) {
	return &analysis.Response{Status: "success", Score: 0.66, AIGenerated: true}, nil
}

func (fakeAnalyzer) Endpoint() string     { return "http://127.0.0.1:5000/detect" }
func (fakeAnalyzer) BreakerState() string { return "disabled" }

func fakeDaemon(t *testing.T) (*GlobalFlags, *fakeWorker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := &fakeWorker{}
	proc, err := upload.NewProcessor(upload.Config{Dir: t.TempDir()}, fakeAnalyzer{}, nil, nil)
	require.NoError(t, err)
	r := server.NewRouter(server.Options{Worker: w, Analyzer: fakeAnalyzer{}, Uploads: proc, BasePath: "/api"})
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return &GlobalFlags{APIUrl: srv.URL + "/api", APITimeout: 5 * time.Second}, w
}

func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := execRoot(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "detectord")
	for _, sub := range []string{"serve", "status", "restart", "analyze"} {
		assert.Contains(t, out, sub)
	}
}

func TestAnalyzeFlagValidation(t *testing.T) {
	_, err := execRoot(t, "analyze")
	assert.Error(t, err, "one of --text/--file is required")

	_, err = execRoot(t, "analyze", "--text", "a", "--file", "b.txt")
	assert.Error(t, err, "--text and --file are exclusive")
}

func TestStatusAndRestart(t *testing.T) {
	flags, w := fakeDaemon(t)
	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), newAPIClient(flags), &out))
	assert.Contains(t, out.String(), "running")
	assert.Contains(t, out.String(), "321")

	out.Reset()
	require.NoError(t, runRestart(context.Background(), newAPIClient(flags), &out))
	assert.Equal(t, int32(1), w.restarts.Load())
	assert.Contains(t, out.String(), "restarts")
}

func TestStatusUnreachable(t *testing.T) {
	flags := &GlobalFlags{APIUrl: "http://127.0.0.1:1/api", APITimeout: time.Second}
	err := runStatus(context.Background(), newAPIClient(flags), io.Discard)
	assert.Error(t, err)
}

func TestAnalyzeThroughDaemon(t *testing.T) {
	flags, _ := fakeDaemon(t)

	var out bytes.Buffer
	require.NoError(t, runAnalyze(context.Background(), flags, &AnalyzeFlags{Text: "essay"}, &out))
	assert.Contains(t, out.String(), `"ai_score": 0.66`)

	file := filepath.Join(t.TempDir(), "essay.txt")
	require.NoError(t, os.WriteFile(file, []byte("essay body"), 0o600))
	out.Reset()
	require.NoError(t, runAnalyze(context.Background(), flags, &AnalyzeFlags{File: file}, &out))
	assert.Contains(t, out.String(), "AI content detected (66.00% confidence)")

	pdf := filepath.Join(t.TempDir(), "scan.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF"), 0o600))
	err := runAnalyze(context.Background(), flags, &AnalyzeFlags{File: pdf}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to extract text")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "detectord.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAnalyzeDirect(t *testing.T) {
	var calls atomic.Int32
	detect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"status":"success","ai_score":0.25,"ai_generated":false}`)
	}))
	defer detect.Close()

	cfgPath := writeConfig(t, "[analysis]\nbase_url = \""+detect.URL+"\"\nretry_delay = \"10ms\"\n")
	var out bytes.Buffer
	err := runAnalyze(context.Background(), &GlobalFlags{}, &AnalyzeFlags{ConfigPath: cfgPath, Text: "x", Direct: true}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"ai_generated": false`)
	assert.Equal(t, int32(2), calls.Load())

	err = runAnalyze(context.Background(), &GlobalFlags{}, &AnalyzeFlags{ConfigPath: cfgPath, Text: "  ", Direct: true}, io.Discard)
	assert.Error(t, err)
}

func TestAnalyzeDirectExhausted(t *testing.T) {
	detect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"error"}`)
	}))
	defer detect.Close()

	cfgPath := writeConfig(t, "[analysis]\nbase_url = \""+detect.URL+"\"\nretry_delay = \"0s\"\n")
	err := runAnalyze(context.Background(), &GlobalFlags{}, &AnalyzeFlags{ConfigPath: cfgPath, Text: "x", Direct: true}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), analysis.ClassApplication)
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--logfile", "/tmp/d.log", "--pidfile=/tmp/old.pid", "--config", "c.toml"}, "/run/d.pid")
	assert.Equal(t, []string{"serve", "--config", "c.toml", "--pidfile", "/run/d.pid"}, got)
}

func serveConfig(t *testing.T, script string, extra string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker.sh"), []byte(script), 0o644))
	cfg := `
[worker]
interpreter = "sh"
entry = "worker.sh"
work_dir = "` + dir + `"
check_interpreter = false
max_attempts = 1
startup_timeout = "2s"
poll_interval = "20ms"
stop_grace = "1s"

[server]
listen = "127.0.0.1:0"

[metrics]
enabled = false

[upload]
dir = "` + filepath.Join(dir, "uploads") + `"
` + extra
	return writeConfig(t, cfg), dir
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfgPath, dir := serveConfig(t, "touch launched\necho ' * Running on http://127.0.0.1:5000'\nexec sleep 30\n", "")
	pid := filepath.Join(dir, "detectord.pid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, &ServeFlags{ConfigPath: cfgPath, PidFile: pid}, io.Discard) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "launched"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	b, err := os.ReadFile(pid)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(b)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	_, err = os.Stat(pid)
	assert.True(t, os.IsNotExist(err), "pid file removed on exit")
}

func TestRunServe_StrictExitsOnWorkerFailure(t *testing.T) {
	cfgPath, _ := serveConfig(t, "exit 3\n", "")
	err := runServe(context.Background(), &ServeFlags{ConfigPath: cfgPath, Strict: true}, io.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, supervisor.ErrStartupExhausted)
}

func TestRunServe_BadConfig(t *testing.T) {
	cfgPath := writeConfig(t, "[worker]\nmax_attempts = 0\n")
	err := runServe(context.Background(), &ServeFlags{ConfigPath: cfgPath}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}
