package detectord

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/detectord/internal/config"
	"github.com/loykin/detectord/internal/supervisor"
	"github.com/loykin/detectord/pkg/client"
)

const readyWorker = "echo 'loading model'\necho ' * Running on http://127.0.0.1:5000'\nexec sleep 30\n"

func testConfig(t *testing.T, script, analysisURL string) *config.Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	workDir := filepath.Join(dir, "worker")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "worker.sh"), []byte(script), 0o644))

	c := config.Default()
	c.Worker.Interpreter = "sh"
	c.Worker.Entry = "worker.sh"
	c.Worker.WorkDir = workDir
	c.Worker.CheckInterpreter = false
	c.Worker.MaxAttempts = 1
	c.Worker.RestartDelay = 10 * time.Millisecond
	c.Worker.StartupTimeout = 3 * time.Second
	c.Worker.PollInterval = 20 * time.Millisecond
	c.Worker.StopGrace = time.Second
	c.Analysis.BaseURL = analysisURL
	c.Analysis.RetryDelay = 10 * time.Millisecond
	c.Server.Listen = "127.0.0.1:0"
	c.History.DSNs = []string{"sqlite://" + filepath.Join(dir, "history.db")}
	c.Upload.Dir = filepath.Join(dir, "uploads")
	return c
}

func detectEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"text"`) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"status":"success","ai_score":0.42,"ai_generated":false}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestService_EndToEnd(t *testing.T) {
	cfg := testConfig(t, readyWorker, detectEndpoint(t).URL)
	svc, err := New(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = svc.Stop(context.Background())
		}
	})

	require.NotEmpty(t, svc.Addr())
	assert.Equal(t, supervisor.StateRunning, svc.Snapshot().State)

	c := client.New(client.Config{BaseURL: "http://" + svc.Addr() + "/api"})
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Healthy)
	assert.Greater(t, st.Worker.PID, 0)

	res, err := c.Analyze(ctx, "is this written by a model?")
	require.NoError(t, err)
	assert.InDelta(t, 0.42, res.Score, 1e-9)

	up, err := c.Upload(ctx, "essay.txt", strings.NewReader("an essay"))
	require.NoError(t, err)
	assert.True(t, up.Success)
	assert.Equal(t, "File processed. No significant AI content detected (42.00% confidence)", up.Message)

	require.NoError(t, svc.sampleResources(ctx))
	require.Len(t, svc.Resources(), 1)
	samples, err := c.Resources(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int32(st.Worker.PID), samples[0].PID)

	events, err := c.History(ctx, 20)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, "worker_start")
	assert.Contains(t, types, "worker_ready")
	assert.Contains(t, types, "analysis")

	require.NoError(t, svc.Stop(context.Background()))
	stopped = true
	assert.Equal(t, supervisor.StateStopped, svc.Snapshot().State)
	assert.Empty(t, svc.Addr())
}

func TestService_WorkerFailureKeepsAPIUp(t *testing.T) {
	cfg := testConfig(t, "echo 'loading model'\nexec sleep 30\n", detectEndpoint(t).URL)
	cfg.Worker.StartupTimeout = 300 * time.Millisecond
	svc, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, supervisor.ErrStartupExhausted))
	assert.Equal(t, supervisor.StateFailed, svc.Snapshot().State)

	c := client.New(client.Config{BaseURL: "http://" + svc.Addr() + "/api"})
	healthy, err := c.Healthy(context.Background())
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestService_Jobs(t *testing.T) {
	cfg := testConfig(t, readyWorker, "http://127.0.0.1:5000")
	svc, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	names := map[string]string{}
	for _, j := range svc.Jobs() {
		names[j.Name] = j.Schedule
	}
	assert.Equal(t, "@every 1m0s", names[jobHealthCheck])
	assert.Equal(t, "0 2 * * *", names[jobRetention])
	assert.Equal(t, "@every 15s", names[jobResources])

	cfg2 := testConfig(t, readyWorker, "http://127.0.0.1:5000")
	cfg2.Metrics.Enabled = false
	cfg2.History.Retention = 0
	svc2, err := New(cfg2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc2.Stop(context.Background()) })
	require.Len(t, svc2.Jobs(), 1)
	assert.Equal(t, jobHealthCheck, svc2.Jobs()[0].Name)
}

func TestService_Prune(t *testing.T) {
	cfg := testConfig(t, readyWorker, "http://127.0.0.1:5000")
	svc, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	old := filepath.Join(cfg.Upload.Dir, "old_essay.txt")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o600))
	past := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	require.NoError(t, svc.prune(context.Background()))
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.MaxAttempts = 0
	_, err := New(cfg, nil)
	assert.Error(t, err)

	_, err = New(nil, nil)
	assert.Error(t, err)
}
