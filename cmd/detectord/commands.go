package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"

	"github.com/loykin/detectord"
	"github.com/loykin/detectord/internal/analysis"
	"github.com/loykin/detectord/pkg/client"
)

func newAPIClient(flags *GlobalFlags) *client.Client {
	return client.New(client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout})
}

func runStatus(ctx context.Context, c *client.Client, out io.Writer) error {
	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	printStatus(out, st)
	return nil
}

func runRestart(ctx context.Context, c *client.Client, out io.Writer) error {
	st, err := c.Restart(ctx)
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	printStatus(out, st)
	return nil
}

func printStatus(out io.Writer, st *client.Status) {
	w := st.Worker
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "worker\t%s\n", w.Name)
	_, _ = fmt.Fprintf(tw, "state\t%s\n", w.State)
	_, _ = fmt.Fprintf(tw, "healthy\t%t\n", st.Healthy)
	if w.PID > 0 {
		_, _ = fmt.Fprintf(tw, "pid\t%d\n", w.PID)
	}
	_, _ = fmt.Fprintf(tw, "command\t%s\n", w.Command)
	_, _ = fmt.Fprintf(tw, "readiness\t%s\n", w.Readiness)
	_, _ = fmt.Fprintf(tw, "restarts\t%d\n", w.Restarts)
	_, _ = fmt.Fprintf(tw, "failed attempts\t%d\n", w.FailedAttempts)
	if !w.ReadyAt.IsZero() {
		_, _ = fmt.Fprintf(tw, "ready since\t%s\n", w.ReadyAt.Format(time.RFC3339))
	}
	if w.LastError != "" {
		_, _ = fmt.Fprintf(tw, "last error\t%s\n", w.LastError)
	}
	_, _ = fmt.Fprintf(tw, "analysis\t%s (breaker %s)\n", st.Analysis.Endpoint, st.Analysis.Breaker)
	_ = tw.Flush()
}

func runAnalyze(ctx context.Context, global *GlobalFlags, flags *AnalyzeFlags, out io.Writer) error {
	if flags.Direct {
		return analyzeDirect(ctx, flags, out)
	}
	c := newAPIClient(global)
	if flags.File != "" {
		f, err := os.Open(filepath.Clean(flags.File))
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		res, err := c.Upload(ctx, filepath.Base(flags.File), f)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		if err := printJSON(out, res); err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Message)
		}
		return nil
	}
	res, err := c.Analyze(ctx, flags.Text)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return printJSON(out, res)
}

// analyzeDirect calls the analysis endpoint from the config without a daemon.
func analyzeDirect(ctx context.Context, flags *AnalyzeFlags, out io.Writer) error {
	cfg, err := detectord.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	text := flags.Text
	if flags.File != "" {
		b, err := os.ReadFile(filepath.Clean(flags.File))
		if err != nil {
			return err
		}
		text = string(b)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("no text provided")
	}
	c, err := analysis.New(cfg.Analysis.ClientConfig())
	if err != nil {
		return err
	}
	res, err := c.Analyze(ctx, text)
	if err != nil {
		return fmt.Errorf("analyze (%s): %w", analysis.Class(err), err)
	}
	return printJSON(out, res)
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
