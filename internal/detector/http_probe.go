package detector

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPProbe reports ready once URL answers with any HTTP response. A 405
// from a POST-only endpoint still proves the listener is up.
type HTTPProbe struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func (p HTTPProbe) Ready(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (p HTTPProbe) Describe() string { return "http:" + p.URL }
