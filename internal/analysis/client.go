package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/loykin/detectord/internal/metrics"
)

// RetryPolicy selects which failure classes are retried.
type RetryPolicy string

const (
	// RetryAll retries connectivity and application failures alike.
	RetryAll RetryPolicy = "all"
	// RetryConnectivity retries connectivity failures only and fails fast
	// on application failures.
	RetryConnectivity RetryPolicy = "connectivity"
)

const (
	DefaultAttempts   = 3
	DefaultRetryDelay = 2 * time.Second
	DefaultTimeout    = 30 * time.Second

	detectPath   = "/detect"
	maxBodyBytes = 1 << 20
)

// BreakerConfig configures the optional circuit breaker around Analyze.
type BreakerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ConsecutiveFailures of whole Analyze calls that open the breaker.
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Attempts   int
	RetryDelay time.Duration
	// Timeout bounds a single HTTP attempt.
	Timeout    time.Duration
	Policy     RetryPolicy
	Breaker    BreakerConfig
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client sends text to the analysis endpoint with bounded retries. It is
// stateless between calls and safe for concurrent use.
type Client struct {
	endpoint string
	attempts int
	delay    time.Duration
	policy   RetryPolicy
	http     *http.Client
	log      *slog.Logger
	cb       *gobreaker.CircuitBreaker[*Response]
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid analysis base url %q", cfg.BaseURL)
	}
	c := &Client{
		endpoint: base + detectPath,
		attempts: cfg.Attempts,
		delay:    cfg.RetryDelay,
		policy:   cfg.Policy,
		http:     cfg.HTTPClient,
		log:      cfg.Logger,
	}
	if c.attempts <= 0 {
		c.attempts = DefaultAttempts
	}
	if c.delay < 0 {
		c.delay = 0
	}
	switch c.policy {
	case "":
		c.policy = RetryAll
	case RetryAll, RetryConnectivity:
	default:
		return nil, fmt.Errorf("unknown retry policy %q", cfg.Policy)
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if cfg.Breaker.Enabled {
		c.cb = newBreaker(cfg.Breaker, c.log)
	}
	return c, nil
}

func newBreaker(cfg BreakerConfig, log *slog.Logger) *gobreaker.CircuitBreaker[*Response] {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "analysis",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a caller giving up says nothing about the endpoint
		IsSuccessful: func(err error) bool {
			return err == nil || callerGaveUp(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("analysis circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
}

// callerGaveUp reports whether err is the caller's own cancellation or
// deadline. Transport timeouts arrive inside an *ExhaustedError and do not
// qualify.
func callerGaveUp(err error) bool {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Endpoint returns the full detect URL.
func (c *Client) Endpoint() string { return c.endpoint }

// BreakerState reports the breaker state, or "disabled".
func (c *Client) BreakerState() string {
	if c.cb == nil {
		return "disabled"
	}
	return c.cb.State().String()
}

// Analyze classifies text. It never returns a partial or default result: on
// failure the error is an *ExhaustedError, ErrBreakerOpen, or the context error.
func (c *Client) Analyze(ctx context.Context, text string) (*Response, error) {
	start := time.Now()
	var (
		res *Response
		err error
	)
	if c.cb != nil {
		res, err = c.cb.Execute(func() (*Response, error) { return c.analyze(ctx, text) })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
	} else {
		res, err = c.analyze(ctx, text)
	}
	metrics.ObserveAnalysisDuration(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.IncAnalysis("success")
	case errors.Is(err, ErrBreakerOpen):
		metrics.IncAnalysis(ClassBreakerOpen)
	case ctx.Err() != nil:
		metrics.IncAnalysis(ClassCanceled)
	default:
		metrics.IncAnalysis("exhausted")
	}
	return res, err
}

func (c *Client) analyze(ctx context.Context, text string) (*Response, error) {
	body, err := json.Marshal(Request{Text: text})
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	attempt := 0
	var last error
	op := func() (*Response, error) {
		attempt++
		res, err := c.attempt(ctx, body)
		if err == nil {
			return res, nil
		}
		last = err
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		var appErr *ApplicationError
		if errors.As(err, &appErr) {
			metrics.IncAnalysisAttemptFailure(ClassApplication)
			c.log.Warn("analysis endpoint returned invalid result", "attempt", attempt, "max_attempts", c.attempts, "error", err)
			if c.policy == RetryConnectivity {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		metrics.IncAnalysisAttemptFailure(ClassConnectivity)
		c.log.Warn("analysis endpoint unreachable", "attempt", attempt, "max_attempts", c.attempts, "error", err)
		return nil, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), uint64(c.attempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.log.Debug("retrying analysis", "next_attempt", attempt+1, "wait", wait)
	}
	res, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("analyze: %w", ctxErr)
	}
	if last == nil {
		last = err
	}
	return nil, &ExhaustedError{Attempts: attempt, Last: last}
}

// attempt performs one POST and validates the answer.
func (c *Client) attempt(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ConnectivityError{URL: c.endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ConnectivityError{URL: c.endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &ConnectivityError{URL: c.endpoint, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ApplicationError{StatusCode: resp.StatusCode, Reason: snippet(raw)}
	}
	var w wireResponse
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ApplicationError{StatusCode: resp.StatusCode, Reason: "undecodable body: " + err.Error()}
	}
	res, err := w.validate()
	if err != nil {
		return nil, &ApplicationError{StatusCode: resp.StatusCode, Reason: err.Error()}
	}
	return res, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
