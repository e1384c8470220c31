package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Client talks to a running detectord daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 2 * time.Minute,
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
	Class      string
}

func (e *APIError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("API error (HTTP %d, %s): %s", e.StatusCode, e.Class, e.Message)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

func New(config Config) *Client {
	d := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = d.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = d.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Healthy reports the /healthz verdict. A 503 is not an error.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, "", nil)
	var apiErr *APIError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable:
		return false, nil
	default:
		return false, err
	}
}

// Restart asks the daemon to restart the worker and returns the new status.
func (c *Client) Restart(ctx context.Context) (*Status, error) {
	c.logger.Debug("Requesting worker restart")
	var st Status
	if err := c.do(ctx, http.MethodPost, "/restart", nil, "", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Analyze(ctx context.Context, text string) (*AnalyzeResult, error) {
	data, err := json.Marshal(AnalyzeRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var res AnalyzeResult
	if err := c.do(ctx, http.MethodPost, "/analyze", bytes.NewReader(data), "application/json", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Upload sends a file for analysis. A 422 answer still yields the result,
// with Success false.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	var res UploadResult
	err = c.do(ctx, http.MethodPost, "/uploads", &buf, mw.FormDataContentType(), &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity && res.ID != "" {
		return &res, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	path := "/history"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var events []HistoryEvent
	if err := c.do(ctx, http.MethodGet, path, nil, "", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Resources returns recent worker resource samples, oldest first.
func (c *Client) Resources(ctx context.Context) ([]ResourceSample, error) {
	var samples []ResourceSample
	if err := c.do(ctx, http.MethodGet, "/resources", nil, "", &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

// do performs one request. out, when set, is decoded from the body for 2xx
// answers and, best effort, for 422 answers.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	if resp.StatusCode == http.StatusUnprocessableEntity && out != nil {
		_ = json.Unmarshal(raw, out)
	}
	return c.handleErrorResponse(resp.StatusCode, raw)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(code int, raw []byte) error {
	var errorResp ErrorResponse
	if err := json.Unmarshal(raw, &errorResp); err != nil || errorResp.Error == "" {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(code)
		}
		return &APIError{StatusCode: code, Message: msg}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", code)
	return &APIError{StatusCode: code, Message: errorResp.Error, Class: errorResp.Class}
}
