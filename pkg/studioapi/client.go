// Package studioapi is the REST client for the image-generation backend.
//
// Idempotent GET calls use a bounded capped-backoff retry; mutating calls
// (generate, cancel) are issued exactly once to avoid duplicate side effects.
// The legacy endpoint shape is exposed as explicit Legacy* methods so callers
// select the fallback chain deliberately rather than via swallowed errors.
package studioapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pixelforge/studiosync/pkg/event"
	"github.com/pixelforge/studiosync/pkg/genparams"
)

const (
	// DefaultTimeout bounds every request.
	DefaultTimeout = 30 * time.Second

	// DefaultRetryAttempts is the total number of tries for GET calls.
	DefaultRetryAttempts = 3

	defaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second

	// DefaultAPIPrefix versions every primary endpoint path.
	DefaultAPIPrefix = "/api/v1"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend origin, e.g. "http://localhost:8188".
	BaseURL string

	// APIPrefix is prepended to primary endpoint paths. Legacy endpoints
	// are unprefixed. Default: DefaultAPIPrefix.
	APIPrefix string

	// Timeout bounds each individual request. Default: DefaultTimeout.
	Timeout time.Duration

	// RetryAttempts is the total try count for idempotent GETs.
	// Default: DefaultRetryAttempts.
	RetryAttempts int

	// RateLimit caps outbound requests per second. Zero means unlimited.
	RateLimit float64

	// HTTPClient overrides the underlying client; its Timeout is left
	// untouched when set.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Client talks to the studio backend.
type Client struct {
	base          *url.URL
	prefix        string
	http          *http.Client
	retryAttempts int
	retryBackoff  time.Duration
	limiter       *rate.Limiter
	logger        *zap.Logger
}

// GenerateResponse is the backend's acknowledgement of a generate call.
type GenerateResponse struct {
	JobID         string  `json:"job_id"`
	Status        string  `json:"status"`
	EstimatedTime float64 `json:"estimated_time"`
	QueuePosition int     `json:"queue_position"`
}

// CancelResponse is the backend's acknowledgement of a cancel call.
type CancelResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ResultSnapshot is the wire shape of one completed generation.
type ResultSnapshot struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	ImageURL       string    `json:"image_url"`
	ThumbnailURL   string    `json:"thumbnail_url,omitempty"`
	Prompt         string    `json:"prompt"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Seed           int64     `json:"seed"`
	GenerationTime float64   `json:"generation_time"`
	Rating         int       `json:"rating"`
	Tags           []string  `json:"tags,omitempty"`
	IsFavorite     bool      `json:"is_favorite"`
	CreatedAt      time.Time `json:"created_at"`
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("studioapi: base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("studioapi: parse base URL: %w", err)
	}

	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{
		base:          base,
		prefix:        strings.TrimSuffix(prefix, "/"),
		http:          httpClient,
		retryAttempts: attempts,
		retryBackoff:  defaultRetryBackoff,
		limiter:       limiter,
		logger:        logger,
	}, nil
}

// ActiveJobs fetches the active job snapshots from the primary endpoint.
func (c *Client) ActiveJobs(ctx context.Context) ([]event.JobSnapshot, error) {
	var jobs []event.JobSnapshot
	err := c.getJSON(ctx, "ActiveJobs", c.prefix+"/generation/jobs/active", &jobs)
	return jobs, err
}

// LegacyJobsStatus fetches the active job snapshots from the legacy endpoint
// shape. Used only after the primary endpoint reports ErrEndpointNotFound.
func (c *Client) LegacyJobsStatus(ctx context.Context) ([]event.JobSnapshot, int, error) {
	var resp struct {
		Jobs        []event.JobSnapshot `json:"jobs"`
		QueueLength int                 `json:"queue_length"`
	}
	if err := c.getJSON(ctx, "LegacyJobsStatus", "/jobs/status", &resp); err != nil {
		return nil, 0, err
	}
	return resp.Jobs, resp.QueueLength, nil
}

// Generate submits a generation request. Never retried.
func (c *Client) Generate(ctx context.Context, req genparams.Request) (GenerateResponse, error) {
	var resp GenerateResponse
	err := c.doJSON(ctx, "Generate", http.MethodPost, c.prefix+"/generation/generate", req, &resp)
	return resp, err
}

// CancelJob asks the backend to cancel a job. Never retried.
func (c *Client) CancelJob(ctx context.Context, id string) (CancelResponse, error) {
	var resp CancelResponse
	endpoint := c.prefix + "/generation/jobs/" + url.PathEscape(id) + "/cancel"
	err := c.doJSON(ctx, "CancelJob", http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// LegacyCancelJob cancels via the legacy endpoint shape.
func (c *Client) LegacyCancelJob(ctx context.Context, id string) (CancelResponse, error) {
	var resp CancelResponse
	endpoint := "/jobs/" + url.PathEscape(id) + "/cancel"
	err := c.doJSON(ctx, "LegacyCancelJob", http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Results fetches up to limit recent result snapshots, newest first.
func (c *Client) Results(ctx context.Context, limit int) ([]ResultSnapshot, error) {
	endpoint := c.prefix + "/generation/results"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var results []ResultSnapshot
	err := c.getJSON(ctx, "Results", endpoint, &results)
	return results, err
}

// SystemStatus fetches the aggregate metrics snapshot.
func (c *Client) SystemStatus(ctx context.Context) (event.SystemStatusPayload, error) {
	var status event.SystemStatusPayload
	err := c.getJSON(ctx, "SystemStatus", c.prefix+"/system/status", &status)
	return status, err
}

// getJSON issues an idempotent GET with capped exponential backoff. 404s and
// context cancellation abort immediately; everything else is retried up to
// the configured attempt count.
func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	backoff := c.retryBackoff
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &APIError{Op: op, Endpoint: endpoint, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		}

		err := c.doJSON(ctx, op, http.MethodGet, endpoint, nil, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsEndpointNotFound(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		c.logger.Debug("retrying request",
			zap.String("op", op),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}

func (c *Client) doJSON(ctx context.Context, op, method, endpoint string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &APIError{Op: op, Endpoint: endpoint, Err: err}
		}
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &APIError{Op: op, Endpoint: endpoint, Err: fmt.Errorf("encode request: %w", err)}
		}
		reqBody = bytes.NewReader(b)
	}

	u := c.base.JoinPath(endpoint)
	// JoinPath escapes nothing extra for us here, but it drops a raw query;
	// re-attach it when the endpoint carries one.
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		u = c.base.JoinPath(endpoint[:i])
		u.RawQuery = endpoint[i+1:]
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return &APIError{Op: op, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Op: op, Endpoint: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &APIError{Op: op, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: ErrEndpointNotFound}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Op: op, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: ErrThrottled}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := readErrorMessage(resp.Body)
		return &APIError{Op: op, Endpoint: endpoint, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: %s", ErrRequestFailed, msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Op: op, Endpoint: endpoint, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// readErrorMessage pulls a human-readable message out of an error body,
// tolerating both {"error": "..."} and {"message": "..."} shapes.
func readErrorMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(bytes.TrimSpace(b)) == 0 {
		return "no error detail"
	}
	var shaped struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &shaped); err == nil {
		if shaped.Error != "" {
			return shaped.Error
		}
		if shaped.Message != "" {
			return shaped.Message
		}
	}
	return strings.TrimSpace(string(b))
}
