package studioapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pixelforge/studiosync/pkg/genparams"
)

func paramsFixture() genparams.Request {
	return genparams.Clamp(genparams.Request{Prompt: "cat"})
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	// Keep retry pauses out of the test clock.
	c.retryBackoff = 0
	return c, srv
}

func TestActiveJobs(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/generation/jobs/active" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"job_id":"a","status":"processing","progress":40}]`))
	}))

	jobs, err := c.ActiveJobs(context.Background())
	if err != nil {
		t.Fatalf("ActiveJobs() error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Key() != "a" || jobs[0].Progress != 40 {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestGetRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"busy"}`, http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))

	if _, err := c.ActiveJobs(context.Background()); err != nil {
		t.Fatalf("expected success on third try, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("call count: got=%d want=3", got)
	}
}

func TestGetStopsAfterAttemptBudget(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"busy"}`, http.StatusInternalServerError)
	}))

	_, err := c.ActiveJobs(context.Background())
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if got := calls.Load(); got != DefaultRetryAttempts {
		t.Fatalf("call count: got=%d want=%d", got, DefaultRetryAttempts)
	}
}

func TestGetDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))

	_, err := c.ActiveJobs(context.Background())
	if !IsEndpointNotFound(err) {
		t.Fatalf("expected ErrEndpointNotFound, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("404 must not be retried, got %d calls", got)
	}
}

func TestGenerateNeverRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		http.Error(w, `{"message":"backend exploded"}`, http.StatusInternalServerError)
	}))

	_, err := c.Generate(context.Background(), paramsFixture())
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("mutating call was retried: %d calls", got)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("error lacks status detail: %v", err)
	}
}

func TestLegacyEndpoints(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/status":
			_, _ = w.Write([]byte(`{"jobs":[{"id":"a","status":"queued"}],"queue_length":5}`))
		case "/jobs/a/cancel":
			_, _ = w.Write([]byte(`{"status":"cancelled"}`))
		default:
			http.NotFound(w, r)
		}
	}))

	jobs, queueLen, err := c.LegacyJobsStatus(context.Background())
	if err != nil {
		t.Fatalf("LegacyJobsStatus() error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Key() != "a" || queueLen != 5 {
		t.Fatalf("unexpected legacy snapshot: jobs=%+v len=%d", jobs, queueLen)
	}

	resp, err := c.LegacyCancelJob(context.Background(), "a")
	if err != nil {
		t.Fatalf("LegacyCancelJob() error: %v", err)
	}
	if resp.Status != "cancelled" {
		t.Fatalf("unexpected cancel response: %+v", resp)
	}
}

func TestResultsPassesLimit(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("limit = %q, want 10", got)
		}
		_, _ = w.Write([]byte(`[{"id":"r1","job_id":"a","image_url":"u","prompt":"cat"}]`))
	}))

	results, err := c.Results(context.Background(), 10)
	if err != nil {
		t.Fatalf("Results() error: %v", err)
	}
	if len(results) != 1 || results[0].ID != "r1" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestThrottledMapsToSentinel(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.Generate(context.Background(), paramsFixture())
	if !IsThrottled(err) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestErrorMessageExtraction(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"prompt too long"}`, http.StatusBadRequest)
	}))

	_, err := c.Generate(context.Background(), paramsFixture())
	if err == nil || !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "prompt too long") {
		t.Fatalf("error message lost: %q", got)
	}
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}
