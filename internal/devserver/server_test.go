package devserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/studiosync/pkg/event"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(nil, WithStepInterval(5*time.Millisecond))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestGenerateLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/generation/generate", map[string]any{
		"prompt": "a cat", "steps": 3,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.NotEmpty(t, ack.JobID)
	assert.Equal(t, "queued", ack.Status)

	// The simulator finishes the job on its own; results appear shortly.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/generation/results")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		var results []resultRecord
		if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
			return false
		}
		return len(results) == 1 && results[0].JobID == ack.JobID
	}, 2*time.Second, 10*time.Millisecond)

	var jobs []event.JobSnapshot
	getJSON(t, ts.URL+"/api/v1/generation/jobs/active", &jobs)
	assert.Empty(t, jobs)
}

func TestGenerateRejectsMissingPrompt(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/generation/generate", map[string]any{"steps": 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLegacyStatusShape(t *testing.T) {
	s, ts := newTestServer(t)

	s.mu.Lock()
	s.jobs["j-1"] = &simJob{ID: "j-1", Status: "queued", Steps: 20, CreatedAt: time.Now()}
	s.mu.Unlock()

	var legacy struct {
		Jobs        []event.JobSnapshot `json:"jobs"`
		QueueLength int                 `json:"queue_length"`
	}
	getJSON(t, ts.URL+"/jobs/status", &legacy)
	require.Len(t, legacy.Jobs, 1)
	assert.Equal(t, "j-1", legacy.Jobs[0].Key())
	assert.Equal(t, 1, legacy.QueueLength)
}

func TestCancel(t *testing.T) {
	s, ts := newTestServer(t)

	s.mu.Lock()
	s.jobs["j-1"] = &simJob{ID: "j-1", Status: "processing", Steps: 20, CreatedAt: time.Now()}
	s.mu.Unlock()

	resp := postJSON(t, ts.URL+"/api/v1/generation/jobs/j-1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, "cancelled", ack.Status)

	// Cancelling again reports not_found instead of failing.
	resp = postJSON(t, ts.URL+"/api/v1/generation/jobs/j-1/cancel", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, "not_found", ack.Status)
}

func TestSystemStatus(t *testing.T) {
	_, ts := newTestServer(t)

	var status event.SystemStatusPayload
	getJSON(t, ts.URL+"/api/v1/system/status", &status)
	assert.Equal(t, 1, status.ActiveWorkers)
	assert.Zero(t, status.QueueLength)
}
