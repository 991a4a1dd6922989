// Package jobstore holds the authoritative in-memory table of active
// generation jobs and recent results. All mutation flows through ApplyEvent
// (plus the explicit Upsert/Remove used for optimistic local changes), so
// the push channel and the polling fallback obey identical merge rules.
package jobstore

import "time"

// Status is the lifecycle state of a generation job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusPaused     Status = "paused"
)

// Terminal reports whether s is an absorbing state. Events claiming a
// transition out of a terminal state are ignored.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Known reports whether s is a member of the closed status enum.
func (s Status) Known() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// canTransition encodes the status DAG: queued is the single source,
// completed/failed/cancelled are sinks, and paused is reachable only from
// processing and returns only to processing.
func canTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StatusPaused {
		return from == StatusProcessing
	}
	if from == StatusPaused {
		return to == StatusProcessing
	}
	if to == StatusQueued {
		return false
	}
	return true
}

// Params is the request parameter snapshot captured at job creation.
// Immutable thereafter.
type Params struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CfgScale       float64 `json:"cfg_scale"`
	Seed           int64   `json:"seed"`
	BatchCount     int     `json:"batch_count"`
	BatchSize      int     `json:"batch_size"`
}

// Job is one in-flight (or recently finished) generation request.
//
// ID is the stable local identity for the job's lifetime. BackendID is the
// transport-assigned id, which may differ from ID when the job was created
// optimistically; once observed it is authoritative for event matching.
type Job struct {
	ID          string
	BackendID   string
	Status      Status
	Progress    int // 0-100
	CurrentStep int
	TotalSteps  int
	Params      Params
	Error       string

	CreatedAt time.Time
	StartTime *time.Time // set on first transition into processing
	EndTime   *time.Time // set on first transition into a terminal state

	// Derived. ETA is nil whenever the job is not processing or there is
	// not yet enough elapsed time to project one.
	ETA   *time.Duration
	Speed float64 // steps per second
}

// matches reports whether the given transport id refers to this job, on
// either side of the client/backend identity split.
func (j *Job) matches(id string) bool {
	return id != "" && (j.ID == id || j.BackendID == id)
}

// Result is the immutable output record of a completed job. Only the
// user-editable fields (Rating, Tags, IsFavorite) may change after creation.
type Result struct {
	ID             string
	JobID          string
	ImageURL       string
	ThumbnailURL   string
	Prompt         string
	Width          int
	Height         int
	Seed           int64
	GenerationTime float64
	CreatedAt      time.Time

	Rating     int
	Tags       []string
	IsFavorite bool
}

// SystemStatus is the last aggregate metrics snapshot received from the
// backend. LastUpdated is stamped locally on merge; staleness is derived,
// not stored.
type SystemStatus struct {
	CPUPercent    float64
	MemoryPercent float64
	QueueLength   int
	ActiveWorkers int
	LastUpdated   time.Time
}

// Stale reports whether the snapshot is older than maxAge at the given
// instant. A never-updated snapshot is always stale.
func (s SystemStatus) Stale(now time.Time, maxAge time.Duration) bool {
	if s.LastUpdated.IsZero() {
		return true
	}
	return now.Sub(s.LastUpdated) > maxAge
}
