// Package event normalizes raw transport messages (push-channel frames or
// poll-response bodies) into a small closed set of typed events.
//
// The normalizer is total: malformed input yields ErrMalformed and is meant
// to be logged and discarded by the caller. It never panics and never lets a
// partially-decoded message escape.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed indicates a message that failed normalization: unparseable
// JSON, an unknown type, or a missing required field.
var ErrMalformed = errors.New("malformed message")

// Type discriminates the closed event union.
type Type string

const (
	TypeGenerationProgress Type = "generation_progress"
	TypeGenerationComplete Type = "generation_complete"
	TypeGenerationError    Type = "generation_error"
	TypeQueueUpdate        Type = "queue_update"
	TypeSystemStatus       Type = "system_status"
)

// Event is a normalized transport message. Exactly one payload pointer is
// non-nil, matching Type.
type Event struct {
	Type     Type
	Progress *ProgressEvent
	Complete *CompleteEvent
	Error    *ErrorEvent
	Queue    *QueueEvent
	System   *SystemEvent
}

// ProgressEvent is an incremental update for one running job.
type ProgressEvent struct {
	JobID       string
	Progress    int // clamped to [0,100]
	Status      string
	CurrentStep int
	TotalSteps  int
	Message     string
}

// CompleteEvent reports a finished job and carries the fields needed to
// construct a Result.
type CompleteEvent struct {
	JobID          string
	ResultID       string
	ImageURL       string
	ThumbnailURL   string
	Prompt         string
	Width          int
	Height         int
	Seed           int64
	GenerationTime float64
}

// ErrorEvent reports a failed job.
type ErrorEvent struct {
	JobID string
	Error string
}

// QueueEvent is an authoritative full snapshot of the active job set.
type QueueEvent struct {
	Jobs        []JobSnapshot
	QueueLength int
}

// SystemEvent carries an aggregate metrics snapshot.
type SystemEvent struct {
	Status SystemStatusPayload
}

// SystemStatusPayload is the wire shape of the system_status object. The
// receiver stamps its own last-updated time; the payload carries none.
type SystemStatusPayload struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	QueueLength   int     `json:"queue_length"`
	ActiveWorkers int     `json:"active_workers"`
}

// JobSnapshot is the wire shape of one job as reported by the queue_update
// event and the jobs endpoints. Backends differ on the id field name, so
// both are recognized; Key returns the authoritative one.
type JobSnapshot struct {
	ID             string     `json:"id,omitempty"`
	JobID          string     `json:"job_id,omitempty"`
	Status         string     `json:"status"`
	Progress       float64    `json:"progress"`
	CurrentStep    int        `json:"current_step"`
	TotalSteps     int        `json:"total_steps"`
	Prompt         string     `json:"prompt,omitempty"`
	NegativePrompt string     `json:"negative_prompt,omitempty"`
	Width          int        `json:"width,omitempty"`
	Height         int        `json:"height,omitempty"`
	Steps          int        `json:"steps,omitempty"`
	CfgScale       float64    `json:"cfg_scale,omitempty"`
	Seed           int64      `json:"seed,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
}

// Key returns the backend-assigned job id when present, the client id
// otherwise. The backend id is authoritative once observed.
func (s JobSnapshot) Key() string {
	if s.JobID != "" {
		return s.JobID
	}
	return s.ID
}

// ClampProgress bounds a raw progress value to [0,100]. Out-of-range values
// are clamped rather than rejected.
func ClampProgress(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return int(p)
	}
}

// Parse normalizes one raw JSON message. On any failure it returns an error
// wrapping ErrMalformed; the zero Event is never a valid result.
func Parse(data []byte) (Event, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch Type(env.Type) {
	case TypeGenerationProgress:
		return parseProgress(data)
	case TypeGenerationComplete:
		return parseComplete(data)
	case TypeGenerationError:
		return parseError(data)
	case TypeQueueUpdate:
		return parseQueueUpdate(data)
	case TypeSystemStatus:
		return parseSystemStatus(data)
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

func parseProgress(data []byte) (Event, error) {
	var raw struct {
		JobID       *string  `json:"job_id"`
		Progress    *float64 `json:"progress"`
		Status      *string  `json:"status"`
		CurrentStep int      `json:"current_step"`
		TotalSteps  int      `json:"total_steps"`
		Message     string   `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.JobID == nil || *raw.JobID == "" {
		return Event{}, fmt.Errorf("%w: generation_progress missing job_id", ErrMalformed)
	}
	if raw.Progress == nil {
		return Event{}, fmt.Errorf("%w: generation_progress missing progress", ErrMalformed)
	}
	if raw.Status == nil || *raw.Status == "" {
		return Event{}, fmt.Errorf("%w: generation_progress missing status", ErrMalformed)
	}
	return Event{
		Type: TypeGenerationProgress,
		Progress: &ProgressEvent{
			JobID:       *raw.JobID,
			Progress:    ClampProgress(*raw.Progress),
			Status:      *raw.Status,
			CurrentStep: maxInt(raw.CurrentStep, 0),
			TotalSteps:  maxInt(raw.TotalSteps, 0),
			Message:     raw.Message,
		},
	}, nil
}

func parseComplete(data []byte) (Event, error) {
	var raw struct {
		JobID          *string `json:"job_id"`
		ResultID       *string `json:"result_id"`
		ImageURL       *string `json:"image_url"`
		ThumbnailURL   string  `json:"thumbnail_url"`
		Prompt         *string `json:"prompt"`
		Width          int     `json:"width"`
		Height         int     `json:"height"`
		Seed           int64   `json:"seed"`
		GenerationTime float64 `json:"generation_time"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.JobID == nil || *raw.JobID == "" {
		return Event{}, fmt.Errorf("%w: generation_complete missing job_id", ErrMalformed)
	}
	if raw.ResultID == nil || *raw.ResultID == "" {
		return Event{}, fmt.Errorf("%w: generation_complete missing result_id", ErrMalformed)
	}
	if raw.ImageURL == nil || *raw.ImageURL == "" {
		return Event{}, fmt.Errorf("%w: generation_complete missing image_url", ErrMalformed)
	}
	if raw.Prompt == nil {
		return Event{}, fmt.Errorf("%w: generation_complete missing prompt", ErrMalformed)
	}
	return Event{
		Type: TypeGenerationComplete,
		Complete: &CompleteEvent{
			JobID:          *raw.JobID,
			ResultID:       *raw.ResultID,
			ImageURL:       *raw.ImageURL,
			ThumbnailURL:   raw.ThumbnailURL,
			Prompt:         *raw.Prompt,
			Width:          raw.Width,
			Height:         raw.Height,
			Seed:           raw.Seed,
			GenerationTime: raw.GenerationTime,
		},
	}, nil
}

func parseError(data []byte) (Event, error) {
	var raw struct {
		JobID *string `json:"job_id"`
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.JobID == nil || *raw.JobID == "" {
		return Event{}, fmt.Errorf("%w: generation_error missing job_id", ErrMalformed)
	}
	if raw.Error == nil || *raw.Error == "" {
		return Event{}, fmt.Errorf("%w: generation_error missing error", ErrMalformed)
	}
	return Event{
		Type:  TypeGenerationError,
		Error: &ErrorEvent{JobID: *raw.JobID, Error: *raw.Error},
	}, nil
}

func parseQueueUpdate(data []byte) (Event, error) {
	var raw struct {
		Jobs        *[]JobSnapshot `json:"jobs"`
		QueueLength *int           `json:"queue_length"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Jobs == nil {
		return Event{}, fmt.Errorf("%w: queue_update missing jobs", ErrMalformed)
	}
	if raw.QueueLength == nil {
		return Event{}, fmt.Errorf("%w: queue_update missing queue_length", ErrMalformed)
	}
	return Event{
		Type:  TypeQueueUpdate,
		Queue: &QueueEvent{Jobs: *raw.Jobs, QueueLength: maxInt(*raw.QueueLength, 0)},
	}, nil
}

func parseSystemStatus(data []byte) (Event, error) {
	var raw struct {
		Status *SystemStatusPayload `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Status == nil {
		return Event{}, fmt.Errorf("%w: system_status missing status", ErrMalformed)
	}
	return Event{Type: TypeSystemStatus, System: &SystemEvent{Status: *raw.Status}}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
