package jobstore

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelforge/studiosync/pkg/event"
)

// Results caps by view mode. The cap bounds retention, applied on every
// insert, so the display getter never has to re-fetch.
const (
	ResultsCapNormal  = 10
	ResultsCapHistory = 50
)

// Store is the single shared mutable resource of the sync layer. Every
// mutation is synchronous and atomic under one mutex, so derived getters can
// never observe a partial state. Jobs and results are exclusively owned by
// the store; getters hand out copies.
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*Job   // stable local id -> job
	byBackend   map[string]string // backend id -> stable local id
	results     []Result          // newest first
	system      SystemStatus
	queueLength int
	historyView bool

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use this to pin derived fields.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithHistoryView starts the store in history view mode (larger results cap).
func WithHistoryView(enabled bool) Option {
	return func(s *Store) { s.historyView = enabled }
}

func New(opts ...Option) *Store {
	s := &Store{
		jobs:      make(map[string]*Job),
		byBackend: make(map[string]string),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHistoryView switches the results cap between normal and history mode.
// Widening never drops results; narrowing truncates immediately.
func (s *Store) SetHistoryView(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyView = enabled
	s.truncateResultsLocked()
}

func (s *Store) resultsCapLocked() int {
	if s.historyView {
		return ResultsCapHistory
	}
	return ResultsCapNormal
}

// ApplyEvent merges one normalized event into the store. It is total: events
// referencing unknown jobs or claiming illegal transitions are ignored, and
// terminal events are idempotent.
func (s *Store) ApplyEvent(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case event.TypeGenerationProgress:
		s.applyProgressLocked(ev.Progress)
	case event.TypeGenerationComplete:
		s.applyCompleteLocked(ev.Complete)
	case event.TypeGenerationError:
		s.applyErrorLocked(ev.Error)
	case event.TypeQueueUpdate:
		s.applyQueueLocked(ev.Queue)
	case event.TypeSystemStatus:
		s.applySystemLocked(ev.System)
	default:
		s.logger.Warn("dropping event of unhandled type", zap.String("type", string(ev.Type)))
	}
}

func (s *Store) findLocked(id string) *Job {
	if id == "" {
		return nil
	}
	if j, ok := s.jobs[id]; ok {
		return j
	}
	if localID, ok := s.byBackend[id]; ok {
		return s.jobs[localID]
	}
	return nil
}

func (s *Store) deleteLocked(j *Job) {
	delete(s.jobs, j.ID)
	if j.BackendID != "" {
		delete(s.byBackend, j.BackendID)
	}
}

// applyProgressLocked merges a progress event last-write-wins by field. A
// stale update arriving after a newer one overwrites backward; the transport
// carries no sequence numbers, and that matches the observed behavior of the
// backends this client talks to.
func (s *Store) applyProgressLocked(p *event.ProgressEvent) {
	if p == nil {
		return
	}
	j := s.findLocked(p.JobID)
	if j == nil {
		// Progress for an unknown job is not synthesized into a new job;
		// creation happens only via an explicit start or a queue snapshot.
		s.logger.Debug("progress for unknown job", zap.String("job_id", p.JobID))
		return
	}
	if j.Status.Terminal() {
		return
	}
	now := s.now()

	// Adopt the backend-assigned id the first time it is observed.
	if j.BackendID == "" && p.JobID != j.ID {
		j.BackendID = p.JobID
		s.byBackend[p.JobID] = j.ID
	}

	next := Status(p.Status)
	if next.Known() && next != j.Status && canTransition(j.Status, next) {
		j.Status = next
		if next.Terminal() && j.EndTime == nil {
			t := now
			j.EndTime = &t
		}
	}
	if j.Status == StatusProcessing && j.StartTime == nil {
		t := now
		j.StartTime = &t
	}

	j.Progress = p.Progress
	if p.CurrentStep > 0 {
		j.CurrentStep = p.CurrentStep
	}
	if p.TotalSteps > j.TotalSteps {
		j.TotalSteps = p.TotalSteps
	}
	if p.Message != "" {
		j.Error = ""
	}

	s.refreshDerivedLocked(j, now)
}

func (s *Store) applyCompleteLocked(c *event.CompleteEvent) {
	if c == nil {
		return
	}
	now := s.now()

	var finished *Job
	if j := s.findLocked(c.JobID); j != nil {
		finished = j
		s.deleteLocked(j)
	}

	// Second application for the same result is a no-op.
	for i := range s.results {
		if s.results[i].ID == c.ResultID {
			return
		}
	}

	res := Result{
		ID:             c.ResultID,
		JobID:          c.JobID,
		ImageURL:       c.ImageURL,
		ThumbnailURL:   c.ThumbnailURL,
		Prompt:         c.Prompt,
		Width:          c.Width,
		Height:         c.Height,
		Seed:           c.Seed,
		GenerationTime: c.GenerationTime,
		CreatedAt:      now,
	}
	if finished != nil {
		res.JobID = finished.ID
		if res.Width == 0 {
			res.Width = finished.Params.Width
		}
		if res.Height == 0 {
			res.Height = finished.Params.Height
		}
		if res.Prompt == "" {
			res.Prompt = finished.Params.Prompt
		}
		if res.Seed == 0 {
			res.Seed = finished.Params.Seed
		}
	}

	s.results = append([]Result{res}, s.results...)
	s.truncateResultsLocked()
}

func (s *Store) applyErrorLocked(e *event.ErrorEvent) {
	if e == nil {
		return
	}
	j := s.findLocked(e.JobID)
	if j == nil {
		// Already removed; duplicate error events are a no-op.
		return
	}
	s.logger.Debug("job failed", zap.String("job_id", j.ID), zap.String("error", e.Error))
	s.deleteLocked(j)
}

// applyQueueLocked performs an authoritative reset: the snapshot wholesale
// replaces the active set. Locally-known jobs keep their stable id and
// once-set timestamps; local optimistic jobs missing from the snapshot are
// dropped; unknown snapshot jobs are adopted as-is.
func (s *Store) applyQueueLocked(q *event.QueueEvent) {
	if q == nil {
		return
	}
	now := s.now()

	jobs := make(map[string]*Job, len(q.Jobs))
	byBackend := make(map[string]string, len(q.Jobs))

	for i := range q.Jobs {
		snap := q.Jobs[i]
		key := snap.Key()
		if key == "" {
			continue
		}

		j := s.findLocked(snap.JobID)
		if j == nil {
			j = s.findLocked(snap.ID)
		}
		if j == nil {
			j = s.adoptSnapshot(snap, now)
		} else {
			s.mergeSnapshotLocked(j, snap, now)
		}

		jobs[j.ID] = j
		if j.BackendID != "" {
			byBackend[j.BackendID] = j.ID
		}
	}

	s.jobs = jobs
	s.byBackend = byBackend
	s.queueLength = q.QueueLength
}

func (s *Store) adoptSnapshot(snap event.JobSnapshot, now time.Time) *Job {
	j := &Job{
		ID:          snap.Key(),
		Status:      StatusQueued,
		Progress:    event.ClampProgress(snap.Progress),
		CurrentStep: snap.CurrentStep,
		TotalSteps:  snap.TotalSteps,
		Error:       snap.Error,
		CreatedAt:   now,
		Params: Params{
			Prompt:         snap.Prompt,
			NegativePrompt: snap.NegativePrompt,
			Width:          snap.Width,
			Height:         snap.Height,
			Steps:          snap.Steps,
			CfgScale:       snap.CfgScale,
			Seed:           snap.Seed,
		},
	}
	if snap.JobID != "" && snap.ID != "" && snap.ID != snap.JobID {
		// Snapshot carries both ids; backend id wins as the stable key.
		j.BackendID = snap.JobID
		j.ID = snap.JobID
	} else if snap.JobID != "" {
		j.BackendID = snap.JobID
	}
	if st := Status(snap.Status); st.Known() {
		j.Status = st
	}
	if snap.CreatedAt != nil {
		j.CreatedAt = *snap.CreatedAt
	}
	if snap.StartedAt != nil {
		t := *snap.StartedAt
		j.StartTime = &t
	} else if j.Status == StatusProcessing {
		t := now
		j.StartTime = &t
	}
	if j.Status.Terminal() {
		t := now
		j.EndTime = &t
	}
	s.refreshDerivedLocked(j, now)
	return j
}

func (s *Store) mergeSnapshotLocked(j *Job, snap event.JobSnapshot, now time.Time) {
	if j.BackendID == "" && snap.JobID != "" && snap.JobID != j.ID {
		j.BackendID = snap.JobID
	}
	if st := Status(snap.Status); st.Known() && st != j.Status {
		// The snapshot is authoritative, including backward moves the
		// incremental path would reject.
		j.Status = st
		if st.Terminal() && j.EndTime == nil {
			t := now
			j.EndTime = &t
		}
	}
	if j.Status == StatusProcessing && j.StartTime == nil {
		if snap.StartedAt != nil {
			t := *snap.StartedAt
			j.StartTime = &t
		} else {
			t := now
			j.StartTime = &t
		}
	}
	j.Progress = event.ClampProgress(snap.Progress)
	if snap.CurrentStep > 0 {
		j.CurrentStep = snap.CurrentStep
	}
	if snap.TotalSteps > j.TotalSteps {
		j.TotalSteps = snap.TotalSteps
	}
	if snap.Error != "" {
		j.Error = snap.Error
	}
	s.refreshDerivedLocked(j, now)
}

func (s *Store) applySystemLocked(ev *event.SystemEvent) {
	if ev == nil {
		return
	}
	s.system = SystemStatus{
		CPUPercent:    ev.Status.CPUPercent,
		MemoryPercent: ev.Status.MemoryPercent,
		QueueLength:   ev.Status.QueueLength,
		ActiveWorkers: ev.Status.ActiveWorkers,
		LastUpdated:   s.now(),
	}
}

func (s *Store) refreshDerivedLocked(j *Job, now time.Time) {
	if j.Status != StatusProcessing {
		j.ETA = nil
		j.Speed = 0
		return
	}
	if eta, ok := CalculateETA(j, now); ok {
		d := eta
		j.ETA = &d
	} else {
		j.ETA = nil
	}
	j.Speed = CalculateSpeed(j, now)
}

func (s *Store) truncateResultsLocked() {
	if max := s.resultsCapLocked(); len(s.results) > max {
		s.results = s.results[:max]
	}
}

// UpsertJob inserts or merges a job outside the event path. It is used for
// optimistic creation after a successful start request. Returns the stored
// copy.
func (s *Store) UpsertJob(j Job) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.findLocked(j.ID)
	if existing == nil {
		existing = s.findLocked(j.BackendID)
	}
	if existing == nil {
		stored := j
		if stored.ID == "" {
			stored.ID = stored.BackendID
		}
		if stored.Status == "" {
			stored.Status = StatusQueued
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now()
		}
		if stored.TotalSteps == 0 {
			stored.TotalSteps = stored.Params.Steps
		}
		s.jobs[stored.ID] = &stored
		if stored.BackendID != "" {
			s.byBackend[stored.BackendID] = stored.ID
		}
		return stored
	}

	if j.BackendID != "" && existing.BackendID == "" {
		existing.BackendID = j.BackendID
		s.byBackend[j.BackendID] = existing.ID
	}
	if j.Status != "" && canTransition(existing.Status, j.Status) {
		existing.Status = j.Status
	}
	if j.Params.Prompt != "" {
		existing.Params = j.Params
	}
	return *existing
}

// RemoveJob drops a job by either id. It is idempotent; removing an unknown
// or already-removed job reports false.
func (s *Store) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.findLocked(id)
	if j == nil {
		return false
	}
	s.deleteLocked(j)
	return true
}

// GetJob returns a copy of the job matching either the local or the backend
// id.
func (s *Store) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.findLocked(id); j != nil {
		return *j, true
	}
	return Job{}, false
}

// ActiveJobs returns copies of every job in the active set, in no particular
// order. Callers that care about order must sort explicitly.
func (s *Store) ActiveJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// SortedActiveJobs returns the active set ordered by display priority.
func (s *Store) SortedActiveJobs() []Job {
	return SortJobsByPriority(s.ActiveJobs())
}

// RecentResults returns up to limit results, newest first. A non-positive
// limit means the current view-mode cap.
func (s *Store) RecentResults(limit int) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.results) {
		limit = len(s.results)
	}
	out := make([]Result, limit)
	copy(out, s.results[:limit])
	return out
}

// ReplaceResults swaps in a freshly-fetched results list (newest first),
// truncated to the view cap. Used by full refresh.
func (s *Store) ReplaceResults(results []Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append([]Result(nil), results...)
	s.truncateResultsLocked()
}

// UpdateResultMeta edits the user-editable fields of a result. Nil arguments
// leave the corresponding field untouched.
func (s *Store) UpdateResultMeta(id string, rating *int, tags []string, favorite *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.results {
		if s.results[i].ID != id {
			continue
		}
		if rating != nil {
			s.results[i].Rating = *rating
		}
		if tags != nil {
			s.results[i].Tags = append([]string(nil), tags...)
		}
		if favorite != nil {
			s.results[i].IsFavorite = *favorite
		}
		return true
	}
	return false
}

// System returns the last aggregate status snapshot.
func (s *Store) System() SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system
}

// QueueLength returns the queue length reported by the last queue_update.
func (s *Store) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueLength
}

// HasStuckJob reports whether any job has been processing longer than
// threshold without reaching a terminal state. Purely a health signal; stuck
// jobs are never auto-cancelled.
func (s *Store) HasStuckJob(threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, j := range s.jobs {
		if j.Status == StatusProcessing && j.StartTime != nil && now.Sub(*j.StartTime) > threshold {
			return true
		}
	}
	return false
}
