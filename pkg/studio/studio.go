// Package studio is the composition root of the sync layer. It wires the
// push-channel client, the polling fallback, and the job store together,
// routes every incoming message from both transports through the one
// ApplyEvent path, and exposes the public API the presentation layer calls.
package studio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pixelforge/studiosync/pkg/event"
	"github.com/pixelforge/studiosync/pkg/genparams"
	"github.com/pixelforge/studiosync/pkg/jobstore"
	"github.com/pixelforge/studiosync/pkg/poller"
	"github.com/pixelforge/studiosync/pkg/studioapi"
	"github.com/pixelforge/studiosync/pkg/wsclient"
)

const (
	// DefaultStuckJobThreshold is how long a job may stay in processing
	// before it counts against system health.
	DefaultStuckJobThreshold = 10 * time.Minute

	// DefaultSystemStaleAfter is the age past which the system status
	// snapshot counts against system health.
	DefaultSystemStaleAfter = 30 * time.Second
)

// ValidationError reports user input that fails a precondition. The
// operation is never attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Config configures a Studio.
type Config struct {
	// PushURL is the websocket endpoint. Empty disables the push channel
	// entirely; the poller carries everything.
	PushURL string

	// Push channel reconnect tuning. Zero values take the wsclient defaults.
	PushInitialBackoff       time.Duration
	PushMaxBackoff           time.Duration
	PushMaxReconnectAttempts int

	// PollInterval is the fallback poll period. Default: poller.DefaultInterval.
	PollInterval time.Duration

	// HistoryView widens the recent-results cap.
	HistoryView bool

	StuckJobThreshold time.Duration
	SystemStaleAfter  time.Duration
}

// Studio owns the sync subsystem.
type Studio struct {
	cfg    Config
	api    *studioapi.Client
	store  *jobstore.Store
	ws     *wsclient.Client
	poller *poller.Poller

	notifier   Notifier
	eventHook  func(event.Event)
	pushDialer wsclient.Dialer
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures a Studio beyond Config.
type Option func(*Studio)

// WithNotifier installs the user-facing notification side channel.
func WithNotifier(n Notifier) Option {
	return func(s *Studio) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Studio) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Studio) { s.now = now }
}

// WithPushDialer overrides the websocket dialer. Tests use this to feed
// scripted frames.
func WithPushDialer(d wsclient.Dialer) Option {
	return func(s *Studio) { s.pushDialer = d }
}

// WithEventHook registers a callback invoked after every normalized event is
// applied. The CLI watch command renders from it.
func WithEventHook(fn func(event.Event)) Option {
	return func(s *Studio) { s.eventHook = fn }
}

// New builds a Studio around an API client.
func New(cfg Config, api *studioapi.Client, opts ...Option) *Studio {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = poller.DefaultInterval
	}
	if cfg.StuckJobThreshold <= 0 {
		cfg.StuckJobThreshold = DefaultStuckJobThreshold
	}
	if cfg.SystemStaleAfter <= 0 {
		cfg.SystemStaleAfter = DefaultSystemStaleAfter
	}

	s := &Studio{
		cfg:    cfg,
		api:    api,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.store = jobstore.New(
		jobstore.WithClock(s.now),
		jobstore.WithLogger(s.logger.Named("jobstore")),
		jobstore.WithHistoryView(cfg.HistoryView),
	)

	s.ws = wsclient.New(wsclient.Config{
		URL:                  cfg.PushURL,
		InitialBackoff:       cfg.PushInitialBackoff,
		MaxBackoff:           cfg.PushMaxBackoff,
		MaxReconnectAttempts: cfg.PushMaxReconnectAttempts,
		OnMessage:            s.handleMessage,
		OnStateChange:        s.handleConnState,
		OnMaxAttempts:        s.handleMaxAttempts,
		Dialer:               s.pushDialer,
		Logger:               s.logger.Named("push"),
	})

	s.poller = poller.New(poller.Config{
		Fetch:       s.fetchSnapshot,
		FetchLegacy: s.fetchLegacySnapshot,
		Apply:       s.applySnapshot,
		OnDisabled:  s.handlePollingDisabled,
		Logger:      s.logger.Named("poller"),
	})

	return s
}

// Start performs the initial full load and brings the transports up. Errors
// from the initial refresh are logged, not fatal: the transports repair the
// state as they come online.
func (s *Studio) Start(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial refresh failed", zap.Error(err))
	}
	if s.cfg.PushURL != "" {
		s.ws.Connect()
	} else {
		s.poller.Start(s.cfg.PollInterval)
	}
}

// Close tears the subsystem down. Idempotent; after Close no callback can
// mutate the store.
func (s *Studio) Close() {
	s.ws.Destroy()
	s.poller.Stop()
}

// StartGeneration validates and submits a generation request, then creates
// the job optimistically. Returns the job id the store tracks it under.
func (s *Studio) StartGeneration(ctx context.Context, req genparams.Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	req = genparams.Clamp(req)

	resp, err := s.api.Generate(ctx, req)
	if err != nil {
		s.notify(LevelError, fmt.Sprintf("failed to start generation: %v", err))
		return "", fmt.Errorf("start generation: %w", err)
	}

	id := resp.JobID
	if id == "" {
		id = s.newID()
	}
	s.store.UpsertJob(jobstore.Job{
		ID:        id,
		BackendID: resp.JobID,
		Status:    jobstore.StatusQueued,
		CreatedAt: s.now(),
		Params: jobstore.Params{
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Width:          req.Width,
			Height:         req.Height,
			Steps:          req.Steps,
			CfgScale:       req.CfgScale,
			Seed:           req.Seed,
			BatchCount:     req.BatchCount,
			BatchSize:      req.BatchSize,
		},
	})

	// Best effort; the queue snapshot covers us when the channel is down.
	s.ws.SubscribeJob(id)

	s.logger.Info("generation started",
		zap.String("job_id", id),
		zap.Int("queue_position", resp.QueuePosition))
	return id, nil
}

// CancelJob asks the backend to cancel a job and removes it locally on
// success. Removal is idempotent against the cancellation event that may
// still arrive from the transport. On failure the job is left exactly as it
// was, to be retried by the user.
func (s *Studio) CancelJob(ctx context.Context, id string) error {
	_, err := s.api.CancelJob(ctx, id)
	if studioapi.IsEndpointNotFound(err) {
		_, err = s.api.LegacyCancelJob(ctx, id)
	}
	if err != nil {
		s.notify(LevelError, fmt.Sprintf("failed to cancel job: %v", err))
		return fmt.Errorf("cancel job %s: %w", id, err)
	}

	s.store.RemoveJob(id)
	s.ws.UnsubscribeJob(id)
	s.notify(LevelInfo, "generation cancelled")
	return nil
}

// Refresh forces an immediate full reload of jobs, results, and system
// status. Used on initial mount and when the user asks for an update.
func (s *Studio) Refresh(ctx context.Context) error {
	var errs []error

	jobs, err := s.api.ActiveJobs(ctx)
	queueLength := len(jobs)
	if studioapi.IsEndpointNotFound(err) {
		jobs, queueLength, err = s.api.LegacyJobsStatus(ctx)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("refresh jobs: %w", err))
	} else {
		s.dispatch(event.Event{
			Type:  event.TypeQueueUpdate,
			Queue: &event.QueueEvent{Jobs: jobs, QueueLength: queueLength},
		})
	}

	results, err := s.api.Results(ctx, jobstore.ResultsCapHistory)
	if err != nil {
		errs = append(errs, fmt.Errorf("refresh results: %w", err))
	} else {
		s.store.ReplaceResults(resultsFromSnapshots(results))
	}

	system, err := s.api.SystemStatus(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("refresh system status: %w", err))
	} else {
		s.dispatch(event.Event{
			Type:   event.TypeSystemStatus,
			System: &event.SystemEvent{Status: system},
		})
	}

	return errors.Join(errs...)
}

func resultsFromSnapshots(snaps []studioapi.ResultSnapshot) []jobstore.Result {
	out := make([]jobstore.Result, 0, len(snaps))
	for _, r := range snaps {
		out = append(out, jobstore.Result{
			ID:             r.ID,
			JobID:          r.JobID,
			ImageURL:       r.ImageURL,
			ThumbnailURL:   r.ThumbnailURL,
			Prompt:         r.Prompt,
			Width:          r.Width,
			Height:         r.Height,
			Seed:           r.Seed,
			GenerationTime: r.GenerationTime,
			CreatedAt:      r.CreatedAt,
			Rating:         r.Rating,
			Tags:           r.Tags,
			IsFavorite:     r.IsFavorite,
		})
	}
	return out
}

// handleMessage normalizes and applies one raw push-channel frame.
func (s *Studio) handleMessage(data []byte) {
	ev, err := event.Parse(data)
	if err != nil {
		// Malformed messages are logged and discarded; they never reach
		// the store.
		s.logger.Warn("discarding message", zap.Error(err))
		return
	}
	s.dispatch(ev)
}

// dispatch is the single funnel both transports feed: the store mutation is
// synchronous, then user-facing side effects fire.
func (s *Studio) dispatch(ev event.Event) {
	s.store.ApplyEvent(ev)

	switch ev.Type {
	case event.TypeGenerationError:
		s.notify(LevelError, fmt.Sprintf("generation failed: %s", ev.Error.Error))
	case event.TypeGenerationComplete:
		s.notify(LevelInfo, "generation complete")
	}

	if s.eventHook != nil {
		s.eventHook(ev)
	}
}

func (s *Studio) handleConnState(st wsclient.State) {
	switch st.Status {
	case wsclient.StatusConnected:
		s.poller.Stop()
		// Prime the store; the backlog between connect and subscribe is
		// covered by the snapshot.
		s.ws.RequestQueueStatus()
		s.ws.RequestSystemStatus()
	case wsclient.StatusClosed:
		s.poller.Start(s.cfg.PollInterval)
	}
}

func (s *Studio) handleMaxAttempts() {
	s.notify(LevelWarn, "live updates unavailable, falling back to polling")
	s.poller.Start(s.cfg.PollInterval)
}

func (s *Studio) handlePollingDisabled() {
	s.notify(LevelWarn, "status polling unavailable on this server")
}

func (s *Studio) fetchSnapshot(ctx context.Context) (poller.Snapshot, error) {
	jobs, err := s.api.ActiveJobs(ctx)
	if err != nil {
		return poller.Snapshot{}, err
	}
	snap := poller.Snapshot{Jobs: jobs, QueueLength: len(jobs)}

	// System status is a best-effort extra on the same tick.
	if system, err := s.api.SystemStatus(ctx); err == nil {
		snap.System = &system
	}
	return snap, nil
}

func (s *Studio) fetchLegacySnapshot(ctx context.Context) (poller.Snapshot, error) {
	jobs, queueLength, err := s.api.LegacyJobsStatus(ctx)
	if err != nil {
		return poller.Snapshot{}, err
	}
	return poller.Snapshot{Jobs: jobs, QueueLength: queueLength}, nil
}

func (s *Studio) applySnapshot(snap poller.Snapshot) {
	s.dispatch(event.Event{
		Type:  event.TypeQueueUpdate,
		Queue: &event.QueueEvent{Jobs: snap.Jobs, QueueLength: snap.QueueLength},
	})
	if snap.System != nil {
		s.dispatch(event.Event{
			Type:   event.TypeSystemStatus,
			System: &event.SystemEvent{Status: *snap.System},
		})
	}
}

func (s *Studio) notify(level Level, message string) {
	if s.notifier != nil {
		s.notifier.Notify(level, message)
	}
}

// Derived getters.

// SortedActiveJobs returns the active jobs in display priority order.
func (s *Studio) SortedActiveJobs() []jobstore.Job {
	return s.store.SortedActiveJobs()
}

// RecentResults returns the recent results capped per the current view mode.
func (s *Studio) RecentResults() []jobstore.Result {
	return s.store.RecentResults(0)
}

// SetHistoryView switches the results cap between normal and history mode.
func (s *Studio) SetHistoryView(enabled bool) {
	s.store.SetHistoryView(enabled)
}

// GetJob returns a job by either its local or backend id.
func (s *Studio) GetJob(id string) (jobstore.Job, bool) {
	return s.store.GetJob(id)
}

// System returns the last aggregate status snapshot.
func (s *Studio) System() jobstore.SystemStatus {
	return s.store.System()
}

// ConnectionStatus returns the push-channel state.
func (s *Studio) ConnectionStatus() wsclient.State {
	return s.ws.Status()
}

// SystemHealthy derives the aggregate health signal: a live transport, a
// fresh system snapshot, and no job stuck in processing past the threshold.
func (s *Studio) SystemHealthy() bool {
	transportOK := s.ws.Status().Status == wsclient.StatusConnected || s.poller.Running()
	if !transportOK {
		return false
	}
	if s.store.System().Stale(s.now(), s.cfg.SystemStaleAfter) {
		return false
	}
	return !s.store.HasStuckJob(s.cfg.StuckJobThreshold)
}
