// Package poller is the HTTP snapshot fallback for the push channel.
//
// At most one snapshot request is in flight at any instant: a tick that
// fires while the previous request is still outstanding is skipped outright,
// not queued. When the primary endpoint reports it does not exist, the
// poller switches once to the legacy endpoint shape; if that also turns out
// to be missing, it disables itself for the rest of the session and tells
// the owner. Transient errors are logged and swallowed; polling continues on
// schedule.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pixelforge/studiosync/pkg/event"
	"github.com/pixelforge/studiosync/pkg/studioapi"
)

// DefaultInterval is the tick period when the caller does not choose one.
const DefaultInterval = 5 * time.Second

// Snapshot is one poll's worth of state.
type Snapshot struct {
	Jobs        []event.JobSnapshot
	QueueLength int
	System      *event.SystemStatusPayload
}

// Config wires a Poller to its data source and consumer.
type Config struct {
	// Fetch performs one primary snapshot request.
	Fetch func(ctx context.Context) (Snapshot, error)

	// FetchLegacy performs one request against the legacy endpoint shape.
	// Consulted only after Fetch reports ErrEndpointNotFound.
	FetchLegacy func(ctx context.Context) (Snapshot, error)

	// Apply consumes a successful snapshot. Called from the poll goroutine.
	Apply func(Snapshot)

	// OnDisabled fires exactly once if the poller disables itself
	// permanently.
	OnDisabled func()

	// TickTimeout bounds one fetch. Default: studioapi.DefaultTimeout.
	TickTimeout time.Duration

	Logger *zap.Logger
}

// Poller issues periodic snapshot fetches.
type Poller struct {
	cfg Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}

	inFlight atomic.Bool
	legacy   atomic.Bool
	disabled atomic.Bool

	disableOnce sync.Once
	logger      *zap.Logger
}

func New(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = studioapi.DefaultTimeout
	}
	return &Poller{cfg: cfg, logger: logger}
}

// Start begins ticking every interval. Starting an already-running or
// permanently disabled poller is a no-op.
func (p *Poller) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.disabled.Load() {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	stop := p.stop

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				p.tick()
			}
		}
	}()
}

// Stop halts ticking. Safe to call multiple times; an in-flight request is
// allowed to finish but its successor ticks never fire.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
	p.stop = nil
}

// Running reports whether the ticker loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Disabled reports whether the poller has permanently disabled itself.
func (p *Poller) Disabled() bool {
	return p.disabled.Load()
}

// tick runs one poll. Skipped entirely when a previous request is still
// outstanding.
func (p *Poller) tick() {
	if p.disabled.Load() {
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("poll tick skipped, request in flight")
		return
	}

	go func() {
		defer p.inFlight.Store(false)
		p.poll()
	}()
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TickTimeout)
	defer cancel()

	fetch := p.cfg.Fetch
	legacy := p.legacy.Load()
	if legacy {
		fetch = p.cfg.FetchLegacy
	}

	snap, err := fetch(ctx)
	if err == nil {
		if p.cfg.Apply != nil {
			p.cfg.Apply(snap)
		}
		return
	}

	if !studioapi.IsEndpointNotFound(err) {
		// Transient failure: swallow and stay on schedule.
		p.logger.Debug("poll failed", zap.Bool("legacy", legacy), zap.Error(err))
		return
	}

	if legacy || p.cfg.FetchLegacy == nil {
		p.disable()
		return
	}

	// Primary endpoint is gone; fall back to the legacy shape within the
	// same tick.
	p.logger.Warn("primary poll endpoint missing, falling back to legacy shape")
	p.legacy.Store(true)

	snap, err = p.cfg.FetchLegacy(ctx)
	if err == nil {
		if p.cfg.Apply != nil {
			p.cfg.Apply(snap)
		}
		return
	}
	if studioapi.IsEndpointNotFound(err) {
		p.disable()
		return
	}
	p.logger.Debug("legacy poll failed", zap.Error(err))
}

func (p *Poller) disable() {
	p.disableOnce.Do(func() {
		p.disabled.Store(true)
		p.logger.Warn("both poll endpoints missing, polling disabled for this session")
		p.Stop()
		if p.cfg.OnDisabled != nil {
			p.cfg.OnDisabled()
		}
	})
}
