package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixelforge/studiosync/pkg/event"
	"github.com/pixelforge/studiosync/pkg/studioapi"
)

func notFound(op string) error {
	return &studioapi.APIError{Op: op, StatusCode: 404, Err: studioapi.ErrEndpointNotFound}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSingleFlight(t *testing.T) {
	release := make(chan struct{})
	var fetches atomic.Int32

	p := New(Config{
		Fetch: func(context.Context) (Snapshot, error) {
			fetches.Add(1)
			<-release
			return Snapshot{}, nil
		},
	})

	p.tick()
	waitUntil(t, func() bool { return fetches.Load() == 1 }, "first fetch never started")

	// Ticks while the request is outstanding are skipped, not queued.
	p.tick()
	p.tick()
	if got := fetches.Load(); got != 1 {
		t.Fatalf("overlapping fetches: %d", got)
	}

	close(release)
	waitUntil(t, func() bool { return !p.inFlight.Load() }, "in-flight flag never cleared")

	p.tick()
	waitUntil(t, func() bool { return fetches.Load() == 2 }, "fetch after release never started")
}

func TestFallsBackToLegacyWithinOneTick(t *testing.T) {
	var primary, legacy atomic.Int32
	applied := make(chan Snapshot, 4)

	p := New(Config{
		Fetch: func(context.Context) (Snapshot, error) {
			primary.Add(1)
			return Snapshot{}, notFound("ActiveJobs")
		},
		FetchLegacy: func(context.Context) (Snapshot, error) {
			legacy.Add(1)
			return Snapshot{Jobs: []event.JobSnapshot{{JobID: "a"}}, QueueLength: 1}, nil
		},
		Apply: func(s Snapshot) { applied <- s },
	})

	p.tick()
	select {
	case snap := <-applied:
		if len(snap.Jobs) != 1 || snap.QueueLength != 1 {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("legacy snapshot never applied")
	}
	if primary.Load() != 1 || legacy.Load() != 1 {
		t.Fatalf("fetch counts: primary=%d legacy=%d", primary.Load(), legacy.Load())
	}

	// Later ticks go straight to the legacy shape.
	p.tick()
	<-applied
	if primary.Load() != 1 || legacy.Load() != 2 {
		t.Fatalf("fetch counts after fallback: primary=%d legacy=%d", primary.Load(), legacy.Load())
	}
}

func TestDisablesWhenBothShapesMissing(t *testing.T) {
	var disabled atomic.Int32

	p := New(Config{
		Fetch:       func(context.Context) (Snapshot, error) { return Snapshot{}, notFound("ActiveJobs") },
		FetchLegacy: func(context.Context) (Snapshot, error) { return Snapshot{}, notFound("LegacyJobsStatus") },
		OnDisabled:  func() { disabled.Add(1) },
	})

	p.tick()
	waitUntil(t, p.Disabled, "poller never disabled itself")
	if got := disabled.Load(); got != 1 {
		t.Fatalf("OnDisabled fired %d times", got)
	}

	// Disabled is permanent: ticks and Start are no-ops.
	p.tick()
	p.Start(time.Millisecond)
	if p.Running() {
		t.Fatal("disabled poller restarted")
	}
	if got := disabled.Load(); got != 1 {
		t.Fatalf("OnDisabled re-fired: %d", got)
	}
}

func TestTransientErrorsAreSwallowed(t *testing.T) {
	var fetches atomic.Int32
	applied := make(chan Snapshot, 1)

	p := New(Config{
		Fetch: func(context.Context) (Snapshot, error) {
			if fetches.Add(1) == 1 {
				return Snapshot{}, errors.New("connection refused")
			}
			return Snapshot{QueueLength: 7}, nil
		},
		Apply: func(s Snapshot) { applied <- s },
	})

	p.tick()
	waitUntil(t, func() bool { return fetches.Load() == 1 && !p.inFlight.Load() }, "first tick never finished")
	if p.Disabled() {
		t.Fatal("transient error disabled the poller")
	}

	p.tick()
	select {
	case snap := <-applied:
		if snap.QueueLength != 7 {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll after transient error never applied")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	applied := make(chan Snapshot, 16)
	p := New(Config{
		Fetch: func(context.Context) (Snapshot, error) { return Snapshot{}, nil },
		Apply: func(s Snapshot) { applied <- s },
	})

	p.Start(5 * time.Millisecond)
	if !p.Running() {
		t.Fatal("poller not running after Start")
	}
	p.Start(5 * time.Millisecond) // second Start is a no-op

	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never polled")
	}

	p.Stop()
	p.Stop() // idempotent
	if p.Running() {
		t.Fatal("poller still running after Stop")
	}
}
