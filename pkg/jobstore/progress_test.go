package jobstore

import (
	"testing"
	"time"
)

func TestCalculateETA(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	started := base

	tests := []struct {
		name    string
		job     Job
		now     time.Time
		want    time.Duration
		defined bool
	}{
		{
			name:    "no start time",
			job:     Job{Progress: 50},
			now:     base.Add(time.Minute),
			defined: false,
		},
		{
			name:    "zero progress",
			job:     Job{StartTime: &started, Progress: 0},
			now:     base.Add(time.Minute),
			defined: false,
		},
		{
			name:    "elapsed under sample floor",
			job:     Job{StartTime: &started, Progress: 50},
			now:     base, // elapsed ~0s
			defined: false,
		},
		{
			name:    "halfway after a minute",
			job:     Job{StartTime: &started, Progress: 50},
			now:     base.Add(time.Minute),
			want:    time.Minute,
			defined: true,
		},
		{
			name:    "quarter done after 30s",
			job:     Job{StartTime: &started, Progress: 25},
			now:     base.Add(30 * time.Second),
			want:    90 * time.Second,
			defined: true,
		},
		{
			name:    "done, floored at zero",
			job:     Job{StartTime: &started, Progress: 100},
			now:     base.Add(time.Minute),
			want:    0,
			defined: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CalculateETA(&tt.job, tt.now)
			if ok != tt.defined {
				t.Fatalf("defined mismatch: got=%v want=%v", ok, tt.defined)
			}
			if ok && got != tt.want {
				t.Fatalf("eta mismatch: got=%s want=%s", got, tt.want)
			}
		})
	}
}

func TestCalculateSpeed(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	started := base

	j := &Job{StartTime: &started, CurrentStep: 20}
	if got := CalculateSpeed(j, base.Add(10*time.Second)); got != 2.0 {
		t.Fatalf("speed mismatch: got=%v want=2", got)
	}
	if got := CalculateSpeed(j, base); got != 0 {
		t.Fatalf("zero elapsed should give 0, got=%v", got)
	}
	if got := CalculateSpeed(&Job{CurrentStep: 20}, base); got != 0 {
		t.Fatalf("no start time should give 0, got=%v", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{-3 * time.Second, "0s"},
		{42 * time.Second, "42s"},
		{59 * time.Second, "59s"},
		{60 * time.Second, "1m 0s"},
		{95 * time.Second, "1m 35s"},
		{59*time.Minute + 59*time.Second, "59m 59s"},
		{time.Hour, "1h 0m"},
		{2*time.Hour + 15*time.Minute + 40*time.Second, "2h 15m"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Fatalf("FormatDuration(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSortJobsByPriority_StatusOrder(t *testing.T) {
	created := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	jobs := []Job{
		{ID: "done", Status: StatusCompleted, CreatedAt: created},
		{ID: "running", Status: StatusProcessing, CreatedAt: created},
		{ID: "waiting", Status: StatusQueued, CreatedAt: created},
		{ID: "held", Status: StatusPaused, CreatedAt: created},
		{ID: "broken", Status: StatusFailed, CreatedAt: created},
		{ID: "stopped", Status: StatusCancelled, CreatedAt: created},
	}

	SortJobsByPriority(jobs)

	want := []string{"running", "waiting", "held", "broken", "stopped", "done"}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Fatalf("position %d: got=%q want=%q (full: %+v)", i, jobs[i].ID, id, jobIDs(jobs))
		}
	}
}

func TestSortJobsByPriority_NewerFirstWithinBucket(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	jobs := []Job{
		{ID: "old", Status: StatusQueued, CreatedAt: t0},
		{ID: "new", Status: StatusQueued, CreatedAt: t0.Add(time.Minute)},
	}

	SortJobsByPriority(jobs)

	if jobs[0].ID != "new" || jobs[1].ID != "old" {
		t.Fatalf("expected newer job first, got %v", jobIDs(jobs))
	}
}

func TestJobPriority_TiebreakStaysBelowWeightGap(t *testing.T) {
	// The age tie-breaker must never cross a status bucket boundary, even
	// for creation times far in the future.
	farFuture := time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	low := Job{Status: StatusCancelled, CreatedAt: farFuture}
	high := Job{Status: StatusFailed, CreatedAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}

	if JobPriority(&low) >= JobPriority(&high) {
		t.Fatalf("tie-breaker crossed a status bucket: %v >= %v",
			JobPriority(&low), JobPriority(&high))
	}
}

func jobIDs(jobs []Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
