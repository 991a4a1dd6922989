package jobstore

import (
	"fmt"
	"sort"
	"time"
)

// minETASample is the minimum elapsed time before an ETA projection is
// considered meaningful.
const minETASample = 5 * time.Second

// CalculateETA projects the remaining time for a job from its recorded start
// time and current progress. It reports ok=false when the job has no start
// time, no positive progress, or fewer than minETASample seconds elapsed.
func CalculateETA(j *Job, now time.Time) (time.Duration, bool) {
	if j == nil || j.StartTime == nil || j.Progress <= 0 {
		return 0, false
	}
	elapsed := now.Sub(*j.StartTime)
	if elapsed < minETASample {
		return 0, false
	}
	total := time.Duration(float64(elapsed) / (float64(j.Progress) / 100.0))
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// CalculateSpeed returns the job's step throughput in steps per second, or 0
// when no time has elapsed.
func CalculateSpeed(j *Job, now time.Time) float64 {
	if j == nil || j.StartTime == nil {
		return 0
	}
	elapsed := now.Sub(*j.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(j.CurrentStep) / elapsed
}

// FormatDuration renders a duration for display: "Ns" under a minute,
// "Mm Ss" under an hour, "Hh Mm" otherwise. Negative durations render as 0s.
func FormatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}

// statusWeight orders status buckets for display: running work first, then
// waiting, then everything historical.
func statusWeight(s Status) int {
	switch s {
	case StatusProcessing:
		return 1000
	case StatusQueued:
		return 500
	case StatusPaused:
		return 100
	case StatusFailed:
		return 10
	case StatusCancelled:
		return 5
	case StatusCompleted:
		return 1
	default:
		return 0
	}
}

// JobPriority scores a job for display ordering. The status weight dominates;
// a sub-unit tie-breaker derived from creation time keeps newer jobs ahead of
// older ones within the same status bucket. The tie-breaker stays below 1 (the
// smallest weight gap) for any realistic clock.
func JobPriority(j *Job) float64 {
	if j == nil {
		return 0
	}
	tiebreak := float64(j.CreatedAt.UnixMilli()) / 1e13
	if tiebreak < 0 {
		tiebreak = 0
	}
	return float64(statusWeight(j.Status)) + tiebreak
}

// SortJobsByPriority stable-sorts jobs descending by JobPriority, in place,
// and returns the slice for convenience.
func SortJobsByPriority(jobs []Job) []Job {
	sort.SliceStable(jobs, func(i, k int) bool {
		return JobPriority(&jobs[i]) > JobPriority(&jobs[k])
	})
	return jobs
}
