package scheduler

import (
	"context"
	"time"
)

// historySize is the number of results kept per job
const historySize = 100

// Job represents a scheduled job
// ⭐ SSOT: 스케줄 작업 인터페이스는 여기서만 정의
type Job interface {
	// Name returns the job name
	Name() string

	// Run executes the job
	Run(ctx context.Context) error

	// Schedule returns the cron schedule expression (with seconds)
	// Examples: "0 30 18 * * MON-FRI", "@daily", "@every 10m"
	Schedule() string
}

// JobResult represents the result of a job execution
type JobResult struct {
	JobName   string        `json:"job_name"`
	Manual    bool          `json:"manual"`
	Attempts  int           `json:"attempts"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// JobHistory keeps the latest results of a job plus lifetime counters.
// Guarded by the scheduler lock.
type JobHistory struct {
	results   []JobResult
	runs      int
	failures  int
	lastRun   time.Time
	lastOK    time.Time
	lastError time.Time
}

// Add records a finished run
func (h *JobHistory) Add(result JobResult) {
	h.results = append(h.results, result)
	if len(h.results) > historySize {
		h.results = h.results[len(h.results)-historySize:]
	}

	h.runs++
	h.lastRun = result.StartTime
	if result.Success {
		h.lastOK = result.StartTime
	} else {
		h.failures++
		h.lastError = result.StartTime
	}
}

// Latest returns a copy of the newest n kept results, oldest first
func (h *JobHistory) Latest(n int) []JobResult {
	n = min(n, len(h.results))
	if n <= 0 {
		return []JobResult{}
	}
	out := make([]JobResult, n)
	copy(out, h.results[len(h.results)-n:])
	return out
}

// SuccessRate is the lifetime success ratio (0.0 - 1.0)
func (h *JobHistory) SuccessRate() float64 {
	if h.runs == 0 {
		return 0
	}
	return float64(h.runs-h.failures) / float64(h.runs)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
