package joblog

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned when a job log id does not exist
var ErrNotFound = errors.New("job log not found")

// Status is the lifecycle state of a run as seen by operators
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Trigger names who started a run
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerAPI       = "api"
)

// Counts are the final unit counters of a run
type Counts struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Empty   int `json:"empty"`
	Files   int `json:"files"`
}

// Entry is one job log row
type Entry struct {
	ID         int64      `json:"id"`
	Feature    string     `json:"feature"`
	Trigger    string     `json:"trigger"`
	Status     Status     `json:"status"`
	Percentage float64    `json:"percentage"`
	StatusText string     `json:"status_text"`
	Counts     Counts     `json:"counts"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Sink records run progress for operators. Updates to a run that already
// reached a terminal status are ignored.
type Sink interface {
	Create(ctx context.Context, feature, trigger string) (int64, error)
	Update(ctx context.Context, id int64, percentage float64, statusText string) error
	Complete(ctx context.Context, id int64, counts Counts) error
	Fail(ctx context.Context, id int64, message string) error
	// Cancel requests cancellation; the running pipeline observes it between batches
	Cancel(ctx context.Context, id int64) error
	IsCancelled(ctx context.Context, id int64) (bool, error)
	Get(ctx context.Context, id int64) (*Entry, error)
	List(ctx context.Context, limit int) ([]Entry, error)
}

func clampPercentage(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
