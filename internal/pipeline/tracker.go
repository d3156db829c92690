package pipeline

import (
	"time"

	"go.uber.org/atomic"
)

// State is the run state machine
type State string

const (
	StateIdle        State = "idle"
	StatePreCounting State = "precounting"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Outcome classifies one (partition, flavor) unit
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeSkipped
	OutcomeEmpty
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent-enough view of a run's progress
type Snapshot struct {
	RunID          int64     `json:"run_id"`
	Feature        string    `json:"feature"`
	State          State     `json:"state"`
	Batch          int64     `json:"batch"`
	Batches        int64     `json:"batches"`
	PartitionsDone int64     `json:"partitions_done"`
	Partitions     int64     `json:"partitions"`
	Units          int64     `json:"units"`
	Success        int64     `json:"success"`
	Skipped        int64     `json:"skipped"`
	Failed         int64     `json:"failed"`
	Empty          int64     `json:"empty"`
	Files          int64     `json:"files"`
	LeavesDone     int64     `json:"leaves_done"`
	LeavesTotal    int64     `json:"leaves_total"`
	Percentage     float64   `json:"percentage"`
	StartedAt      time.Time `json:"started_at"`
	Message        string    `json:"message,omitempty"`
}

// Tracker holds the live counters of the current run.
// Counters are updated concurrently by partition workers.
type Tracker struct {
	runID   atomic.Int64
	feature atomic.String
	state   atomic.String
	message atomic.String
	started atomic.Time

	batch          atomic.Int64
	batches        atomic.Int64
	partitionsDone atomic.Int64
	partitions     atomic.Int64
	units          atomic.Int64

	success atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
	empty   atomic.Int64
	files   atomic.Int64

	leavesDone  atomic.Int64
	leavesTotal atomic.Int64
}

// NewTracker creates an idle tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.state.Store(string(StateIdle))
	return t
}

func (t *Tracker) reset(runID int64, feature string) {
	t.runID.Store(runID)
	t.feature.Store(feature)
	t.message.Store("")
	t.started.Store(time.Now())

	for _, c := range []*atomic.Int64{
		&t.batch, &t.batches, &t.partitionsDone, &t.partitions, &t.units,
		&t.success, &t.skipped, &t.failed, &t.empty, &t.files,
		&t.leavesDone, &t.leavesTotal,
	} {
		c.Store(0)
	}
	t.setState(StateIdle)
}

func (t *Tracker) setState(s State) {
	t.state.Store(string(s))
}

// State returns the current state
func (t *Tracker) State() State {
	return State(t.state.Load())
}

func (t *Tracker) record(o Outcome, files int) {
	switch o {
	case OutcomeSuccess:
		t.success.Inc()
	case OutcomeSkipped:
		t.skipped.Inc()
	case OutcomeEmpty:
		t.empty.Inc()
	case OutcomeFailed:
		t.failed.Inc()
	}
	t.files.Add(int64(files))
}

func (t *Tracker) leaves(n int64) {
	t.leavesDone.Add(n)
}

// Percentage is leaf progress; it reaches 100 only when the run completes
func (t *Tracker) Percentage() float64 {
	if t.State() == StateCompleted {
		return 100
	}
	total := t.leavesTotal.Load()
	if total <= 0 {
		return 0
	}
	p := float64(t.leavesDone.Load()) / float64(total) * 100
	if p > 99 {
		p = 99
	}
	return p
}

// Snapshot returns the current counters
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		RunID:          t.runID.Load(),
		Feature:        t.feature.Load(),
		State:          t.State(),
		Batch:          t.batch.Load(),
		Batches:        t.batches.Load(),
		PartitionsDone: t.partitionsDone.Load(),
		Partitions:     t.partitions.Load(),
		Units:          t.units.Load(),
		Success:        t.success.Load(),
		Skipped:        t.skipped.Load(),
		Failed:         t.failed.Load(),
		Empty:          t.empty.Load(),
		Files:          t.files.Load(),
		LeavesDone:     t.leavesDone.Load(),
		LeavesTotal:    t.leavesTotal.Load(),
		Percentage:     t.Percentage(),
		StartedAt:      t.started.Load(),
		Message:        t.message.Load(),
	}
}
