package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wonny/tradeflow/internal/aggregate"
	"github.com/wonny/tradeflow/internal/joblog"
	"github.com/wonny/tradeflow/internal/output"
	"github.com/wonny/tradeflow/internal/reference"
	"github.com/wonny/tradeflow/pkg/config"
	"github.com/wonny/tradeflow/pkg/logger"
)

var (
	// ErrCancelled is returned when a run stopped on request
	ErrCancelled = errors.New("run cancelled")
	// ErrBusy is returned when a run is already in progress
	ErrBusy = errors.New("a run is already in progress")
	// ErrNoFlavors is returned for a request without flavors
	ErrNoFlavors = errors.New("no flavors requested")
)

// PartitionSource lists and serves raw partitions
type PartitionSource interface {
	ListPartitions(ctx context.Context) ([]string, error)
	Content(ctx context.Context, id string) string
	Pin(id string)
	Unpin(id string)
}

// ReferenceSource provides the sector / emiten reference of a run
type ReferenceSource interface {
	Get(ctx context.Context) (*reference.Set, error)
}

// Options are the batch scheduling knobs
type Options struct {
	BatchSize      int
	MaxConcurrency int
	MemoryLimitMB  int // 0 disables the memory check
	MemoryPause    time.Duration
	PrecountSample int // 0 disables precounting
	// ProgressInterval throttles per-key job log updates
	ProgressInterval time.Duration
}

// OptionsFromConfig maps engine configuration to runner options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:        cfg.Engine.BatchSize,
		MaxConcurrency:   cfg.Engine.MaxConcurrency,
		MemoryLimitMB:    cfg.Engine.MemoryLimitMB,
		MemoryPause:      cfg.Engine.MemoryPause,
		PrecountSample:   cfg.Engine.PrecountSample,
		ProgressInterval: 2 * time.Second,
	}
}

// Request describes one run
type Request struct {
	Feature string // job log label
	Trigger string
	Flavors []aggregate.Flavor
	Dates   []string // explicit partitions; empty = every listed partition
	From    string   // inclusive YYYYMMDD lower bound
	To      string   // inclusive YYYYMMDD upper bound
	Limit   int      // newest N partitions after filtering
}

// Result is the outcome of a finished run
type Result struct {
	RunID      int64         `json:"run_id"`
	State      State         `json:"state"`
	Partitions int           `json:"partitions"`
	Counts     joblog.Counts `json:"counts"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Runner drives partitions x flavors under bounded concurrency
// ⭐ SSOT: 배치 실행/진행률은 Runner에서만
type Runner struct {
	partitions PartitionSource
	writer     *output.Writer
	reference  ReferenceSource
	sink       joblog.Sink
	engine     *aggregate.Engine
	opts       Options
	tracker    *Tracker
	memory     *memoryGuard
	logger     *logger.Logger

	active atomic.Bool
}

// NewRunner creates a runner. reference may be nil when no flavor needs sectors.
func NewRunner(
	partitions PartitionSource,
	writer *output.Writer,
	ref ReferenceSource,
	sink joblog.Sink,
	opts Options,
	log *logger.Logger,
) *Runner {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 2 * time.Second
	}

	log = log.Module("pipeline")
	return &Runner{
		partitions: partitions,
		writer:     writer,
		reference:  ref,
		sink:       sink,
		engine:     aggregate.NewEngine(),
		opts:       opts,
		tracker:    NewTracker(),
		memory:     newMemoryGuard(opts.MemoryLimitMB, opts.MemoryPause, log),
		logger:     log,
	}
}

// Tracker exposes live progress
func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// Busy reports whether a run is in progress
func (r *Runner) Busy() bool {
	return r.active.Load()
}

// run is the per-invocation state shared by partition workers
type run struct {
	id        int64
	req       Request
	start     time.Time
	flavors   []aggregate.Flavor
	reference *reference.Set
	estimate  map[string]int64 // flavor name -> estimated file keys per partition
	progress  rate.Sometimes
	log       *logger.Logger
}

// Run executes one request to a terminal state
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	rn, err := r.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.finish(ctx, rn)
}

// Submit registers the run and executes it in the background. The run id
// is known once Submit returns; done, when non-nil, receives the outcome.
func (r *Runner) Submit(ctx context.Context, req Request, done func(*Result, error)) (int64, error) {
	rn, err := r.begin(ctx, req)
	if err != nil {
		return 0, err
	}

	go func() {
		res, err := r.finish(ctx, rn)
		if done != nil {
			done(res, err)
		}
	}()
	return rn.id, nil
}

// begin claims the runner and creates the job log entry
func (r *Runner) begin(ctx context.Context, req Request) (*run, error) {
	if len(req.Flavors) == 0 {
		return nil, ErrNoFlavors
	}
	if !r.active.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	if req.Trigger == "" {
		req.Trigger = joblog.TriggerManual
	}
	if req.Feature == "" {
		req.Feature = req.Flavors[0].Feature
	}

	id, err := r.sink.Create(ctx, req.Feature, req.Trigger)
	if err != nil {
		r.active.Store(false)
		return nil, fmt.Errorf("create job log: %w", err)
	}

	r.tracker.reset(id, req.Feature)

	return &run{
		id:       id,
		req:      req,
		start:    time.Now(),
		estimate: make(map[string]int64),
		progress: rate.Sometimes{Interval: r.opts.ProgressInterval},
		log:      r.logger.Run(id, req.Feature, req.Trigger),
	}, nil
}

// finish executes a begun run and records its terminal state
func (r *Runner) finish(ctx context.Context, rn *run) (*Result, error) {
	defer r.active.Store(false)
	id := rn.id

	dates, err := r.execute(ctx, rn)
	result := r.result(rn, len(dates), rn.start)

	// the terminal job log write must land even when ctx is done
	finalCtx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, ErrCancelled):
		r.tracker.setState(StateCancelled)
		result.State = StateCancelled
		if cerr := r.sink.Cancel(finalCtx, id); cerr != nil {
			rn.log.WithError(cerr).Warn("Failed to mark run cancelled")
		}
		rn.log.WithField("counts", result.Counts).Warn("Run cancelled")
		return result, err

	case err != nil:
		r.tracker.setState(StateFailed)
		r.tracker.message.Store(err.Error())
		result.State = StateFailed
		result.Error = err.Error()
		if ferr := r.sink.Fail(finalCtx, id, err.Error()); ferr != nil {
			rn.log.WithError(ferr).Warn("Failed to mark run failed")
		}
		rn.log.WithError(err).Error("Run failed")
		return result, err
	}

	r.tracker.setState(StateCompleted)
	result.State = StateCompleted
	if cerr := r.sink.Complete(finalCtx, id, result.Counts); cerr != nil {
		rn.log.WithError(cerr).Warn("Failed to mark run completed")
	}

	rn.log.WithFields(map[string]interface{}{
		"partitions": result.Partitions,
		"success":    result.Counts.Success,
		"skipped":    result.Counts.Skipped,
		"failed":     result.Counts.Failed,
		"empty":      result.Counts.Empty,
		"files":      result.Counts.Files,
		"duration":   result.Duration,
	}).Info("Run completed")

	return result, nil
}

func (r *Runner) result(rn *run, partitions int, start time.Time) *Result {
	s := r.tracker.Snapshot()
	return &Result{
		RunID:      rn.id,
		Partitions: partitions,
		Duration:   time.Since(start),
		Counts: joblog.Counts{
			Total:   int(s.Units),
			Success: int(s.Success),
			Skipped: int(s.Skipped),
			Failed:  int(s.Failed),
			Empty:   int(s.Empty),
			Files:   int(s.Files),
		},
	}
}

// execute runs PreCounting and Running; it returns the selected dates
func (r *Runner) execute(ctx context.Context, rn *run) ([]string, error) {
	r.tracker.setState(StatePreCounting)

	if r.reference != nil {
		set, err := r.reference.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("reference: %w", err)
		}
		rn.reference = set
	}

	rn.flavors = make([]aggregate.Flavor, len(rn.req.Flavors))
	for i, f := range rn.req.Flavors {
		rn.flavors[i] = f.WithSectors(rn.reference)
	}

	listed, err := r.partitions.ListPartitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	dates := selectDates(listed, rn.req)

	r.tracker.partitions.Store(int64(len(dates)))
	r.tracker.units.Store(int64(len(dates) * len(rn.flavors)))
	batches := (len(dates) + r.opts.BatchSize - 1) / r.opts.BatchSize
	r.tracker.batches.Store(int64(batches))

	r.precount(ctx, rn, dates)

	rn.log.WithFields(map[string]interface{}{
		"partitions": len(dates),
		"flavors":    len(rn.flavors),
		"batches":    batches,
		"leaves":     r.tracker.leavesTotal.Load(),
	}).Info("Run started")

	r.tracker.setState(StateRunning)
	r.updateLog(ctx, rn, fmt.Sprintf("0/%d partitions", len(dates)))

	for b := 0; b < batches; b++ {
		if err := r.checkCancelled(ctx, rn); err != nil {
			return dates, err
		}

		lo := b * r.opts.BatchSize
		hi := lo + r.opts.BatchSize
		if hi > len(dates) {
			hi = len(dates)
		}
		r.tracker.batch.Store(int64(b + 1))

		var g errgroup.Group
		g.SetLimit(r.opts.MaxConcurrency)
		for _, date := range dates[lo:hi] {
			g.Go(func() error {
				r.processPartition(ctx, rn, date)
				return nil
			})
		}
		_ = g.Wait()

		r.updateLog(ctx, rn, fmt.Sprintf("batch %d/%d: %d/%d partitions, %d files",
			b+1, batches, r.tracker.partitionsDone.Load(), len(dates), r.tracker.files.Load()))

		if b < batches-1 {
			if err := r.memory.check(ctx); err != nil {
				return dates, ErrCancelled
			}
		}
	}

	return dates, nil
}

// checkCancelled observes ctx and the externally flippable job log status
func (r *Runner) checkCancelled(ctx context.Context, rn *run) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	cancelled, err := r.sink.IsCancelled(ctx, rn.id)
	if err != nil {
		rn.log.WithError(err).Warn("Cancellation check failed")
		return nil
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

func (r *Runner) updateLog(ctx context.Context, rn *run, text string) {
	if err := r.sink.Update(context.WithoutCancel(ctx), rn.id, r.tracker.Percentage(), text); err != nil {
		rn.log.WithError(err).Warn("Job log update failed")
	}
}

// selectDates applies explicit dates, the range and the limit; newest first
func selectDates(listed []string, req Request) []string {
	want := make(map[string]bool, len(req.Dates))
	for _, d := range req.Dates {
		want[d] = true
	}

	var out []string
	for _, d := range listed {
		if len(want) > 0 && !want[d] {
			continue
		}
		if req.From != "" && d < req.From {
			continue
		}
		if req.To != "" && d > req.To {
			continue
		}
		out = append(out, d)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out
}
