package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/wonny/tradeflow/internal/aggregate"
	"github.com/wonny/tradeflow/internal/output"
	"github.com/wonny/tradeflow/internal/transaction"
)

// partitionData lazily fetches and parses one partition, at most once per column set
type partitionData struct {
	ctx     context.Context
	source  PartitionSource
	date    string
	once    sync.Once
	content string
	parsed  map[string][]transaction.Record
}

func (p *partitionData) records(cols []transaction.Column) []transaction.Record {
	p.once.Do(func() {
		p.content = p.source.Content(p.ctx, p.date)
		p.parsed = make(map[string][]transaction.Record)
	})
	if p.content == "" {
		return nil
	}

	key := fmt.Sprint(cols)
	if recs, ok := p.parsed[key]; ok {
		return recs
	}

	recs := transaction.Parse(p.content, cols)
	p.parsed[key] = recs
	return recs
}

// processPartition runs every flavor of the request over one date. Units
// already started are finished even when the run is cancelled meanwhile.
func (r *Runner) processPartition(ctx context.Context, rn *run, date string) {
	defer r.tracker.partitionsDone.Inc()

	if ctx.Err() != nil {
		return
	}

	r.partitions.Pin(date)
	defer r.partitions.Unpin(date)

	unitCtx := context.WithoutCancel(ctx)
	data := &partitionData{ctx: unitCtx, source: r.partitions, date: date}

	for _, f := range rn.flavors {
		outcome, files, err := r.processUnit(unitCtx, rn, data, f)
		r.tracker.record(outcome, files)

		log := rn.log.WithFields(map[string]interface{}{
			"date":    date,
			"flavor":  f.Name,
			"outcome": outcome.String(),
			"files":   files,
		})
		if err != nil {
			log.WithError(err).Error("Unit failed")
			continue
		}
		log.Debug("Unit finished")
	}
}

// processUnit computes and writes one (partition, flavor) unit
func (r *Runner) processUnit(ctx context.Context, rn *run, data *partitionData, f aggregate.Flavor) (Outcome, int, error) {
	estimate := rn.estimate[f.Name]

	done, err := r.writer.Done(ctx, f, data.date)
	if err != nil {
		r.tracker.leaves(estimate)
		return OutcomeFailed, 0, err
	}
	if done {
		r.tracker.leaves(estimate)
		return OutcomeSkipped, 0, nil
	}

	records := data.records(f.Columns())
	if len(records) == 0 {
		r.tracker.leaves(estimate)
		return OutcomeEmpty, 0, nil
	}

	result := r.engine.Aggregate(records, f)
	keys := rn.enumerate(f, result.FileKeys())
	if result.Rows() == 0 || len(keys) == 0 {
		r.tracker.leaves(estimate)
		return OutcomeEmpty, 0, nil
	}

	// files left by an interrupted run are kept; Write skips them
	layout := output.LayoutFor(f)
	written := 0
	for i, key := range keys {
		ok, err := r.writer.Write(ctx, r.writer.Key(f, data.date, key), layout, result[key])
		if err != nil {
			r.tracker.leaves(int64(len(keys) - i))
			return OutcomeFailed, written, fmt.Errorf("write %s: %w", key, err)
		}
		if ok {
			written++
		}

		r.tracker.leaves(1)
		if f.PerKeyProgress {
			rn.progress.Do(func() {
				r.updateLog(ctx, rn, fmt.Sprintf("%s %s: %d/%d keys", data.date, f.Name, i+1, len(keys)))
			})
		}
	}

	if err := r.writer.MarkDone(ctx, f, data.date, len(keys)); err != nil {
		return OutcomeFailed, written, err
	}
	return OutcomeSuccess, written, nil
}

// enumerate narrows per-stock file keys to the emiten list. Every record
// still feeds market, sector and per-broker tables.
func (rn *run) enumerate(f aggregate.Flavor, keys []string) []string {
	if _, perStock := f.Dimension.(aggregate.BrokerByStock); !perStock || rn.reference == nil {
		return keys
	}
	kept := make([]string, 0, len(keys))
	for _, key := range keys {
		if rn.reference.Listed(key) {
			kept = append(kept, key)
		}
	}
	return kept
}

// precount samples partitions to estimate file keys per flavor, so progress
// is reported on leaf units rather than partitions
func (r *Runner) precount(ctx context.Context, rn *run, dates []string) {
	for _, f := range rn.flavors {
		rn.estimate[f.Name] = 1
	}

	sample := samplePartitions(dates, r.opts.PrecountSample)
	if len(sample) > 0 {
		sums := make(map[string]int64, len(rn.flavors))
		for _, date := range sample {
			data := &partitionData{ctx: ctx, source: r.partitions, date: date}
			for _, f := range rn.flavors {
				sums[f.Name] += int64(len(rn.enumerate(f, r.engine.FileKeys(data.records(f.Columns()), f))))
			}
		}
		for _, f := range rn.flavors {
			if avg := sums[f.Name] / int64(len(sample)); avg > 0 {
				rn.estimate[f.Name] = avg
			}
		}
	}

	var total int64
	for _, f := range rn.flavors {
		total += rn.estimate[f.Name] * int64(len(dates))
	}
	r.tracker.leavesTotal.Store(total)

	rn.log.WithFields(map[string]interface{}{
		"sampled": len(sample),
		"leaves":  total,
	}).Debug("Precount finished")
}

// samplePartitions picks up to n dates spread evenly across the list
func samplePartitions(dates []string, n int) []string {
	if n <= 0 || len(dates) == 0 {
		return nil
	}
	if n >= len(dates) {
		return append([]string(nil), dates...)
	}

	out := make([]string, 0, n)
	step := float64(len(dates)) / float64(n)
	for i := 0; i < n; i++ {
		out = append(out, dates[int(float64(i)*step)])
	}
	return out
}
