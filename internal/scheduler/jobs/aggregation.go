package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/wonny/tradeflow/internal/aggregate"
	"github.com/wonny/tradeflow/internal/joblog"
	"github.com/wonny/tradeflow/internal/pipeline"
	"github.com/wonny/tradeflow/internal/scheduler"
	"github.com/wonny/tradeflow/pkg/logger"
)

// Runner executes aggregation requests
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// AggregationJob runs every configured feature over the raw partitions.
// Already aggregated units are skipped, so each run only picks up new dates.
type AggregationJob struct {
	name     string
	runner   Runner
	catalog  *aggregate.Catalog
	features []string
	schedule string
	limit    int
	logger   *logger.Logger
}

// NewAggregationJob creates a named aggregation job. An empty features
// list means every registered feature; limit restricts each run to the
// newest N partitions (0 = all).
func NewAggregationJob(
	name string,
	runner Runner,
	catalog *aggregate.Catalog,
	features []string,
	schedule string,
	limit int,
	log *logger.Logger,
) *AggregationJob {
	if len(features) == 0 {
		features = catalog.Features()
	}
	return &AggregationJob{
		name:     name,
		runner:   runner,
		catalog:  catalog,
		features: features,
		schedule: schedule,
		limit:    limit,
		logger:   log.Module("aggregation_job").WithField("job", name),
	}
}

// Name returns the job name
func (j *AggregationJob) Name() string {
	return j.name
}

// Schedule returns the cron schedule
func (j *AggregationJob) Schedule() string {
	return j.schedule
}

// Run aggregates feature by feature, one job log entry each. A failed
// feature does not stop the others; a cancelled one does.
func (j *AggregationJob) Run(ctx context.Context) error {
	var errs []error

	for _, feature := range j.features {
		flavors, err := j.catalog.Feature(feature)
		if err != nil {
			return scheduler.Permanent(err)
		}

		res, err := j.runner.Run(ctx, pipeline.Request{
			Feature: feature,
			Trigger: joblog.TriggerScheduled,
			Flavors: flavors,
			Limit:   j.limit,
		})
		switch {
		case errors.Is(err, pipeline.ErrCancelled):
			return scheduler.Permanent(fmt.Errorf("%s: %w", feature, err))
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", feature, err))
			continue
		}

		j.logger.WithFields(map[string]interface{}{
			"feature": feature,
			"run_id":  res.RunID,
			"success": res.Counts.Success,
			"skipped": res.Counts.Skipped,
			"failed":  res.Counts.Failed,
			"files":   res.Counts.Files,
		}).Info("Feature aggregated")

		if res.Counts.Failed > 0 {
			errs = append(errs, fmt.Errorf("%s: %d units failed", feature, res.Counts.Failed))
		}
	}

	return errors.Join(errs...)
}
