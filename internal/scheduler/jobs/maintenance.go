package jobs

import (
	"context"

	"github.com/wonny/tradeflow/internal/partition"
	"github.com/wonny/tradeflow/internal/reference"
	"github.com/wonny/tradeflow/pkg/logger"
)

// ReferenceRefreshJob reloads the sector / emiten reference ahead of the
// daily aggregation
type ReferenceRefreshJob struct {
	cache    *reference.Cache
	schedule string
	logger   *logger.Logger
}

// NewReferenceRefreshJob creates a new reference refresh job
func NewReferenceRefreshJob(cache *reference.Cache, schedule string, log *logger.Logger) *ReferenceRefreshJob {
	return &ReferenceRefreshJob{
		cache:    cache,
		schedule: schedule,
		logger:   log.Module("reference_job"),
	}
}

// Name returns the job name
func (j *ReferenceRefreshJob) Name() string {
	return "reference_refresh"
}

// Schedule returns the cron schedule
func (j *ReferenceRefreshJob) Schedule() string {
	return j.schedule
}

// Run drops the cached reference and loads it again
func (j *ReferenceRefreshJob) Run(ctx context.Context) error {
	j.cache.Invalidate(ctx)

	set, err := j.cache.Get(ctx)
	if err != nil {
		return err
	}

	j.logger.WithFields(map[string]interface{}{
		"sectors": len(set.Sectors()),
		"stocks":  len(set.Stocks()),
	}).Info("Reference refreshed")
	return nil
}

// CacheReportJob logs partition cache statistics
type CacheReportJob struct {
	cache  *partition.Cache
	logger *logger.Logger
}

// NewCacheReportJob creates a new cache report job
func NewCacheReportJob(cache *partition.Cache, log *logger.Logger) *CacheReportJob {
	return &CacheReportJob{
		cache:  cache,
		logger: log.Module("cache_job"),
	}
}

// Name returns the job name
func (j *CacheReportJob) Name() string {
	return "partition_cache_report"
}

// Schedule returns the cron schedule (every 15 minutes)
func (j *CacheReportJob) Schedule() string {
	return "0 */15 * * * *"
}

// Run logs the current cache counters
func (j *CacheReportJob) Run(ctx context.Context) error {
	st := j.cache.Stats()

	j.logger.WithFields(map[string]interface{}{
		"entries": st.Entries,
		"pinned":  st.Pinned,
		"hits":    st.Hits,
		"misses":  st.Misses,
		"fetches": st.Fetches,
		"failed":  st.Failed,
	}).Debug("Partition cache stats")
	return nil
}
