package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/tradeflow/internal/aggregate"
	"github.com/wonny/tradeflow/internal/joblog"
	"github.com/wonny/tradeflow/internal/notify"
	"github.com/wonny/tradeflow/internal/output"
	"github.com/wonny/tradeflow/internal/partition"
	"github.com/wonny/tradeflow/internal/pipeline"
	"github.com/wonny/tradeflow/internal/reference"
	"github.com/wonny/tradeflow/pkg/config"
	"github.com/wonny/tradeflow/pkg/database"
	"github.com/wonny/tradeflow/pkg/httputil"
	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/redis"
	"github.com/wonny/tradeflow/pkg/storage"
)

// app holds the wired dependencies shared by commands
// ⭐ SSOT: 의존성 조립은 여기서만
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	bucket     *storage.Bucket
	db         *database.DB // nil with the memory job log
	redis      *redis.Client
	partitions *partition.Cache
	writer     *output.Writer
	reference  *reference.Cache
	sink       joblog.Sink
	sqlite     *joblog.SQLite // set with the sqlite job log
	catalog    *aggregate.Catalog
	runner     *pipeline.Runner
}

// newApp loads config and connects storage, Redis and the job log store
func newApp(ctx context.Context) (*app, error) {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// 2. Initialize logger
	log := logger.New(cfg)

	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// 3. Object storage
	if a.bucket, err = storage.Open(ctx, cfg, log); err != nil {
		return nil, err
	}

	// 4. Redis (optional)
	if a.redis, err = redis.New(ctx, cfg); err != nil {
		return nil, err
	}

	// 5. Job log
	switch cfg.JobLogDriver {
	case "postgres":
		if a.db, err = database.New(ctx, cfg, log); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := joblog.Migrate(cfg.Database.URL, log); err != nil {
			return nil, err
		}
		a.sink = joblog.NewRepository(a.db.Pool)
	case "sqlite":
		if a.sqlite, err = joblog.OpenSQLite(cfg.SQLitePath, log); err != nil {
			return nil, err
		}
		a.sink = a.sqlite
	default:
		a.sink = joblog.NewMemory()
	}
	a.sink = notify.WithWebhook(a.sink,
		httputil.New(log, cfg.Notify.Timeout).WithRetry(cfg.Notify.Retries, 500*time.Millisecond),
		cfg.Notify.WebhookURL, log)

	// 6. Engine components
	a.partitions = partition.NewCache(a.bucket, cfg.Storage.RawPrefix, partition.Options{
		TTL:        cfg.Engine.PartitionCacheTTL,
		MaxEntries: cfg.Engine.PartitionCacheMax,
	}, log)
	a.writer = output.NewWriter(a.bucket, cfg.Storage.OutputPrefix, log)
	a.reference = reference.NewCache(
		reference.NewLoader(a.bucket, cfg.Storage.RefPrefix, log),
		redis.NewCache(a.redis, "tradeflow"),
		redis.ReferenceKey(cfg.Storage.RefPrefix),
		cfg.Engine.ReferenceTTL,
		log,
	)
	a.catalog = aggregate.NewCatalog(nil)
	a.runner = pipeline.NewRunner(a.partitions, a.writer, a.reference, a.sink, pipeline.OptionsFromConfig(cfg), log)

	log.WithFields(map[string]interface{}{
		"storage": cfg.Storage.URL,
		"joblog":  cfg.JobLogDriver,
		"redis":   a.redis.Enabled(),
		"webhook": cfg.Notify.WebhookURL != "",
	}).Debug("Dependencies wired")

	ok = true
	return a, nil
}

// Close releases connections
func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.sqlite != nil {
		_ = a.sqlite.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.bucket != nil {
		_ = a.bucket.Close()
	}
}
