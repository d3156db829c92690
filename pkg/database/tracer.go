package database

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wonny/tradeflow/pkg/logger"
)

type traceKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

// slowQueryTracer logs queries that take longer than threshold and every
// failed query
type slowQueryTracer struct {
	logger    *logger.Logger
	threshold time.Duration
	now       func() time.Time
}

func newSlowQueryTracer(log *logger.Logger, threshold time.Duration) *slowQueryTracer {
	return &slowQueryTracer{
		logger:    log.Module("database"),
		threshold: threshold,
		now:       time.Now,
	}
}

func (t *slowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{sql: data.SQL, start: t.now()})
}

func (t *slowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	elapsed := t.now().Sub(ts.start)

	fields := map[string]interface{}{
		"sql":      compactSQL(ts.sql),
		"duration": elapsed,
	}
	switch {
	case data.Err != nil:
		t.logger.WithFields(fields).WithError(data.Err).Warn("Query failed")
	case elapsed >= t.threshold:
		fields["rows"] = data.CommandTag.RowsAffected()
		t.logger.WithFields(fields).Warn("Slow query")
	}
}

// compactSQL collapses whitespace and truncates long statements
func compactSQL(sql string) string {
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
