package output

import (
	"context"
	"fmt"
	"strings"

	"github.com/wonny/tradeflow/internal/aggregate"
	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/storage"
)

const contentType = "text/csv"

// DoneMarker is written into a unit's directory after its last file
const DoneMarker = "_DONE"

// Writer persists aggregated tables, never overwriting an existing artifact
// ⭐ SSOT: summary 산출물 쓰기는 이 Writer에서만
type Writer struct {
	bucket *storage.Bucket
	prefix string
	logger *logger.Logger
}

// NewWriter creates a writer rooted at prefix
func NewWriter(bucket *storage.Bucket, prefix string, log *logger.Logger) *Writer {
	return &Writer{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: log.Module("output"),
	}
}

// Dir is the completion prefix of one (flavor, date) unit:
// <prefix>/<feature>/<suffix>/<YYYYMMDD>
func (w *Writer) Dir(f aggregate.Flavor, date string) string {
	return w.prefix + "/" + f.Dir() + "/" + date
}

// Key is the object key of one file of a (flavor, date) unit
func (w *Writer) Key(f aggregate.Flavor, date, fileKey string) string {
	return w.Dir(f, date) + "/" + SafeName(fileKey) + ".csv"
}

// Exists reports whether anything has been written under prefix
func (w *Writer) Exists(ctx context.Context, prefix string) (bool, error) {
	ok, err := w.bucket.AnyUnder(ctx, prefix)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", prefix, err)
	}
	return ok, nil
}

// Done reports whether the (flavor, date) unit finished writing. A directory
// holding files but no marker is an interrupted unit.
func (w *Writer) Done(ctx context.Context, f aggregate.Flavor, date string) (bool, error) {
	key := w.Dir(f, date) + "/" + DoneMarker
	ok, err := w.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	return ok, nil
}

// MarkDone records that every file of the unit is in place
func (w *Writer) MarkDone(ctx context.Context, f aggregate.Flavor, date string, files int) error {
	key := w.Dir(f, date) + "/" + DoneMarker
	body := fmt.Sprintf("files=%d\n", files)
	if err := w.bucket.WriteAll(ctx, key, []byte(body), "text/plain"); err != nil {
		return fmt.Errorf("mark %s: %w", key, err)
	}
	return nil
}

// Write stores rows at key. Zero rows and an existing key are no-ops that
// return written=false.
func (w *Writer) Write(ctx context.Context, key string, layout Layout, rows []aggregate.Row) (bool, error) {
	if len(rows) == 0 {
		return false, nil
	}

	// another worker may have produced the same target since the unit started
	exists, err := w.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		w.logger.WithField("key", key).Debug("Output already exists, skipping")
		return false, nil
	}

	data, err := Encode(layout, rows)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}

	if err := w.bucket.WriteAll(ctx, key, data, contentType); err != nil {
		return false, err
	}

	w.logger.WithFields(map[string]interface{}{
		"key":  key,
		"rows": len(rows),
	}).Debug("Output written")

	return true, nil
}

// SafeName turns a dimension key into a single path segment
func SafeName(key string) string {
	key = strings.TrimSpace(key)
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	if key = r.Replace(key); key == "" || key == "." || key == ".." {
		return "_"
	}
	return key
}
