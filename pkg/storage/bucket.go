package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/time/rate"

	"github.com/wonny/tradeflow/pkg/config"
	"github.com/wonny/tradeflow/pkg/logger"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("storage: object not found")

// Bucket wraps a gocloud blob bucket with throttling and logging
// ⭐ SSOT: 모든 object storage 접근은 이 래퍼를 통해서만 수행
type Bucket struct {
	bucket  *blob.Bucket
	limiter *rate.Limiter
	logger  *logger.Logger
}

// Object is a listed storage entry
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Open opens the bucket named by cfg.Storage.URL
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Bucket, error) {
	b, err := blob.OpenBucket(ctx, cfg.Storage.URL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.Storage.URL, err)
	}

	return Wrap(b, cfg.Storage.RPS, cfg.Storage.Burst, log), nil
}

// Wrap wraps an already opened bucket. rps <= 0 disables throttling.
func Wrap(b *blob.Bucket, rps float64, burst int, log *logger.Logger) *Bucket {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}

	return &Bucket{
		bucket:  b,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.Module("storage"),
	}
}

// Close closes the underlying bucket
func (b *Bucket) Close() error {
	return b.bucket.Close()
}

// ReadAll reads the whole object at key
func (b *Bucket) ReadAll(ctx context.Context, key string) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	start := time.Now()
	data, err := b.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		b.logger.WithError(err).WithField("key", key).Error("Storage read failed")
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	b.logger.WithFields(map[string]interface{}{
		"key":      key,
		"bytes":    len(data),
		"duration": time.Since(start),
	}).Debug("Storage read completed")

	return data, nil
}

// WriteAll writes p to key, replacing nothing the caller has not checked
func (b *Bucket) WriteAll(ctx context.Context, key string, p []byte, contentType string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	start := time.Now()
	opts := &blob.WriterOptions{ContentType: contentType}
	if err := b.bucket.WriteAll(ctx, key, p, opts); err != nil {
		b.logger.WithError(err).WithField("key", key).Error("Storage write failed")
		return fmt.Errorf("write %s: %w", key, err)
	}

	b.logger.WithFields(map[string]interface{}{
		"key":      key,
		"bytes":    len(p),
		"duration": time.Since(start),
	}).Debug("Storage write completed")

	return nil
}

// Exists reports whether an object exists at exactly key
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("rate limit wait failed: %w", err)
	}

	ok, err := b.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return ok, nil
}

// AnyUnder reports whether at least one object lives under prefix
func (b *Bucket) AnyUnder(ctx context.Context, prefix string) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("rate limit wait failed: %w", err)
	}

	it := b.bucket.List(&blob.ListOptions{Prefix: ensureSlash(prefix)})
	_, err := it.Next(ctx)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("list %s: %w", prefix, err)
	}
	return true, nil
}

// List returns the entries under prefix. With a non-empty delimiter, nested
// keys are folded into directory entries.
func (b *Bucket) List(ctx context.Context, prefix, delimiter string) ([]Object, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	it := b.bucket.List(&blob.ListOptions{
		Prefix:    ensureSlash(prefix),
		Delimiter: delimiter,
	})

	var objects []Object
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		objects = append(objects, Object{
			Key:     obj.Key,
			Size:    obj.Size,
			ModTime: obj.ModTime,
			IsDir:   obj.IsDir,
		})
	}

	return objects, nil
}

func ensureSlash(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}
