package partition

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/storage"
)

// DateLayout is the partition id format
const DateLayout = "20060102"

const (
	DefaultTTL     = 2 * time.Hour
	DefaultListTTL = 5 * time.Minute
	listKey        = "\x00partitions"
)

// Options configures a Cache
type Options struct {
	TTL        time.Duration // lifetime of an unpinned entry
	ListTTL    time.Duration // lifetime of the memoized partition list
	MaxEntries int           // 0 = unbounded; bounds unpinned entries only
}

// Stats is a point-in-time view of the cache
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Fetches int64 `json:"fetches"`
	Failed  int64 `json:"failed"`
	Entries int   `json:"entries"`
	Pinned  int   `json:"pinned"`
}

// Cache memoizes partition listings and raw partition content
// ⭐ SSOT: raw partition 읽기는 이 캐시를 통해서만
type Cache struct {
	bucket *storage.Bucket
	prefix string
	opts   Options
	logger *logger.Logger

	entries *gocache.Cache
	group   singleflight.Group

	mu     sync.Mutex
	pins   map[string]int
	loaded map[string]time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
	failed  atomic.Int64
}

// NewCache creates a cache reading partitions under prefix
func NewCache(bucket *storage.Bucket, prefix string, opts Options, log *logger.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ListTTL <= 0 {
		opts.ListTTL = DefaultListTTL
	}

	return &Cache{
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		opts:    opts,
		logger:  log.Module("partition"),
		entries: gocache.New(opts.TTL, opts.TTL/2),
		pins:    make(map[string]int),
		loaded:  make(map[string]time.Time),
	}
}

// ListPartitions returns partition ids (YYYYMMDD), newest first
func (c *Cache) ListPartitions(ctx context.Context) ([]string, error) {
	if v, ok := c.entries.Get(listKey); ok {
		return append([]string(nil), v.([]string)...), nil
	}

	v, err, _ := c.group.Do(listKey, func() (interface{}, error) {
		objects, err := c.bucket.List(ctx, c.prefix, "/")
		if err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(objects))
		for _, obj := range objects {
			if !obj.IsDir {
				continue
			}
			if id := dateSegment(obj.Key); id != "" {
				ids = append(ids, id)
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))

		c.entries.Set(listKey, ids, c.opts.ListTTL)
		c.logger.WithFields(map[string]interface{}{
			"prefix": c.prefix,
			"count":  len(ids),
		}).Debug("Listed partitions")
		return ids, nil
	})
	if err != nil {
		return nil, err
	}

	return append([]string(nil), v.([]string)...), nil
}

// Content returns the raw text of one partition. A failed or empty fetch
// yields "" and is not cached.
func (c *Cache) Content(ctx context.Context, id string) string {
	if v, ok := c.entries.Get(id); ok {
		c.hits.Inc()
		return v.(string)
	}
	c.misses.Inc()

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		if v, ok := c.entries.Get(id); ok {
			return v, nil
		}

		c.fetches.Inc()
		content, err := c.fetch(ctx, id)
		if err != nil {
			return "", err
		}
		if content != "" {
			c.store(id, content)
		}
		return content, nil
	})
	if err != nil {
		c.failed.Inc()
		c.logger.WithError(err).WithField("partition", id).Warn("Partition fetch failed")
		return ""
	}

	return v.(string)
}

// Pin protects a partition from expiry and eviction. Pins nest.
func (c *Cache) Pin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pins[id]++
	if c.pins[id] == 1 {
		if v, ok := c.entries.Get(id); ok {
			c.entries.Set(id, v, gocache.NoExpiration)
		}
	}
}

// Unpin releases one pin; the last release restores the default TTL
func (c *Cache) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.pins[id]
	if !ok {
		return
	}
	if n > 1 {
		c.pins[id] = n - 1
		return
	}

	delete(c.pins, id)
	if v, ok := c.entries.Get(id); ok {
		c.entries.Set(id, v, gocache.DefaultExpiration)
		c.loaded[id] = time.Now()
	}
	c.evictLocked()
}

// Forget drops an unpinned partition from the cache
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	pinned := c.pins[id] > 0
	c.mu.Unlock()

	if !pinned {
		c.entries.Delete(id)
	}
}

// pruneLocked forgets load times of entries that have expired. c.mu must be held.
func (c *Cache) pruneLocked() {
	for id := range c.loaded {
		if _, ok := c.entries.Get(id); !ok {
			delete(c.loaded, id)
		}
	}
}

// Stats returns cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	c.pruneLocked()
	pinned := len(c.pins)
	entries := len(c.loaded)
	c.mu.Unlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Fetches: c.fetches.Load(),
		Failed:  c.failed.Load(),
		Entries: entries,
		Pinned:  pinned,
	}
}

func (c *Cache) store(id, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := gocache.DefaultExpiration
	if c.pins[id] > 0 {
		ttl = gocache.NoExpiration
	}
	c.entries.Set(id, content, ttl)
	c.loaded[id] = time.Now()
	c.evictLocked()
}

// evictLocked drops the oldest unpinned entries above MaxEntries. c.mu must be held.
func (c *Cache) evictLocked() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	c.pruneLocked()

	type aged struct {
		id string
		at time.Time
	}
	var unpinned []aged
	for id, at := range c.loaded {
		if c.pins[id] == 0 {
			unpinned = append(unpinned, aged{id, at})
		}
	}
	if len(unpinned) <= c.opts.MaxEntries {
		return
	}

	sort.Slice(unpinned, func(i, j int) bool { return unpinned[i].at.Before(unpinned[j].at) })
	for _, e := range unpinned[:len(unpinned)-c.opts.MaxEntries] {
		c.entries.Delete(e.id)
		delete(c.loaded, e.id)
		c.logger.WithField("partition", e.id).Debug("Evicted partition")
	}
}

// fetch reads every file of a partition. Files after the first drop their
// header line when it repeats the first file's header.
func (c *Cache) fetch(ctx context.Context, id string) (string, error) {
	dir := c.prefix + "/" + id
	objects, err := c.bucket.List(ctx, dir, "/")
	if err != nil {
		return "", err
	}

	var keys []string
	for _, obj := range objects {
		if !obj.IsDir && obj.Size > 0 {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)

	var (
		buf    bytes.Buffer
		header []byte
	)
	for i, key := range keys {
		data, err := c.bucket.ReadAll(ctx, key)
		if err != nil {
			return "", err
		}

		first, rest := splitHeader(data)
		if i == 0 {
			header = first
			buf.Write(data)
		} else if bytes.Equal(bytes.TrimSpace(first), bytes.TrimSpace(header)) {
			buf.Write(rest)
		} else {
			buf.Write(data)
		}
		if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
			buf.WriteByte('\n')
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"partition": id,
		"files":     len(keys),
		"bytes":     buf.Len(),
	}).Debug("Fetched partition")

	return buf.String(), nil
}

func splitHeader(data []byte) (header, rest []byte) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return data, nil
	}
	return data[:i], data[i+1:]
}

// dateSegment extracts a valid YYYYMMDD id from a directory key
func dateSegment(key string) string {
	key = strings.TrimSuffix(key, "/")
	seg := key[strings.LastIndex(key, "/")+1:]
	if _, err := time.Parse(DateLayout, seg); err != nil {
		return ""
	}
	return seg
}
