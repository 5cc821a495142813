// Package edgecache keeps immutable image blobs on local disk, keyed by
// asset id, so hot images are served without a round trip to the origin.
//
// Blobs live as files under <dir>/objects. A bbolt index at <dir>/index.db
// records when each blob was stored and its size. An object older than
// MaxAge is treated as absent and removed the next time it is looked up or
// when Cleanup runs.
package edgecache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/metrics"
)

// DefaultMaxAge is used when Config.MaxAge is zero.
const DefaultMaxAge = 24 * time.Hour

const (
	objectsDir = "objects"
	indexFile  = "index.db"
	recordSize = 16
)

var indexBucket = []byte("objects")

// ErrInvalidID is returned for ids that cannot name a file.
var ErrInvalidID = errors.New("edgecache: invalid entity id")

// Config configures the edge cache.
type Config struct {
	Dir             string
	MaxAge          time.Duration
	WarmConcurrency int // parallel origin fetches during Warm
}

// Cache is a disk-backed blob cache. It is safe for concurrent use.
type Cache struct {
	dir     string
	maxAge  time.Duration
	workers int
	db      *bolt.DB
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the edge cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithMetrics attaches edge lookup and warm-up counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Open creates the cache directory if needed and opens its index.
func Open(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("edgecache: dir is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = DefaultWarmConcurrency
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, objectsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create edge cache dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(cfg.Dir, indexFile), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open edge cache index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init edge cache index: %w", err)
	}

	c := &Cache{dir: cfg.Dir, maxAge: cfg.MaxAge, workers: cfg.WarmConcurrency, db: db, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.Or(c.log).With("component", "edge_cache")
	return c, nil
}

// Close closes the index.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// MaxAge returns the configured object lifetime.
func (c *Cache) MaxAge() time.Duration {
	return c.maxAge
}

type record struct {
	storedAt time.Time
	size     int64
}

// Layout: 8 bytes big endian storedAt (unix nanos) || 8 bytes size.
func (r record) encode() []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[:8], uint64(r.storedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], uint64(r.size))
	return buf
}

func decodeRecord(v []byte) (record, bool) {
	if len(v) != recordSize {
		return record{}, false
	}
	return record{
		storedAt: time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))),
		size:     int64(binary.BigEndian.Uint64(v[8:])),
	}, true
}

func (c *Cache) expired(r record) bool {
	return c.now().Sub(r.storedAt) >= c.maxAge
}

func (c *Cache) path(id string) string {
	return filepath.Join(c.dir, objectsDir, url.PathEscape(id))
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".."
}

// Get returns the blob for id. Missing, expired and unreadable objects are
// all reported as absent; expired ones are deleted on the way out.
func (c *Cache) Get(ctx context.Context, id string) ([]byte, bool) {
	if !validID(id) {
		return nil, false
	}
	rec, ok, err := c.lookup(id)
	if err != nil {
		c.log.Warn("edge cache index read failed", "id", id, "error", err)
		c.metrics.RecordEdgeLookup(false)
		return nil, false
	}
	if !ok {
		c.metrics.RecordEdgeLookup(false)
		return nil, false
	}
	if c.expired(rec) {
		if err := c.Delete(ctx, id); err != nil {
			c.log.Warn("edge cache expire failed", "id", id, "error", err)
		}
		c.metrics.RecordEdgeLookup(false)
		return nil, false
	}
	data, err := os.ReadFile(c.path(id))
	if err != nil {
		c.log.Warn("edge cache read failed", "id", id, "error", err)
		if errors.Is(err, os.ErrNotExist) {
			_ = c.Delete(ctx, id)
		}
		c.metrics.RecordEdgeLookup(false)
		return nil, false
	}
	c.metrics.RecordEdgeLookup(true)
	return data, true
}

func (c *Cache) lookup(id string) (record, bool, error) {
	var (
		rec record
		ok  bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		rec, ok = decodeRecord(tx.Bucket(indexBucket).Get([]byte(id)))
		return nil
	})
	return rec, ok, err
}

// Put stores data for id, replacing any previous blob.
func (c *Cache) Put(_ context.Context, id string, data []byte) error {
	if !validID(id) {
		return ErrInvalidID
	}
	tmp, err := os.CreateTemp(filepath.Join(c.dir, objectsDir), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create edge object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write edge object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close edge object: %w", err)
	}
	if err := os.Rename(tmpName, c.path(id)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit edge object: %w", err)
	}

	rec := record{storedAt: c.now(), size: int64(len(data))}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put([]byte(id), rec.encode())
	})
}

// Delete removes the blob and its index entry. Deleting an absent object
// is not an error.
func (c *Cache) Delete(_ context.Context, id string) error {
	if !validID(id) {
		return ErrInvalidID
	}
	if err := os.Remove(c.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove edge object: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete([]byte(id))
	})
}

// Cleanup removes every expired object and returns how many were removed.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	var stale []string
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).ForEach(func(k, v []byte) error {
			rec, ok := decodeRecord(v)
			if !ok || c.expired(rec) {
				stale = append(stale, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scan edge cache index: %w", err)
	}

	removed := 0
	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := c.Delete(ctx, id); err != nil {
			c.log.Warn("edge cache cleanup failed", "id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.log.Info("edge cache cleanup", "removed", removed)
	}
	return removed, nil
}

// Stats summarises the cache contents.
type Stats struct {
	Objects int    `json:"objects"`
	Expired int    `json:"expired"`
	Bytes   int64  `json:"bytes"`
	Dir     string `json:"dir"`
}

// Stats counts indexed objects and their total size.
func (c *Cache) Stats() (Stats, error) {
	st := Stats{Dir: c.dir}
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).ForEach(func(_, v []byte) error {
			rec, ok := decodeRecord(v)
			if !ok {
				return nil
			}
			st.Objects++
			st.Bytes += rec.size
			if c.expired(rec) {
				st.Expired++
			}
			return nil
		})
	})
	return st, err
}
