// Package cache is the read-through dataset cache. Online loads go to the
// remote service and refresh the local copy; offline loads, and online
// loads whose fetch fails, fall back to the last stored copy.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/fieldsync/internal/logging"
	"github.com/mesh-intelligence/fieldsync/internal/metrics"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

// Source names where a load was answered from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
	SourceNone   Source = "none"
)

// FetchFunc retrieves the fresh collection from the remote service.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// LoadResult is the outcome of Load. Warning carries a non-fatal remote
// failure when a stale copy was returned instead.
type LoadResult struct {
	Dataset types.Dataset
	Source  Source
	Stale   bool
	Warning error
}

// Connectivity reports the current online state.
type Connectivity interface {
	Online() bool
}

// ErrInvalidData reports dataset data that is not valid JSON.
var ErrInvalidData = errors.New("dataset data is not valid JSON")

// Options configures a Cache.
type Options struct {
	Compress bool
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// Cache stores datasets in the datasets partition of a types.Store.
type Cache struct {
	store    types.Store
	conn     Connectivity
	compress bool
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// New creates a cache over an opened store. A nil conn counts as always
// online.
func New(store types.Store, conn Connectivity, opts Options) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store:    store,
		conn:     conn,
		compress: opts.Compress,
		logger:   logging.OrNop(opts.Logger).Named("cache"),
		metrics:  opts.Metrics,
		now:      now,
	}
}

func (c *Cache) online() bool {
	return c.conn == nil || c.conn.Online()
}

// Load returns the dataset for key. Online, fetch is called and a
// successful result replaces the cached copy. Offline, fetch is never
// called. A failed online fetch with no cached copy returns an error
// wrapping types.ErrRemote; an offline miss returns types.ErrNoCachedData.
func (c *Cache) Load(ctx context.Context, key string, fetch FetchFunc) (LoadResult, error) {
	if c.online() {
		data, err := fetch(ctx)
		if err == nil {
			d, err := c.Put(ctx, key, data)
			if err != nil {
				c.logger.Warn("fetched dataset not cached", zap.String("dataset", key), zap.Error(err))
			}
			c.metrics.CacheLoad(string(SourceRemote))
			return LoadResult{Dataset: d, Source: SourceRemote}, nil
		}

		remoteErr := asRemote(err)
		if d, ok := c.Get(ctx, key); ok {
			c.logger.Warn("fetch failed, serving cached copy",
				zap.String("dataset", key), zap.Error(err))
			c.metrics.CacheLoad(string(SourceCache))
			return LoadResult{Dataset: d, Source: SourceCache, Stale: true, Warning: remoteErr}, nil
		}
		c.metrics.CacheLoad(string(SourceNone))
		return LoadResult{Dataset: types.Dataset{Key: key}, Source: SourceNone},
			fmt.Errorf("loading %s: %w", key, remoteErr)
	}

	if d, ok := c.Get(ctx, key); ok {
		c.metrics.CacheLoad(string(SourceCache))
		return LoadResult{Dataset: d, Source: SourceCache, Stale: true}, nil
	}
	c.metrics.CacheLoad(string(SourceNone))
	return LoadResult{Dataset: types.Dataset{Key: key}, Source: SourceNone},
		fmt.Errorf("loading %s: %w", key, types.ErrNoCachedData)
}

func asRemote(err error) error {
	if errors.Is(err, types.ErrRemote) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrRemote, err)
}

// Put stores data under key, replacing any prior copy, and returns the
// stored dataset. A storage failure is logged and returned; the dataset is
// still returned so callers can keep rendering it.
func (c *Cache) Put(ctx context.Context, key string, data json.RawMessage) (types.Dataset, error) {
	d := types.Dataset{
		Key:       key,
		Data:      slices.Clone(data),
		Timestamp: c.now().UnixMilli(),
	}
	if !json.Valid(data) {
		return d, fmt.Errorf("caching %s: %w", key, ErrInvalidData)
	}
	if err := c.store.Put(ctx, types.DatasetsPartition, key, encode(d, c.compress)); err != nil {
		c.logger.Error("cache write failed", zap.String("dataset", key), zap.Error(err))
		c.metrics.StorageFault("put")
		return d, fmt.Errorf("caching %s: %w", key, err)
	}
	return d, nil
}

// Get returns the cached dataset for key. Storage faults and corrupt
// records are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (types.Dataset, bool) {
	rec, err := c.store.Get(ctx, types.DatasetsPartition, key)
	if errors.Is(err, types.ErrNotFound) {
		return types.Dataset{}, false
	}
	if err != nil {
		c.logger.Error("cache read failed", zap.String("dataset", key), zap.Error(err))
		c.metrics.StorageFault("get")
		return types.Dataset{}, false
	}
	d, err := decode(key, rec.Value)
	if err != nil {
		c.logger.Warn("discarding unreadable cache record", zap.String("dataset", key), zap.Error(err))
		return types.Dataset{}, false
	}
	return d, true
}

// Delete removes the cached copy of key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, types.DatasetsPartition, key); err != nil {
		c.metrics.StorageFault("delete")
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// List returns every readable cached dataset in insertion order.
func (c *Cache) List(ctx context.Context) ([]types.Dataset, error) {
	recs, err := c.store.GetAll(ctx, types.DatasetsPartition)
	if err != nil {
		c.metrics.StorageFault("get_all")
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	out := make([]types.Dataset, 0, len(recs))
	for _, rec := range recs {
		d, err := decode(rec.Key, rec.Value)
		if err != nil {
			c.logger.Warn("skipping unreadable cache record", zap.String("dataset", rec.Key), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Clear removes every cached dataset.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx, types.DatasetsPartition); err != nil {
		c.metrics.StorageFault("clear")
		return fmt.Errorf("clearing datasets: %w", err)
	}
	return nil
}
