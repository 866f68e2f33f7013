// Package cache memoizes expensive asynchronous producers.
//
// Wrap turns a producer into a function with the same shape that first
// consults a persistent store, keyed by the producer's namespace and its
// arguments. Fresh entries are returned without running the producer.
// Concurrent misses for the same key share a single producer invocation and
// its outcome. Successful results are written back with their creation time;
// failures are never stored.
//
// Freshness is decided at read time: an entry is fresh while
// now - createdAt < ttl, and a negative ttl never expires. Storage problems
// are absorbed by the store.Guard, so they only ever cost a cache miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/singleflight"

	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/scheduler"
	"github.com/entrhq/pilot/pkg/store"
)

// NoExpiry marks entries that never go stale.
const NoExpiry time.Duration = -1

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("cache")
	if err != nil {
		debugLog.Warnf("Failed to initialize cache logger, using stderr fallback: %v", err)
	}
}

// Producer computes a value from its arguments.
type Producer[A, R any] func(ctx context.Context, args A) (R, error)

// Runner admits producer invocations. *scheduler.Scheduler implements it.
type Runner interface {
	Submit(ctx context.Context, task scheduler.Task) (any, error)
}

var _ Runner = (*scheduler.Scheduler)(nil)

// Stats counts cache activity since construction.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Invocations int64 `json:"invocations"`
	Waiting     int64 `json:"waiting"`
}

// Cache holds the shared store handle and the in-flight computations.
type Cache struct {
	store   *store.Guard
	flights singleflight.Group
	now     func() time.Time
	runner  Runner
	bypass  []glob.Glob
	logger  *logging.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	invocations atomic.Int64
	waiting     atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache) error

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) error {
		c.now = now
		return nil
	}
}

// WithRunner routes every producer invocation through r.
func WithRunner(r Runner) Option {
	return func(c *Cache) error {
		c.runner = r
		return nil
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Cache) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithBypass disables caching for namespaces matching any of the glob
// patterns. Bypassed producers still go through the runner.
func WithBypass(patterns ...string) Option {
	return func(c *Cache) error {
		for _, pattern := range patterns {
			g, err := glob.Compile(pattern)
			if err != nil {
				return fmt.Errorf("invalid bypass pattern '%s': %w", pattern, err)
			}
			c.bypass = append(c.bypass, g)
		}
		return nil
	}
}

// New creates a cache backed by st.
func New(st *store.Guard, opts ...Option) (*Cache, error) {
	if st == nil {
		return nil, fmt.Errorf("cache: store is required")
	}
	c := &Cache{
		store:  st,
		now:    time.Now,
		logger: debugLog,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Invocations: c.invocations.Load(),
		Waiting:     c.waiting.Load(),
	}
}

// Bypassed reports whether namespace skips the cache.
func (c *Cache) Bypassed(namespace string) bool {
	for _, g := range c.bypass {
		if g.Match(namespace) {
			return true
		}
	}
	return false
}

// Invalidate removes the entry for one call of the namespace's producer.
func (c *Cache) Invalidate(ctx context.Context, namespace string, args any) error {
	key, err := DeriveKey(namespace, args)
	if err != nil {
		return err
	}
	c.store.Delete(ctx, key)
	return nil
}

// Clear removes every cached entry.
func (c *Cache) Clear(ctx context.Context) {
	c.store.Clear(ctx)
}

// Wrap returns producer memoized under namespace with the given ttl.
func Wrap[A, R any](c *Cache, namespace string, ttl time.Duration, producer Producer[A, R]) Producer[A, R] {
	return func(ctx context.Context, args A) (R, error) {
		call := func(ctx context.Context) (R, error) {
			return producer(ctx, args)
		}

		if c.Bypassed(namespace) {
			return invoke(ctx, c, namespace, call)
		}

		key, err := DeriveKey(namespace, args)
		if err != nil {
			c.logger.Warnf("Bypassing cache: %v", err)
			return invoke(ctx, c, namespace, call)
		}

		if v, ok := lookup[R](ctx, c, key, ttl); ok {
			c.hits.Add(1)
			return v, nil
		}
		c.misses.Add(1)

		c.waiting.Add(1)
		v, err, _ := c.flights.Do(key, func() (any, error) {
			// A flight that settled between our lookup and joining may have
			// just written the entry.
			if v, ok := lookup[R](ctx, c, key, ttl); ok {
				return v, nil
			}

			r, err := invoke(ctx, c, namespace, call)
			if err != nil {
				return nil, err
			}
			save(ctx, c, key, r)
			return r, nil
		})
		c.waiting.Add(-1)

		if err != nil {
			var zero R
			return zero, err
		}
		return asResult[R](namespace, v)
	}
}

// lookup returns the stored value for key if it is present, recognized,
// decodable and fresh.
func lookup[R any](ctx context.Context, c *Cache, key string, ttl time.Duration) (R, bool) {
	var zero R

	e, ok := c.store.Get(ctx, key)
	if !ok {
		return zero, false
	}
	if e.Version != store.SchemaVersion {
		c.logger.Debugf("Ignoring entry %s with schema version %d", key, e.Version)
		return zero, false
	}
	if !fresh(e, ttl, c.now()) {
		return zero, false
	}

	var v R
	if err := json.Unmarshal(e.Data, &v); err != nil {
		c.logger.Warnf("Ignoring undecodable entry %s: %v", key, err)
		return zero, false
	}
	return v, true
}

// fresh reports whether e is still valid at now for ttl.
func fresh(e store.Entry, ttl time.Duration, now time.Time) bool {
	if ttl < 0 {
		return true
	}
	return now.UnixMilli()-e.CreatedAt < ttl.Milliseconds()
}

func save[R any](ctx context.Context, c *Cache, key string, v R) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warnf("Not caching %s: %v", key, err)
		return
	}
	c.store.Put(ctx, key, store.Entry{
		Version:   store.SchemaVersion,
		Data:      data,
		CreatedAt: c.now().UnixMilli(),
	})
}

// invoke runs call, through the runner when one is configured.
func invoke[R any](ctx context.Context, c *Cache, namespace string, call func(ctx context.Context) (R, error)) (R, error) {
	c.invocations.Add(1)
	if c.runner == nil {
		return call(ctx)
	}

	v, err := c.runner.Submit(ctx, func(ctx context.Context) (any, error) {
		return call(ctx)
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return asResult[R](namespace, v)
}

// asResult converts a shared outcome back to R. A mismatch means two
// producers with different result types share a namespace.
func asResult[R any](namespace string, v any) (R, error) {
	var zero R
	if v == nil {
		return zero, nil
	}
	r, ok := v.(R)
	if !ok {
		return zero, fmt.Errorf("cache: %s: result type %T, want %T", namespace, v, zero)
	}
	return r, nil
}
