package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/entrhq/pilot/pkg/logging"
)

// DefaultOpenTimeout bounds how long a Guard waits for its store to open.
const DefaultOpenTimeout = 10 * time.Second

// Guard is the single shared handle to a Store. The underlying store is
// opened on first use and reused afterwards. If opening fails, the Guard
// stays degraded for its lifetime: every read is a miss and every write is
// a no-op. Errors from individual operations are logged and swallowed, so
// storage trouble never reaches cache callers.
type Guard struct {
	open   Opener
	logger *logging.Logger

	once  sync.Once
	store Store
	err   error
}

// NewGuard returns a Guard that opens its store with open.
func NewGuard(open Opener, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.Discard("store")
	}
	return &Guard{open: open, logger: logger}
}

// NewGuardFor wraps an already constructed store.
func NewGuardFor(s Store, logger *logging.Logger) *Guard {
	return NewGuard(func(context.Context) (Store, error) { return s, nil }, logger)
}

func (g *Guard) get(ctx context.Context) Store {
	g.once.Do(func() {
		if g.open == nil {
			g.err = errors.New("store: no opener configured")
		} else {
			// The first caller's cancellation must not disable the cache
			// for the whole process.
			openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultOpenTimeout)
			g.store, g.err = g.open(openCtx)
			cancel()
		}
		if g.err == nil && g.store == nil {
			g.err = errors.New("store: opener returned nil store")
		}
		if g.err != nil {
			g.logger.Warnf("Cache store unavailable, caching disabled: %v", g.err)
		}
	})
	return g.store
}

// Available reports whether the underlying store opened successfully.
// It opens the store if that has not happened yet.
func (g *Guard) Available(ctx context.Context) bool {
	return g.get(ctx) != nil
}

// Get returns the entry for key. The boolean is false on a miss, including
// when the store is unavailable or the read failed.
func (g *Guard) Get(ctx context.Context, key string) (Entry, bool) {
	s := g.get(ctx)
	if s == nil {
		return Entry{}, false
	}

	e, err := s.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.logger.Warnf("Cache read failed for %s: %v", key, err)
		}
		return Entry{}, false
	}
	return e, true
}

// Put writes e under key, best effort.
func (g *Guard) Put(ctx context.Context, key string, e Entry) {
	if s := g.get(ctx); s != nil {
		if err := s.Put(ctx, key, e); err != nil {
			g.logger.Warnf("Cache write failed for %s: %v", key, err)
		}
	}
}

// Delete removes key, best effort.
func (g *Guard) Delete(ctx context.Context, key string) {
	if s := g.get(ctx); s != nil {
		if err := s.Delete(ctx, key); err != nil {
			g.logger.Warnf("Cache delete failed for %s: %v", key, err)
		}
	}
}

// Clear removes every entry, best effort.
func (g *Guard) Clear(ctx context.Context) {
	if s := g.get(ctx); s != nil {
		if err := s.Clear(ctx); err != nil {
			g.logger.Warnf("Cache clear failed: %v", err)
		}
	}
}

// Close closes the underlying store if it was opened.
func (g *Guard) Close() error {
	g.once.Do(func() {
		// Never opened: nothing to close, and no later open either.
		g.err = errors.New("store: guard closed")
	})
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}
