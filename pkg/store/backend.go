package store

import (
	"context"
	"fmt"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend Backend
	Dir     string
	Redis   RedisOptions
}

// NewOpener returns an Opener for the configured backend. Nothing is
// created or dialed until the Opener runs.
func NewOpener(opts Options) Opener {
	return func(ctx context.Context) (Store, error) {
		switch opts.Backend {
		case BackendFile, "":
			return NewFileStore(opts.Dir)
		case BackendMemory:
			return NewMemoryStore(), nil
		case BackendRedis:
			return OpenRedis(ctx, opts.Redis)
		default:
			return nil, fmt.Errorf("store: unknown backend %q", opts.Backend)
		}
	}
}
