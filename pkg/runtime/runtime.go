// Package runtime assembles pilot's shared coordination layer from a
// configuration: one scheduler bounding outbound work, one cache over one
// persistent store, the browser session manager, and the planner client.
//
// A process normally holds a single Runtime, installed with Initialize and
// retrieved with Global.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/cache"
	"github.com/entrhq/pilot/pkg/config"
	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/planner"
	"github.com/entrhq/pilot/pkg/scheduler"
	"github.com/entrhq/pilot/pkg/store"
)

// FingerprintNamespace is the cache namespace of page fingerprints.
const FingerprintNamespace = "browser.fingerprint"

var debugLog *logging.Logger

func init() {
	var err error
	debugLog, err = logging.NewLogger("runtime")
	if err != nil {
		debugLog.Warnf("Failed to initialize runtime logger, using stderr fallback: %v", err)
	}
}

var (
	// global is the process-wide runtime instance
	global   *Runtime
	globalMu sync.Mutex
)

// Runtime owns the shared components. Its exported fields are safe for
// concurrent use; Browser is nil when the browser is disabled and Planner
// is nil when no API key is configured.
type Runtime struct {
	Config    *config.Config
	Scheduler *scheduler.Scheduler
	Store     *store.Guard
	Cache     *cache.Cache
	Browser   *browser.SessionManager
	Planner   *planner.Client

	logger    *logging.Logger
	closeOnce sync.Once
	closeErr  error
}

// Option configures New.
type Option func(*options)

type options struct {
	logger         *logging.Logger
	opener         store.Opener
	plannerOpts    []planner.Option
	managerOpts    []browser.ManagerOption
	cacheOpts      []cache.Option
	disableBrowser bool
}

// WithLogger sets the parent logger; components log through sub-loggers.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOpener replaces the configured store backend.
func WithOpener(open store.Opener) Option {
	return func(o *options) {
		o.opener = open
	}
}

// WithPlannerOptions appends options for the planner client.
func WithPlannerOptions(opts ...planner.Option) Option {
	return func(o *options) {
		o.plannerOpts = append(o.plannerOpts, opts...)
	}
}

// WithManagerOptions appends options for the browser session manager.
func WithManagerOptions(opts ...browser.ManagerOption) Option {
	return func(o *options) {
		o.managerOpts = append(o.managerOpts, opts...)
	}
}

// WithCacheOptions appends options for the cache.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) {
		o.cacheOpts = append(o.cacheOpts, opts...)
	}
}

// WithoutBrowser leaves Browser nil regardless of the configuration.
func WithoutBrowser() Option {
	return func(o *options) {
		o.disableBrowser = true
	}
}

// New validates cfg and builds a Runtime from it. A nil cfg means
// config.Default. Nothing external is contacted: the store opens on first
// use and playwright starts with the first session.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{logger: debugLog}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = debugLog
	}
	if o.opener == nil {
		o.opener = store.NewOpener(cfg.StoreOptions())
	}

	rt := &Runtime{
		Config: cfg,
		logger: o.logger,
	}

	rt.Scheduler = scheduler.New(cfg.Scheduler.MaxConcurrent,
		scheduler.WithLogger(o.logger.With("scheduler")))
	rt.Store = store.NewGuard(o.opener, o.logger.With("store"))

	cacheOpts := append([]cache.Option{
		cache.WithRunner(rt.Scheduler),
		cache.WithBypass(cfg.Cache.Bypass...),
		cache.WithLogger(o.logger.With("cache")),
	}, o.cacheOpts...)
	cc, err := cache.New(rt.Store, cacheOpts...)
	if err != nil {
		return nil, err
	}
	rt.Cache = cc

	if cfg.Browser.Enabled && !o.disableBrowser {
		managerOpts := []browser.ManagerOption{
			browser.WithMaxSessions(cfg.Browser.MaxSessions),
			browser.WithIdleTimeout(cfg.Browser.IdleTimeout),
			browser.WithManagerLogger(o.logger.With("browser")),
		}
		if !cfg.Browser.Install {
			managerOpts = append(managerOpts, browser.WithoutInstall())
		}
		rt.Browser = browser.NewSessionManager(append(managerOpts, o.managerOpts...)...)
	}

	if cfg.Planner.APIKey != "" {
		plannerOpts := append([]planner.Option{
			planner.WithModel(cfg.Planner.Model),
			planner.WithBaseURL(cfg.Planner.BaseURL),
			planner.WithMaxPromptTokens(cfg.Planner.MaxPromptTokens),
			planner.WithRateLimit(cfg.Planner.RequestsPerSecond, cfg.Planner.Burst),
			planner.WithCache(rt.Cache, cfg.Planner.CacheTTL),
			planner.WithLogger(o.logger.With("planner")),
		}, o.plannerOpts...)
		client, err := planner.NewClient(cfg.Planner.APIKey, plannerOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create planner: %w", err)
		}
		rt.Planner = client
	} else {
		o.logger.Infof("No planner API key configured, planning disabled")
	}

	return rt, nil
}

// OpenSession starts playwright if needed and launches a named session
// configured from the browser section.
func (rt *Runtime) OpenSession(name string) (*browser.Session, error) {
	if rt.Browser == nil {
		return nil, fmt.Errorf("browser is disabled")
	}
	if err := rt.Browser.Initialize(); err != nil {
		return nil, err
	}

	bc := rt.Config.Browser
	return rt.Browser.StartSession(name, browser.SessionOptions{
		Headless: bc.Headless,
		Viewport: &browser.Viewport{Width: bc.Viewport.Width, Height: bc.Viewport.Height},
		Timeout:  float64(bc.Timeout.Milliseconds()),
	})
}

// Page is the part of a browser session fingerprinting reads.
type Page interface {
	CurrentURL() string
	Content() (string, error)
}

type fingerprintArgs struct {
	URL string `json:"url"`
}

// Fingerprint identifies the application behind page, cached per URL for
// cache.fingerprint_ttl. Concurrent requests for one URL share one read of
// the page.
func (rt *Runtime) Fingerprint(ctx context.Context, page Page) (*browser.Fingerprint, error) {
	url := page.CurrentURL()
	if url == "" {
		return nil, fmt.Errorf("page has not been navigated")
	}

	compute := cache.Wrap(rt.Cache, FingerprintNamespace, rt.Config.Cache.FingerprintTTL,
		func(ctx context.Context, args fingerprintArgs) (browser.Fingerprint, error) {
			if err := ctx.Err(); err != nil {
				return browser.Fingerprint{}, err
			}
			content, err := page.Content()
			if err != nil {
				return browser.Fingerprint{}, err
			}
			fp, err := browser.ComputeFingerprint(content)
			if err != nil {
				return browser.Fingerprint{}, err
			}
			rt.logger.Debugf("Fingerprinted %s as %s", args.URL, fp.Digest)
			return *fp, nil
		})

	fp, err := compute(ctx, fingerprintArgs{URL: url})
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

// Close shuts down the browser and releases the store. It is safe to call
// more than once.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		var errs []error
		if rt.Browser != nil {
			errs = append(errs, rt.Browser.Shutdown())
		}
		errs = append(errs, rt.Store.Close())
		rt.closeErr = errors.Join(errs...)

		stats := rt.Scheduler.Stats()
		cs := rt.Cache.Stats()
		rt.logger.Infof("Runtime closed: active=%d queued=%d hits=%d misses=%d invocations=%d",
			stats.Active, stats.Queued, cs.Hits, cs.Misses, cs.Invocations)
	})
	return rt.closeErr
}

// Initialize builds the global runtime. It fails if one already exists.
func Initialize(cfg *config.Config, opts ...Option) (*Runtime, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return nil, fmt.Errorf("runtime already initialized")
	}
	rt, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	global = rt
	return rt, nil
}

// Global returns the global runtime.
// Panics if Initialize has not been called.
func Global() *Runtime {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		panic("runtime not initialized: call runtime.Initialize first")
	}
	return global
}

// IsInitialized returns true if the global runtime has been initialized.
func IsInitialized() bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global != nil
}

// Shutdown closes the global runtime and clears it, so Initialize may be
// called again.
func Shutdown() error {
	globalMu.Lock()
	rt := global
	global = nil
	globalMu.Unlock()

	if rt == nil {
		return nil
	}
	return rt.Close()
}
