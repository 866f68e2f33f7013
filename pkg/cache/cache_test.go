package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/scheduler"
	"github.com/entrhq/pilot/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type pageArgs struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

type pageSummary struct {
	Title string   `json:"title"`
	Links []string `json:"links"`
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	opts = append([]Option{WithLogger(logging.Discard("cache"))}, opts...)
	c, err := New(store.NewGuardFor(mem, logging.Discard("store")), opts...)
	require.NoError(t, err)
	return c, mem
}

// countingProducer returns a producer that records each invocation.
func countingProducer(calls *atomic.Int32) Producer[pageArgs, pageSummary] {
	return func(ctx context.Context, args pageArgs) (pageSummary, error) {
		calls.Add(1)
		return pageSummary{Title: "Page " + args.URL, Links: []string{args.URL + "/a"}}, nil
	}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestWrapCachesSuccess(t *testing.T) {
	c, mem := newTestCache(t)
	var calls atomic.Int32
	summarize := Wrap(c, "summarize", 10*time.Second, countingProducer(&calls))
	ctx := context.Background()

	first, err := summarize(ctx, pageArgs{URL: "https://example.com", Depth: 1})
	require.NoError(t, err)
	second, err := summarize(ctx, pageArgs{URL: "https://example.com", Depth: 1})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "Page https://example.com", second.Title)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, mem.Len())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Invocations)
	assert.Equal(t, int64(0), stats.Waiting)
}

func TestWrapDistinctArgumentsDistinctEntries(t *testing.T) {
	c, mem := newTestCache(t)
	var calls atomic.Int32
	summarize := Wrap(c, "summarize", NoExpiry, countingProducer(&calls))
	ctx := context.Background()

	_, err := summarize(ctx, pageArgs{URL: "https://a.test"})
	require.NoError(t, err)
	_, err = summarize(ctx, pageArgs{URL: "https://b.test"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, mem.Len())
}

func TestWrapNamespacesAreIsolated(t *testing.T) {
	c, _ := newTestCache(t)
	var calls atomic.Int32
	producer := countingProducer(&calls)
	a := Wrap(c, "summarize", NoExpiry, producer)
	b := Wrap(c, "outline", NoExpiry, producer)
	ctx := context.Background()

	_, err := a(ctx, pageArgs{URL: "https://a.test"})
	require.NoError(t, err)
	_, err = b(ctx, pageArgs{URL: "https://a.test"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestWrapCoalescesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t)
	release := make(chan struct{})
	var calls atomic.Int32
	slow := Wrap(c, "fingerprint", 10*time.Second, func(ctx context.Context, url string) (string, error) {
		calls.Add(1)
		<-release
		return "jupyter", nil
	})

	const callers = 5
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = slow(context.Background(), "https://notebook.test")
		}(i)
	}

	require.Eventually(t, func() bool {
		return c.Stats().Waiting == callers
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "jupyter", results[i])
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(0), c.Stats().Waiting)
}

func TestWrapCoalescedFailureReachesEveryCaller(t *testing.T) {
	c, mem := newTestCache(t)
	release := make(chan struct{})
	var calls atomic.Int32
	boom := errors.New("page crashed")
	flaky := Wrap(c, "fingerprint", 10*time.Second, func(ctx context.Context, url string) (string, error) {
		if calls.Add(1) == 1 {
			<-release
			return "", boom
		}
		return "colab", nil
	})

	const callers = 3
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = flaky(context.Background(), "https://notebook.test")
		}(i)
	}

	require.Eventually(t, func() bool {
		return c.Stats().Waiting == callers
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 0, mem.Len(), "failures are not cached")

	// The next call retries instead of replaying the failure.
	v, err := flaky(context.Background(), "https://notebook.test")
	require.NoError(t, err)
	assert.Equal(t, "colab", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWrapTTL(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, WithClock(clock.Now))
	var calls atomic.Int32
	summarize := Wrap(c, "summarize", time.Second, countingProducer(&calls))
	ctx := context.Background()
	args := pageArgs{URL: "https://example.com"}

	_, err := summarize(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(500 * time.Millisecond)
	_, err = summarize(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "entry is still fresh")

	clock.Advance(time.Second)
	_, err = summarize(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "entry expired")

	// The recomputed entry carries the new creation time.
	clock.Advance(500 * time.Millisecond)
	_, err = summarize(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWrapExpiryBoundaryIsExclusive(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, WithClock(clock.Now))
	var calls atomic.Int32
	summarize := Wrap(c, "summarize", time.Second, countingProducer(&calls))
	ctx := context.Background()

	_, err := summarize(ctx, pageArgs{URL: "x"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = summarize(ctx, pageArgs{URL: "x"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestWrapNegativeTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, WithClock(clock.Now))
	var calls atomic.Int32
	summarize := Wrap(c, "summarize", NoExpiry, countingProducer(&calls))
	ctx := context.Background()

	_, err := summarize(ctx, pageArgs{URL: "x"})
	require.NoError(t, err)
	clock.Advance(365 * 24 * time.Hour)
	_, err = summarize(ctx, pageArgs{URL: "x"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
}

func TestWrapZeroTTLAlwaysRecomputes(t *testing.T) {
	c, _ := newTestCache(t)
	var calls atomic.Int32
	summarize := Wrap(c, "summarize", 0, countingProducer(&calls))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := summarize(ctx, pageArgs{URL: "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestWrapIgnoresUnknownSchemaVersion(t *testing.T) {
	c, mem := newTestCache(t)
	ctx := context.Background()
	key, err := DeriveKey("summarize", pageArgs{URL: "x"})
	require.NoError(t, err)

	stale, _ := json.Marshal(pageSummary{Title: "from an older layout"})
	require.NoError(t, mem.Put(ctx, key, store.Entry{
		Version:   store.SchemaVersion + 1,
		Data:      stale,
		CreatedAt: time.Now().UnixMilli(),
	}))

	var calls atomic.Int32
	summarize := Wrap(c, "summarize", NoExpiry, countingProducer(&calls))
	got, err := summarize(ctx, pageArgs{URL: "x"})
	require.NoError(t, err)

	assert.Equal(t, "Page x", got.Title)
	assert.Equal(t, int32(1), calls.Load())

	e, err := mem.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.SchemaVersion, e.Version, "entry is rewritten with the current version")
}

func TestWrapIgnoresUndecodableEntry(t *testing.T) {
	c, mem := newTestCache(t)
	ctx := context.Background()
	key, err := DeriveKey("summarize", pageArgs{URL: "x"})
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, key, store.Entry{
		Version:   store.SchemaVersion,
		Data:      json.RawMessage(`"not a summary"`),
		CreatedAt: time.Now().UnixMilli(),
	}))

	var calls atomic.Int32
	summarize := Wrap(c, "summarize", NoExpiry, countingProducer(&calls))
	_, err = summarize(ctx, pageArgs{URL: "x"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWrapWithUnavailableStore(t *testing.T) {
	var buf bytes.Buffer
	guard := store.NewGuard(func(context.Context) (store.Store, error) {
		return nil, errors.New("storage disabled")
	}, logging.NewWriterLogger("store", &buf))
	c, err := New(guard, WithLogger(logging.Discard("cache")))
	require.NoError(t, err)

	var calls atomic.Int32
	summarize := Wrap(c, "summarize", NoExpiry, countingProducer(&calls))
	for i := 0; i < 3; i++ {
		got, err := summarize(context.Background(), pageArgs{URL: "x"})
		require.NoError(t, err)
		assert.Equal(t, "Page x", got.Title)
	}

	assert.Equal(t, int32(3), calls.Load(), "every call is a miss")
	assert.Equal(t, int64(3), c.Stats().Misses)
}

func TestWrapUnserializableArgumentsBypass(t *testing.T) {
	var buf bytes.Buffer
	c, mem := newTestCache(t, WithLogger(logging.NewWriterLogger("cache", &buf)))
	var calls atomic.Int32
	withCallback := Wrap(c, "callback", NoExpiry, func(ctx context.Context, fn func()) (int, error) {
		calls.Add(1)
		return 7, nil
	})

	for i := 0; i < 2; i++ {
		v, err := withCallback(context.Background(), func() {})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, mem.Len())
	assert.Contains(t, buf.String(), "Bypassing cache")
}

func TestWithBypass(t *testing.T) {
	c, mem := newTestCache(t, WithBypass("planner.*", "debug"))
	var calls atomic.Int32
	plan := Wrap(c, "planner.plan", NoExpiry, countingProducer(&calls))
	fingerprint := Wrap(c, "fingerprint", NoExpiry, countingProducer(&calls))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := plan(ctx, pageArgs{URL: "x"})
		require.NoError(t, err)
		_, err = fingerprint(ctx, pageArgs{URL: "x"})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, mem.Len())
	assert.True(t, c.Bypassed("debug"))
	assert.False(t, c.Bypassed("planner"))
}

func TestWithBypassInvalidPattern(t *testing.T) {
	_, err := New(store.NewGuardFor(store.NewMemoryStore(), nil), WithBypass("[unterminated"))
	assert.ErrorContains(t, err, "invalid bypass pattern")
}

func TestWithRunnerRoutesInvocations(t *testing.T) {
	sched := scheduler.New(1, scheduler.WithLogger(logging.Discard("scheduler")))
	c, _ := newTestCache(t, WithRunner(sched))

	release := make(chan struct{})
	started := make(chan string, 2)
	producer := func(ctx context.Context, url string) (string, error) {
		started <- url
		<-release
		return "done " + url, nil
	}
	a := Wrap(c, "a", NoExpiry, producer)
	b := Wrap(c, "b", NoExpiry, producer)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = a(context.Background(), "one")
	}()
	<-started
	go func() {
		defer wg.Done()
		_, _ = b(context.Background(), "two")
	}()

	require.Eventually(t, func() bool {
		return sched.Stats().Queued == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, sched.Stats().Active)

	close(release)
	wg.Wait()
	assert.Equal(t, "two", <-started)
	assert.Equal(t, scheduler.Stats{Active: 0, Queued: 0, MaxConcurrent: 1}, sched.Stats())
}

func TestInvalidateAndClear(t *testing.T) {
	c, mem := newTestCache(t)
	var calls atomic.Int32
	summarize := Wrap(c, "summarize", NoExpiry, countingProducer(&calls))
	ctx := context.Background()

	_, err := summarize(ctx, pageArgs{URL: "x"})
	require.NoError(t, err)
	_, err = summarize(ctx, pageArgs{URL: "y"})
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "summarize", pageArgs{URL: "x"}))
	assert.Equal(t, 1, mem.Len())
	_, err = summarize(ctx, pageArgs{URL: "x"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	c.Clear(ctx)
	assert.Equal(t, 0, mem.Len())

	assert.Error(t, c.Invalidate(ctx, "", pageArgs{}))
}

func TestCancelledFirstCallerKeepsCacheEnabled(t *testing.T) {
	mem := store.NewMemoryStore()
	guard := store.NewGuard(func(ctx context.Context) (store.Store, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return mem, nil
	}, logging.Discard("store"))
	c, err := New(guard, WithLogger(logging.Discard("cache")))
	require.NoError(t, err)

	var calls atomic.Int32
	summarize := Wrap(c, "summarize", time.Minute, countingProducer(&calls))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = summarize(cancelled, pageArgs{URL: "https://example.com"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := summarize(context.Background(), pageArgs{URL: "https://example.com"})
		require.NoError(t, err)
	}
	assert.True(t, guard.Available(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

// staticRunner answers every submission with a fixed value.
type staticRunner struct {
	value any
}

func (r staticRunner) Submit(ctx context.Context, _ scheduler.Task) (any, error) {
	return r.value, nil
}

func TestRunnerResultOfWrongTypeIsAnError(t *testing.T) {
	c, mem := newTestCache(t, WithRunner(staticRunner{value: 42}))
	summarize := Wrap(c, "summarize", time.Minute, countingProducer(new(atomic.Int32)))

	_, err := summarize(context.Background(), pageArgs{URL: "https://example.com"})
	assert.ErrorContains(t, err, "result type int")
	assert.Equal(t, 0, mem.Len(), "mismatched results are not stored")
}

func TestAsResult(t *testing.T) {
	s, err := asResult[pageSummary]("summarize", pageSummary{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", s.Title)

	n, err := asResult[int]("summarize", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = asResult[int]("summarize", pageSummary{})
	assert.ErrorContains(t, err, "cache: summarize: result type cache.pageSummary, want int")
}
