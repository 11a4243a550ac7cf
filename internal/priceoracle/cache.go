// Package priceoracle implements the native price cache: a warm,
// background-refreshed, priority-aware memoisation layer in front of a
// pluggable price estimator backend.
package priceoracle

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relaymesh/coresettle/internal/metrics"
)

// Transient errors are never cached; terminal errors are cached for the
// entry's lifetime alongside Ok results.
var (
	ErrNoLiquidity         = errors.New("no liquidity for token")
	ErrUnsupportedToken    = errors.New("unsupported token")
	ErrRateLimited         = errors.New("price estimator rate limited")
	ErrEstimatorInternal   = errors.New("price estimator internal error")
	ErrProtocolInternal    = errors.New("protocol internal error")
	ErrUnsupportedOrderType = errors.New("unsupported order type")
)

func errorKind(err error) metrics.ErrorKind {
	switch {
	case err == nil:
		return metrics.ErrorKindNone
	case errors.Is(err, ErrNoLiquidity):
		return metrics.ErrorKindNoLiquidity
	case errors.Is(err, ErrUnsupportedToken):
		return metrics.ErrorKindUnsupportedToken
	case errors.Is(err, ErrRateLimited):
		return metrics.ErrorKindRateLimited
	case errors.Is(err, ErrEstimatorInternal):
		return metrics.ErrorKindEstimatorInternal
	case errors.Is(err, ErrProtocolInternal):
		return metrics.ErrorKindProtocolInternal
	case errors.Is(err, ErrUnsupportedOrderType):
		return metrics.ErrorKindUnsupportedOrder
	default:
		return metrics.ErrorKindEstimatorInternal
	}
}

// cacheable reports whether err belongs to the terminal set that may be
// memoised. Transient errors (rate limiting, infra failures) must never
// poison the entry.
func cacheable(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, ErrNoLiquidity) || errors.Is(err, ErrUnsupportedToken)
}

// Estimator is the pluggable price-estimation backend. Implementations
// may be slow (hit an external venue) and are always called with a
// caller-respecting context.
type Estimator interface {
	EstimateNativePrice(ctx context.Context, token common.Address) (float64, error)
}

type entry struct {
	price       float64
	err         error
	updatedAt   time.Time
	requestedAt time.Time
}

func (e entry) fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.updatedAt) < maxAge
}

// sentinel marks an entry inserted purely to signal the background loop;
// it must never be handed back to a caller of GetCachedPrices.
func (e entry) sentinel(maxAge time.Duration) bool {
	return e.err == nil && e.price == 0 && e.updatedAt.Equal(e.requestedAt.Add(-maxAge))
}

// Option configures a Cache at construction time.
type Option func(*Cache)

func WithMaxAge(d time.Duration) Option        { return func(c *Cache) { c.maxAge = d } }
func WithPrefetchTime(d time.Duration) Option  { return func(c *Cache) { c.prefetchTime = d } }
func WithUpdateInterval(d time.Duration) Option { return func(c *Cache) { c.updateInterval = d } }
func WithUpdateSize(n int) Option              { return func(c *Cache) { c.updateSize = n } }
func WithConcurrentRequests(n int) Option      { return func(c *Cache) { c.concurrentRequests = n } }
func WithMaxEntries(n int) Option              { return func(c *Cache) { c.maxEntries = n } }
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Cache) { c.limiter = rate.NewLimiter(r, burst) }
}
func WithMetrics(h *metrics.Handle) Option { return func(c *Cache) { c.metrics = h } }
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// Cache is the native price cache described in the core's design. Zero
// value is not usable; construct with New.
type Cache struct {
	estimator Estimator
	metrics   *metrics.Handle
	limiter   *rate.Limiter
	now       func() time.Time

	maxAge             time.Duration
	prefetchTime       time.Duration
	updateInterval     time.Duration
	updateSize         int // 0 = unbounded
	concurrentRequests int
	maxEntries         int // 0 = unbounded

	mu            sync.Mutex
	entries       map[common.Address]entry
	highPriority  map[common.Address]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	shutdown atomic.Bool
}

// New constructs a Cache backed by estimator. update_size defaults to
// unbounded; max_entries defaults to 10000 so an unbounded token universe
// can't grow the cache without limit, evicting the least recently
// requested entry once the bound is reached.
func New(estimator Estimator, opts ...Option) *Cache {
	c := &Cache{
		estimator:          estimator,
		now:                time.Now,
		maxAge:             30 * time.Minute,
		prefetchTime:       time.Minute,
		updateInterval:     30 * time.Second,
		concurrentRequests: 4,
		maxEntries:         10_000,
		entries:            make(map[common.Address]entry),
		highPriority:       make(map[common.Address]struct{}),
		stop:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EstimateNativePrice returns the fresh cached price for token, or calls
// through to the backend and applies the caching policy. Unlike
// GetCachedPrices this may block on the backend call.
func (c *Cache) EstimateNativePrice(ctx context.Context, token common.Address) (float64, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[token]; ok && e.fresh(now, c.maxAge) && !e.sentinel(c.maxAge) {
		c.mu.Unlock()
		c.metrics.ObserveCacheLookup(true)
		return e.price, e.err
	}
	c.mu.Unlock()

	c.metrics.ObserveCacheLookup(false)
	price, err := c.estimator.EstimateNativePrice(ctx, token)
	c.metrics.ObserveCacheError(errorKind(err))

	// Compute first, insert under lock second: a cancelled caller must
	// never leave the entry half-written.
	if cacheable(err) {
		c.insert(token, entry{price: price, err: err, updatedAt: now, requestedAt: now})
	} else if errors.Is(err, ErrUnsupportedOrderType) {
		log.Printf("priceoracle: unexpected UnsupportedOrderType for %s, not caching", token)
	}
	return price, err
}

// GetCachedPrices never blocks: it returns only fresh, non-sentinel
// entries, and inserts a stale sentinel for every token that missed so
// the background loop picks it up on the next tick.
func (c *Cache) GetCachedPrices(tokens []common.Address) map[common.Address]CachedResult {
	now := c.now()
	out := make(map[common.Address]CachedResult, len(tokens))

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, token := range tokens {
		e, ok := c.entries[token]
		if ok && e.fresh(now, c.maxAge) && !e.sentinel(c.maxAge) {
			out[token] = CachedResult{Price: e.price, Err: e.err, UpdatedAt: e.updatedAt}
			e.requestedAt = now
			c.entries[token] = e
			continue
		}
		c.setLocked(token, entry{
			price:       0,
			err:         nil,
			updatedAt:   now.Add(-c.maxAge),
			requestedAt: now,
		})
	}
	return out
}

// CachedResult is the public view of a cache entry returned by
// GetCachedPrices.
type CachedResult struct {
	Price     float64
	Err       error
	UpdatedAt time.Time
}

// ReplaceHighPriority atomically swaps the set of tokens the background
// loop should refresh first.
func (c *Cache) ReplaceHighPriority(tokens []common.Address) {
	next := make(map[common.Address]struct{}, len(tokens))
	for _, t := range tokens {
		next[t] = struct{}{}
	}
	c.mu.Lock()
	c.highPriority = next
	c.mu.Unlock()
}

func (c *Cache) insert(token common.Address, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(token, e)
}

// setLocked writes the entry and, if the bound is exceeded, evicts the
// entry with the oldest requestedAt. Must be called with c.mu held.
func (c *Cache) setLocked(token common.Address, e entry) {
	c.entries[token] = e
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		c.metrics.SetCacheSize(len(c.entries))
		return
	}
	var oldestToken common.Address
	var oldestAt time.Time
	first := true
	for tok, ent := range c.entries {
		if first || ent.requestedAt.Before(oldestAt) {
			oldestToken, oldestAt, first = tok, ent.requestedAt, false
		}
	}
	if oldestToken != token || len(c.entries) > c.maxEntries {
		delete(c.entries, oldestToken)
	}
	c.metrics.SetCacheSize(len(c.entries))
}

// Run starts the background refresh loop and blocks until ctx is
// cancelled or Close is called, whichever happens first.
func (c *Cache) Run(ctx context.Context) {
	for {
		start := c.now()
		if err := c.refreshOnce(ctx); err != nil {
			log.Printf("priceoracle: refresh cycle error: %v", err)
		}
		elapsed := c.now().Sub(start)
		sleep := c.updateInterval - elapsed
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-time.After(sleep):
		}
	}
}

// Close stops the background loop. Idempotent.
func (c *Cache) Close() {
	c.shutdown.Store(true)
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) refreshOnce(ctx context.Context) error {
	effectiveMaxAge := c.maxAge - c.prefetchTime
	if effectiveMaxAge < 0 {
		effectiveMaxAge = 0
	}
	now := c.now()

	type candidate struct {
		token       common.Address
		highPrio    bool
		requestedAt time.Time
	}
	var candidates []candidate

	c.mu.Lock()
	for token, e := range c.entries {
		if now.Sub(e.updatedAt) <= effectiveMaxAge {
			continue
		}
		_, hp := c.highPriority[token]
		candidates = append(candidates, candidate{token: token, highPrio: hp, requestedAt: e.requestedAt})
	}
	c.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].highPrio != candidates[j].highPrio {
			return candidates[i].highPrio
		}
		return candidates[i].requestedAt.After(candidates[j].requestedAt)
	})

	if c.updateSize > 0 && len(candidates) > c.updateSize {
		candidates = candidates[:c.updateSize]
	}

	g, gctx := errgroup.WithContext(ctx)
	if c.concurrentRequests > 0 {
		g.SetLimit(c.concurrentRequests)
	}
	for _, cand := range candidates {
		token := cand.token
		g.Go(func() error {
			if c.limiter != nil {
				if err := c.limiter.Wait(gctx); err != nil {
					return nil
				}
			}
			c.singleUpdate(gctx, token)
			return nil
		})
	}
	return g.Wait()
}

// singleUpdate re-checks the cache (another caller may have already
// refreshed this token) before dispatching the backend call.
func (c *Cache) singleUpdate(ctx context.Context, token common.Address) {
	now := c.now()
	effectiveMaxAge := c.maxAge - c.prefetchTime
	if effectiveMaxAge < 0 {
		effectiveMaxAge = 0
	}

	c.mu.Lock()
	if e, ok := c.entries[token]; ok && now.Sub(e.updatedAt) <= effectiveMaxAge {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	price, err := c.estimator.EstimateNativePrice(ctx, token)
	c.metrics.ObserveCacheError(errorKind(err))
	if !cacheable(err) {
		if errors.Is(err, ErrUnsupportedOrderType) {
			log.Printf("priceoracle: unexpected UnsupportedOrderType for %s during refresh", token)
		}
		return
	}
	c.mu.Lock()
	if e, ok := c.entries[token]; ok {
		c.setLocked(token, entry{price: price, err: err, updatedAt: now, requestedAt: e.requestedAt})
	} else {
		c.setLocked(token, entry{price: price, err: err, updatedAt: now, requestedAt: now})
	}
	c.mu.Unlock()
}
