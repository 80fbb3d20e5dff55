// Package oracle implements the fail-closed dual-source price oracle:
// schema validation, per-pair bounds, per-source backoff, TTL-bounded
// caching, and the "no valid price => do not trade" invariant. Grounded
// on the teacher's indexer/orderbook_fetcher.go (websocket reconnect with
// backoff, in-memory latest-value cache) and indexer/pyth_price_stream.go
// (SSE fallback reconnect loop), and on the dual-source/TTL/rate-limited
// pattern of the original hybrid_market_data.py + coingecko_adapter.py.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyzlo-labs/scalper-core/internal/types"
)

// Source is a pluggable price feed capability. Fetch must return a
// schema-validated price and the time it was captured; it must never
// fabricate or interpolate a value.
type Source interface {
	Fetch(ctx context.Context, pair types.Pair) (price decimal.Decimal, capturedAt time.Time, err error)
}

type cacheEntry struct {
	point types.PricePoint
}

// Oracle is the dual-source fail-closed price provider.
type Oracle struct {
	primary   Source
	secondary Source
	ttl       time.Duration
	bounds    map[string]types.Bounds

	primaryBackoffWindow   time.Duration
	secondaryBackoffWindow time.Duration

	mu                 sync.Mutex
	cache              map[string]cacheEntry
	primaryBackoffAt   map[string]time.Time
	secondaryBackoffAt map[string]time.Time
}

// Option configures backoff windows; defaults match the design notes in
// spec section 4.1 (no explicit default given, 30s is a conservative
// choice matching the teacher's orderbook worker backoff cap).
type Option func(*Oracle)

// WithBackoffWindows overrides the default per-source 429/throttle
// backoff durations.
func WithBackoffWindows(primary, secondary time.Duration) Option {
	return func(o *Oracle) {
		o.primaryBackoffWindow = primary
		o.secondaryBackoffWindow = secondary
	}
}

// New builds an Oracle. bounds must contain an entry for every pair this
// oracle will ever be asked about; a missing entry is a configuration bug
// and is caught at config-load time, not here.
func New(primary, secondary Source, ttl time.Duration, bounds map[string]types.Bounds, opts ...Option) *Oracle {
	o := &Oracle{
		primary:                primary,
		secondary:              secondary,
		ttl:                    ttl,
		bounds:                 bounds,
		primaryBackoffWindow:   30 * time.Second,
		secondaryBackoffWindow: 30 * time.Second,
		cache:                  make(map[string]cacheEntry),
		primaryBackoffAt:       make(map[string]time.Time),
		secondaryBackoffAt:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result is the outcome of a Get call: exactly one of Point is valid or
// Reason explains why not. StaleCache is set when Point is returned past
// its TTL as a last resort; callers must treat StaleCache=true as
// ineligible for trading decisions even though a PricePoint is present.
type Result struct {
	Point      types.PricePoint
	Ok         bool
	StaleCache bool
	Reason     string
}

// Get implements the contract in spec section 4.1: try cache, then
// primary, then secondary, then stale cache, then fail closed.
func (o *Oracle) Get(ctx context.Context, pair types.Pair) Result {
	now := time.Now()
	id := pair.ID()

	o.mu.Lock()
	cached, hasCached := o.cache[id]
	o.mu.Unlock()
	if hasCached && cached.point.Valid(now, o.ttl) {
		return Result{Point: cached.point, Ok: true}
	}

	bounds, hasBounds := o.bounds[id]
	if !hasBounds {
		return o.failClosed(now, cached, hasCached, fmt.Sprintf("no bounds configured for %s", id))
	}

	var reasons []string

	if pt, ok, reason := o.tryFetch(ctx, pair, o.primary, types.SourcePrimary, bounds, now, o.primaryBackoffAt, o.primaryBackoffWindow); ok {
		o.store(id, pt)
		return Result{Point: pt, Ok: true}
	} else if reason != "" {
		reasons = append(reasons, "primary:"+reason)
	}

	if pt, ok, reason := o.tryFetch(ctx, pair, o.secondary, types.SourceSecondary, bounds, now, o.secondaryBackoffAt, o.secondaryBackoffWindow); ok {
		o.store(id, pt)
		return Result{Point: pt, Ok: true}
	} else if reason != "" {
		reasons = append(reasons, "secondary:"+reason)
	}

	joined := ""
	for i, r := range reasons {
		if i > 0 {
			joined += "; "
		}
		joined += r
	}
	return o.failClosed(now, cached, hasCached, joined)
}

func (o *Oracle) failClosed(now time.Time, cached cacheEntry, hasCached bool, reason string) Result {
	if hasCached {
		return Result{Point: cached.point, Ok: false, StaleCache: true, Reason: fmt.Sprintf("stale_cache:age=%s", now.Sub(cached.point.CapturedAt))}
	}
	return Result{Ok: false, Reason: reason}
}

func (o *Oracle) tryFetch(
	ctx context.Context,
	pair types.Pair,
	src Source,
	sourceLabel types.PriceSource,
	bounds types.Bounds,
	now time.Time,
	backoffAt map[string]time.Time,
	backoffWindow time.Duration,
) (types.PricePoint, bool, string) {
	if src == nil {
		return types.PricePoint{}, false, "not configured"
	}

	id := pair.ID()
	o.mu.Lock()
	until, inBackoff := backoffAt[id]
	o.mu.Unlock()
	if inBackoff && now.Before(until) {
		return types.PricePoint{}, false, fmt.Sprintf("backoff_until:%s", until)
	}

	price, capturedAt, err := src.Fetch(ctx, pair)
	if err != nil {
		if isThrottled(err) {
			o.mu.Lock()
			backoffAt[id] = now.Add(backoffWindow)
			o.mu.Unlock()
		}
		return types.PricePoint{}, false, err.Error()
	}

	if !price.IsPositive() {
		return types.PricePoint{}, false, "schema: non-positive price"
	}
	if !bounds.Contains(price) {
		return types.PricePoint{}, false, fmt.Sprintf("out_of_bounds:%s", price.String())
	}
	if capturedAt.IsZero() {
		capturedAt = now
	}
	if age := now.Sub(capturedAt); age > o.ttl {
		return types.PricePoint{}, false, fmt.Sprintf("stale:age=%s", age)
	}

	return types.PricePoint{
		Pair:          pair,
		Price:         price,
		CapturedAt:    capturedAt,
		Source:        sourceLabel,
		BaseDecimals:  pair.BaseDecimals,
		QuoteDecimals: pair.QuoteDecimals,
	}, true, ""
}

func (o *Oracle) store(id string, pt types.PricePoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[id] = cacheEntry{point: pt}
}

// throttled is a narrow interface errors can implement to signal a 429 /
// rate-limit condition distinctly from other failures.
type throttled interface {
	Throttled() bool
}

func isThrottled(err error) bool {
	if t, ok := err.(throttled); ok {
		return t.Throttled()
	}
	return false
}
