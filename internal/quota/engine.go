// Package quota implements the distributed rate limiting engine:
// a sliding-window counter and a token bucket, both backed exclusively
// by the shared key store so that any number of concurrent service
// instances agree on the same quota state.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegis-sec/aegis/internal/blocklist"
	"github.com/aegis-sec/aegis/internal/clock"
	"github.com/aegis-sec/aegis/internal/keystore"
	"github.com/aegis-sec/aegis/internal/metrics"
)

// tokenBucketTTLMargin pads bucket state expiry beyond a full refill so
// a bucket is only dropped after genuine inactivity.
const tokenBucketTTLMargin = time.Minute

// Engine evaluates quota for (identifier, namespace) pairs. It holds no
// quota state in process: the store is the only synchronization point,
// so the evict-count-insert sequence is deliberately non-transactional
// and concurrent checks may transiently over-admit by up to the
// concurrency degree minus one. That bounded race is accepted in
// exchange for never serializing the request path on a lock.
type Engine struct {
	store   keystore.Store
	blocks  *blocklist.Registry
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Recorder
	prefix  string
}

// Options configures optional engine collaborators.
type Options struct {
	Prefix  string
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// NewEngine constructs an Engine over the shared store and block registry.
func NewEngine(store keystore.Store, blocks *blocklist.Registry, clk clock.Clock, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = blocklist.DefaultPrefix
	}
	return &Engine{
		store:   store,
		blocks:  blocks,
		clock:   clk,
		logger:  logger,
		metrics: opts.Metrics,
		prefix:  prefix,
	}
}

func (e *Engine) requestsKey(p Policy, identifier, namespace string) string {
	prefix := p.KeyPrefix
	if prefix == "" {
		prefix = e.prefix
	}
	return fmt.Sprintf("%s:%s:%s:requests", prefix, namespace, identifier)
}

func bucketKey(identifier, namespace string) string {
	return fmt.Sprintf("tokenbucket:%s:%s", namespace, identifier)
}

// CheckSlidingWindow records one request against the sliding-window
// quota and returns the decision. Store failures of any kind fail open:
// the request is allowed and the outage is visible only in logs and
// metrics, never to the end user.
func (e *Engine) CheckSlidingWindow(ctx context.Context, identifier, namespace string, p Policy) (Result, error) {
	return e.slidingWindow(ctx, identifier, namespace, p, true)
}

// GetStatus is the read-only variant of CheckSlidingWindow: it evicts
// stale entries and reads the current count without consuming quota.
func (e *Engine) GetStatus(ctx context.Context, identifier, namespace string, p Policy) (Result, error) {
	return e.slidingWindow(ctx, identifier, namespace, p, false)
}

func (e *Engine) slidingWindow(ctx context.Context, identifier, namespace string, p Policy, consume bool) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	defer func() { e.metrics.CheckDuration(time.Since(start).Seconds()) }()

	now := e.clock.Now()

	// An existing block short-circuits before the window is touched.
	blocked, ttl, err := e.blocks.IsBlocked(ctx, identifier, namespace)
	if err != nil {
		return e.failOpen(namespace, p, "isblocked", err), nil
	}
	if blocked {
		e.metrics.Check(namespace, metrics.OutcomeBlocked)
		return Result{
			Allowed:    false,
			Limit:      p.MaxRequests,
			Remaining:  0,
			ResetTime:  now.Add(ttl),
			RetryAfter: ttl,
			Blocked:    true,
		}, nil
	}

	key := e.requestsKey(p, identifier, namespace)
	windowStart := now.Add(-p.Window)

	// Evicting stale entries is a correctness requirement, not an
	// optimization: without it old timestamps inflate the count forever.
	// Scores are integer milliseconds; the bound is exclusive of
	// windowStart, so an entry at exactly now-window still counts.
	if err := e.store.ZRemRangeByScore(ctx, key, keystore.NegInf, float64(windowStart.UnixMilli()-1)); err != nil {
		return e.failOpen(namespace, p, "evict", err), nil
	}

	n, err := e.store.ZCard(ctx, key)
	if err != nil {
		return e.failOpen(namespace, p, "count", err), nil
	}

	if n >= int64(p.MaxRequests) {
		if consume && p.BlockDuration > 0 {
			if err := e.blocks.Block(ctx, identifier, namespace, p.BlockDuration, p.Name); err != nil {
				// The deny decision stands even if the block write failed.
				e.logger.Warn("failed to create limit block",
					zap.String("identifier", identifier),
					zap.String("namespace", namespace),
					zap.Error(err))
				e.metrics.StoreFailure("block")
			}
		}
		resetTime := e.resetTime(ctx, key, p.Window, now)
		e.metrics.Check(namespace, metrics.OutcomeDenied)
		return Result{
			Allowed:    false,
			Limit:      p.MaxRequests,
			Remaining:  0,
			ResetTime:  resetTime,
			RetryAfter: resetTime.Sub(now),
		}, nil
	}

	remaining := p.MaxRequests - int(n)
	if consume {
		// uuid member: unique across processes, so two instances
		// admitting at the same instant never collapse into one entry.
		member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
		if err := e.store.ZAdd(ctx, key, float64(now.UnixMilli()), member); err != nil {
			return e.failOpen(namespace, p, "insert", err), nil
		}
		if err := e.store.Expire(ctx, key, p.Window); err != nil {
			return e.failOpen(namespace, p, "expire", err), nil
		}
		remaining--
	}

	e.metrics.Check(namespace, metrics.OutcomeAllowed)
	return Result{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: remaining,
		ResetTime: e.resetTime(ctx, key, p.Window, now),
	}, nil
}

// resetTime computes when the oldest window entry falls off. An empty
// set (or a store error on this read-only lookup) yields now+window.
func (e *Engine) resetTime(ctx context.Context, key string, window time.Duration, now time.Time) time.Time {
	oldest, err := e.store.ZRangeWithScores(ctx, key, 0, 0)
	if err != nil || len(oldest) == 0 {
		return now.Add(window)
	}
	return time.UnixMilli(int64(oldest[0].Score)).Add(window)
}

// tokenBucketState is the serialized per-key bucket.
type tokenBucketState struct {
	Tokens       float64 `json:"tokens"`
	LastRefillMS int64   `json:"last_refill_ms"`
}

// CheckTokenBucket consumes one token from the (identifier, namespace)
// bucket, refilling by elapsed time first. The bucket is created full on
// first use and expires from the store after enough inactivity to have
// refilled completely.
func (e *Engine) CheckTokenBucket(ctx context.Context, identifier, namespace string, tokensPerSecond float64, bucketSize int) (Result, error) {
	if tokensPerSecond <= 0 {
		return Result{}, fmt.Errorf("%w: tokens_per_second must be positive, got %g", ErrInvalidPolicy, tokensPerSecond)
	}
	if bucketSize <= 0 {
		return Result{}, fmt.Errorf("%w: bucket_size must be positive, got %d", ErrInvalidPolicy, bucketSize)
	}

	now := e.clock.Now()
	key := bucketKey(identifier, namespace)

	state := tokenBucketState{Tokens: float64(bucketSize), LastRefillMS: now.UnixMilli()}
	raw, found, err := e.store.Get(ctx, key)
	if err != nil {
		return e.failOpenBucket(namespace, bucketSize, now, tokensPerSecond, "get", err), nil
	}
	if found {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			// Corrupted state is reinitialized, not propagated.
			e.logger.Warn("malformed token bucket state, reinitializing",
				zap.String("key", key), zap.Error(err))
			state = tokenBucketState{Tokens: float64(bucketSize), LastRefillMS: now.UnixMilli()}
		}
	}

	elapsed := time.Duration(now.UnixMilli()-state.LastRefillMS) * time.Millisecond
	tokens := state.Tokens + elapsed.Seconds()*tokensPerSecond
	if tokens > float64(bucketSize) {
		tokens = float64(bucketSize)
	}

	refillAll := time.Duration((float64(bucketSize) - tokens) / tokensPerSecond * float64(time.Second))

	if tokens < 1 {
		retry := time.Duration(math.Ceil((1-tokens)/tokensPerSecond)) * time.Second
		e.metrics.Check(namespace, metrics.OutcomeDenied)
		return Result{
			Allowed:    false,
			Limit:      bucketSize,
			Remaining:  0,
			ResetTime:  now.Add(refillAll),
			RetryAfter: retry,
		}, nil
	}

	tokens--
	state = tokenBucketState{Tokens: tokens, LastRefillMS: now.UnixMilli()}
	payload, _ := json.Marshal(state)

	ttl := time.Duration(float64(bucketSize)/tokensPerSecond*float64(time.Second)) + tokenBucketTTLMargin
	if err := e.store.Set(ctx, key, string(payload), ttl); err != nil {
		return e.failOpenBucket(namespace, bucketSize, now, tokensPerSecond, "set", err), nil
	}

	e.metrics.Check(namespace, metrics.OutcomeAllowed)
	return Result{
		Allowed:   true,
		Limit:     bucketSize,
		Remaining: int(tokens),
		ResetTime: now.Add(time.Duration((float64(bucketSize) - tokens) / tokensPerSecond * float64(time.Second))),
	}, nil
}

// ResetLimit deletes all quota and block state for an (identifier,
// namespace) pair under the given policy, including a window set stored
// under the policy's custom key prefix. Idempotent; store failures are
// logged and swallowed like every other adapter failure.
func (e *Engine) ResetLimit(ctx context.Context, identifier, namespace string, p Policy) error {
	keys := []string{
		e.requestsKey(p, identifier, namespace),
		e.blocks.NamespaceKey(identifier, namespace),
		bucketKey(identifier, namespace),
	}
	if err := e.store.Delete(ctx, keys...); err != nil {
		e.logger.Warn("reset limit failed",
			zap.String("identifier", identifier),
			zap.String("namespace", namespace),
			zap.Error(err))
		e.metrics.StoreFailure("reset")
	}
	return nil
}

// failOpen converts a store failure into an allow decision. Legitimate
// traffic is never blocked because the dependency is down; the outage
// surfaces in operator logs and metrics only.
func (e *Engine) failOpen(namespace string, p Policy, op string, err error) Result {
	e.logger.Warn("quota check degraded: store unavailable, failing open",
		zap.String("namespace", namespace),
		zap.String("op", op),
		zap.Error(err))
	e.metrics.StoreFailure(op)
	return Result{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests,
		ResetTime: e.clock.Now().Add(p.Window),
	}
}

func (e *Engine) failOpenBucket(namespace string, bucketSize int, now time.Time, rate float64, op string, err error) Result {
	e.logger.Warn("token bucket degraded: store unavailable, failing open",
		zap.String("namespace", namespace),
		zap.String("op", op),
		zap.Error(err))
	e.metrics.StoreFailure(op)
	return Result{
		Allowed:   true,
		Limit:     bucketSize,
		Remaining: bucketSize,
		ResetTime: now.Add(time.Duration(float64(bucketSize) / rate * float64(time.Second))),
	}
}
