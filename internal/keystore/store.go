package keystore

import (
	"context"
	"math"
	"time"
)

// Score bounds for ZRemRangeByScore ranges.
var (
	NegInf = math.Inf(-1)
	PosInf = math.Inf(1)
)

// Member is a sorted-set entry.
type Member struct {
	Value string
	Score float64
}

// Store abstracts the external key-value store holding all quota, block
// and threat state. It is the only synchronization point between
// concurrently running aegis instances; there is no in-process shared
// state anywhere above this interface.
//
// Implementations must be safe for concurrent use. All methods return
// the store's error unchanged; callers (quota engine, threat detector)
// own the fail-open conversion.
type Store interface {
	// Get retrieves the value for a key. The second return is false if
	// the key does not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value. A ttl of 0 means no expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Increment atomically adds delta to an integer counter, creating it
	// with the given ttl when absent, and returns the new value.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Expire sets or refreshes a key's ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// PTTL returns the remaining time to live of a key. The second
	// return is false when the key does not exist or has no expiry.
	PTTL(ctx context.Context, key string) (time.Duration, bool, error)

	// ZAdd inserts a member with the given score into a sorted set.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemRangeByScore removes all members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZRemRangeByRank removes members by ascending rank range, both ends
	// inclusive.
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	// ZCard returns the number of members in a sorted set.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRangeWithScores returns members ordered by ascending score for the
	// rank range [start, stop]; stop may be negative to count from the end.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)

	// HSet stores a field in a hash.
	HSet(ctx context.Context, key, field, value string) error

	// HGet retrieves a hash field; false if the field is absent.
	HGet(ctx context.Context, key, field string) (string, bool, error)

	// HGetAll returns every field in a hash. Missing keys yield an empty
	// map, not an error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HDel removes fields from a hash.
	HDel(ctx context.Context, key string, fields ...string) error

	// LPush prepends values to a list.
	LPush(ctx context.Context, key string, values ...string) error

	// LTrim keeps only the list elements in the rank range [start, stop].
	LTrim(ctx context.Context, key string, start, stop int64) error

	// LRange returns list elements in the rank range [start, stop].
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Keys enumerates keys matching a glob pattern. Intended for
	// low-volume administrative queries, not hot paths.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close releases store resources.
	Close() error
}
