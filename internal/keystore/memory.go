package keystore

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aegis-sec/aegis/internal/clock"
)

// MemoryStore is an in-memory implementation of Store backed by maps.
// It uses a Clock for expiration checks, enabling virtual-time testing
// of window expiry and block TTLs. Thread-safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memItem
	clock clock.Clock
}

type memItem struct {
	value     string
	zset      map[string]float64
	hash      map[string]string
	list      []string
	expiresAt time.Time // zero value means no expiration
}

// NewMemoryStore creates an in-memory store using the given clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*memItem),
		clock: c,
	}
}

// live returns the item for key, treating expired entries as absent.
// Must be called with s.mu held.
func (s *MemoryStore) live(key string) (*memItem, bool) {
	item, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && !s.clock.Now().Before(item.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return item, true
}

func (s *MemoryStore) upsert(key string, ttl time.Duration) *memItem {
	item, ok := s.live(key)
	if !ok {
		item = &memItem{}
		if ttl > 0 {
			item.expiresAt = s.clock.Now().Add(ttl)
		}
		s.items[key] = item
	}
	return item
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return item.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := &memItem{value: value}
	if ttl > 0 {
		item.expiresAt = s.clock.Now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.upsert(key, ttl)
	current, _ := strconv.ParseInt(item.value, 10, 64)
	current += delta
	item.value = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.live(key); ok {
		item.expiresAt = s.clock.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) PTTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok || item.expiresAt.IsZero() {
		return 0, false, nil
	}
	return item.expiresAt.Sub(s.clock.Now()), true, nil
}

func (s *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.upsert(key, 0)
	if item.zset == nil {
		item.zset = make(map[string]float64)
	}
	item.zset[member] = score
	return nil
}

func (s *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return nil
	}
	for member, score := range item.zset {
		if score >= min && score <= max {
			delete(item.zset, member)
		}
	}
	return nil
}

func (s *MemoryStore) ZRemRangeByRank(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return nil
	}
	members := sortedMembers(item.zset)
	start, stop = clampRange(start, stop, int64(len(members)))
	for i := start; i <= stop && i < int64(len(members)); i++ {
		delete(item.zset, members[i].Value)
	}
	return nil
}

func (s *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return 0, nil
	}
	return int64(len(item.zset)), nil
}

func (s *MemoryStore) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	members := sortedMembers(item.zset)
	start, stop = clampRange(start, stop, int64(len(members)))
	if start > stop {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (s *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.upsert(key, 0)
	if item.hash == nil {
		item.hash = make(map[string]string)
	}
	item.hash[field] = value
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	val, ok := item.hash[field]
	return val, ok, nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	item, ok := s.live(key)
	if !ok {
		return out, nil
	}
	for k, v := range item.hash {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(item.hash, f)
	}
	return nil
}

func (s *MemoryStore) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.upsert(key, 0)
	for _, v := range values {
		item.list = append([]string{v}, item.list...)
	}
	return nil
}

func (s *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return nil
	}
	start, stop = clampRange(start, stop, int64(len(item.list)))
	if start > stop {
		item.list = nil
		return nil
	}
	item.list = item.list[start : stop+1]
	return nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	start, stop = clampRange(start, stop, int64(len(item.list)))
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, item.list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var keys []string
	for key, item := range s.items {
		if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored keys (including not-yet-swept expired ones).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func sortedMembers(zset map[string]float64) []Member {
	members := make([]Member, 0, len(zset))
	for m, score := range zset {
		members = append(members, Member{Value: m, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Value < members[j].Value
	})
	return members
}

// clampRange resolves negative ranks and clamps to [0, n-1], mirroring
// Redis range semantics.
func clampRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}
