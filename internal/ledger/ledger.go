// Package ledger persists detected threats in the shared store so every
// service instance sees the same recent history. Entries are id-keyed in
// a hash with a separate time index, which keeps resolution a targeted
// field update instead of a scan.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-sec/aegis/internal/clock"
	"github.com/aegis-sec/aegis/internal/keystore"
	"github.com/aegis-sec/aegis/internal/threat"
)

const (
	hashKey  = "security:threats:byid"
	indexKey = "security:threats:index"

	retention  = 24 * time.Hour
	maxEntries = 1000
)

// BlockCounter reports the number of active security blocks. Implemented
// by the block registry.
type BlockCounter interface {
	CountBlocked(ctx context.Context) (int, error)
}

// Stats is the monitoring snapshot served to operators.
type Stats struct {
	BlockedCount      int            `json:"blocked_count"`
	ActiveThreatCount int            `json:"active_threat_count"`
	ThreatsByType     map[string]int `json:"threats_by_type"`
	TopSources        []SourceCount  `json:"top_sources"`
}

// SourceCount pairs a threat source with its occurrence count.
type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// Ledger is the shared threat history.
type Ledger struct {
	store  keystore.Store
	clock  clock.Clock
	blocks BlockCounter
	logger *zap.Logger
}

// New constructs a Ledger. blocks may be nil; Stats then reports zero
// active blocks.
func New(store keystore.Store, clk clock.Clock, blocks BlockCounter, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, clock: clk, blocks: blocks, logger: logger}
}

// Record appends a threat to the history, refreshes the retention TTL,
// and trims the history to its size bound, oldest entries first.
func (l *Ledger) Record(ctx context.Context, t *threat.Threat) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding threat %s: %w", t.ID, err)
	}
	if err := l.store.HSet(ctx, hashKey, t.ID, string(raw)); err != nil {
		return fmt.Errorf("recording threat %s: %w", t.ID, err)
	}
	if err := l.store.ZAdd(ctx, indexKey, float64(t.Timestamp.UnixMilli()), t.ID); err != nil {
		return fmt.Errorf("indexing threat %s: %w", t.ID, err)
	}
	if err := l.store.Expire(ctx, hashKey, retention); err != nil {
		return err
	}
	if err := l.store.Expire(ctx, indexKey, retention); err != nil {
		return err
	}
	return l.trim(ctx)
}

// trim drops the oldest entries beyond maxEntries from both the index
// and the hash.
func (l *Ledger) trim(ctx context.Context) error {
	n, err := l.store.ZCard(ctx, indexKey)
	if err != nil {
		return err
	}
	excess := n - maxEntries
	if excess <= 0 {
		return nil
	}
	oldest, err := l.store.ZRangeWithScores(ctx, indexKey, 0, excess-1)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(oldest))
	for _, m := range oldest {
		ids = append(ids, m.Value)
	}
	if len(ids) > 0 {
		if err := l.store.HDel(ctx, hashKey, ids...); err != nil {
			return err
		}
	}
	return l.store.ZRemRangeByRank(ctx, indexKey, 0, excess-1)
}

// Active returns unresolved threats, most recent first, up to limit.
// limit <= 0 means no limit.
func (l *Ledger) Active(ctx context.Context, limit int) ([]*threat.Threat, error) {
	all, err := l.recent(ctx)
	if err != nil {
		return nil, err
	}
	var out []*threat.Threat
	for _, t := range all {
		if t.Resolved {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Recent returns the full retained history, most recent first, up to
// limit. limit <= 0 means no limit.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]*threat.Threat, error) {
	all, err := l.recent(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (l *Ledger) recent(ctx context.Context) ([]*threat.Threat, error) {
	index, err := l.store.ZRangeWithScores(ctx, indexKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading threat index: %w", err)
	}
	out := make([]*threat.Threat, 0, len(index))
	for i := len(index) - 1; i >= 0; i-- {
		id := index[i].Value
		raw, ok, err := l.store.HGet(ctx, hashKey, id)
		if err != nil {
			return nil, fmt.Errorf("reading threat %s: %w", id, err)
		}
		if !ok {
			continue
		}
		var t threat.Threat
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			// A corrupt entry should not hide the rest of the history.
			l.logger.Warn("skipping undecodable threat record", zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

// Resolve marks a threat as handled. The transition is one-way and
// idempotent; resolving an unknown id reports false.
func (l *Ledger) Resolve(ctx context.Context, id string) (bool, error) {
	raw, ok, err := l.store.HGet(ctx, hashKey, id)
	if err != nil {
		return false, fmt.Errorf("reading threat %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	var t threat.Threat
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return false, fmt.Errorf("decoding threat %s: %w", id, err)
	}
	if t.Resolved {
		return true, nil
	}
	t.Resolved = true
	updated, err := json.Marshal(&t)
	if err != nil {
		return false, fmt.Errorf("encoding threat %s: %w", id, err)
	}
	if err := l.store.HSet(ctx, hashKey, id, string(updated)); err != nil {
		return false, fmt.Errorf("resolving threat %s: %w", id, err)
	}
	l.logger.Info("threat resolved", zap.String("id", id), zap.String("type", string(t.Type)))
	return true, nil
}

// Metrics aggregates the retained history into a monitoring snapshot.
func (l *Ledger) Metrics(ctx context.Context) (*Stats, error) {
	all, err := l.recent(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ThreatsByType: make(map[string]int)}
	bySource := make(map[string]int)
	for _, t := range all {
		stats.ThreatsByType[string(t.Type)]++
		bySource[t.Source]++
		if !t.Resolved {
			stats.ActiveThreatCount++
		}
	}

	for src, n := range bySource {
		stats.TopSources = append(stats.TopSources, SourceCount{Source: src, Count: n})
	}
	sort.Slice(stats.TopSources, func(i, j int) bool {
		if stats.TopSources[i].Count != stats.TopSources[j].Count {
			return stats.TopSources[i].Count > stats.TopSources[j].Count
		}
		return stats.TopSources[i].Source < stats.TopSources[j].Source
	})
	if len(stats.TopSources) > 10 {
		stats.TopSources = stats.TopSources[:10]
	}

	if l.blocks != nil {
		n, err := l.blocks.CountBlocked(ctx)
		if err != nil {
			return nil, err
		}
		stats.BlockedCount = n
	}
	return stats, nil
}
