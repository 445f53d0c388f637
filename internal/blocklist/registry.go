// Package blocklist manages explicit and automatic temporary blocks,
// shared between the quota engine (limit exceeded) and the threat
// detector (attack pattern escalation). Block state lives entirely in
// the key store; expiry is delegated to key TTLs.
package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-sec/aegis/internal/audit"
	"github.com/aegis-sec/aegis/internal/clock"
	"github.com/aegis-sec/aegis/internal/keystore"
	"github.com/aegis-sec/aegis/internal/metrics"
)

// DefaultPrefix namespaces all rate-limit keys in the store.
const DefaultPrefix = "ratelimit"

// sourcePrefix holds cross-namespace security blocks created by the
// threat detector, distinct from per-namespace rate-limit blocks.
const sourcePrefix = "security:blocked"

// BlockRecord describes one active block.
type BlockRecord struct {
	Identifier string    `json:"identifier"`
	Namespace  string    `json:"namespace,omitempty"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Options configures optional registry collaborators.
type Options struct {
	Prefix  string
	Logger  *zap.Logger
	Metrics *metrics.Recorder
	Audit   audit.Sink
}

// Registry is the block state machine over the shared store.
type Registry struct {
	store   keystore.Store
	clock   clock.Clock
	prefix  string
	logger  *zap.Logger
	metrics *metrics.Recorder
	audit   audit.Sink
}

// NewRegistry constructs a Registry.
func NewRegistry(store keystore.Store, clk clock.Clock, opts Options) *Registry {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var sink audit.Sink = audit.Noop{}
	if opts.Audit != nil {
		sink = opts.Audit
	}
	return &Registry{
		store:   store,
		clock:   clk,
		prefix:  prefix,
		logger:  logger,
		metrics: opts.Metrics,
		audit:   sink,
	}
}

// NamespaceKey returns the block key for an (identifier, namespace) pair.
func (r *Registry) NamespaceKey(identifier, namespace string) string {
	return fmt.Sprintf("%s:%s:%s:blocked", r.prefix, namespace, identifier)
}

func sourceKey(identifier string) string {
	return sourcePrefix + ":" + identifier
}

// Block creates or overwrites a namespace-scoped block.
func (r *Registry) Block(ctx context.Context, identifier, namespace string, d time.Duration, reason string) error {
	if d <= 0 {
		return fmt.Errorf("block duration must be positive, got %s", d)
	}
	rec := r.newRecord(identifier, namespace, d, reason)
	if err := r.write(ctx, r.NamespaceKey(identifier, namespace), rec, d); err != nil {
		return err
	}
	r.metrics.Block(namespace, reason)
	r.emit(ctx, rec)
	return nil
}

// BlockSource creates a cross-namespace security block on an identifier.
// Used by the threat detector to escalate beyond a single policy space.
func (r *Registry) BlockSource(ctx context.Context, identifier string, d time.Duration, reason string) error {
	if d <= 0 {
		return fmt.Errorf("block duration must be positive, got %s", d)
	}
	rec := r.newRecord(identifier, "", d, reason)
	if err := r.write(ctx, sourceKey(identifier), rec, d); err != nil {
		return err
	}
	r.metrics.Block("security", reason)
	r.emit(ctx, rec)
	return nil
}

// Unblock removes a namespace block immediately regardless of remaining
// TTL. Missing blocks are not an error.
func (r *Registry) Unblock(ctx context.Context, identifier, namespace string) error {
	if err := r.store.Delete(ctx, r.NamespaceKey(identifier, namespace)); err != nil {
		return fmt.Errorf("unblock %s/%s: %w", namespace, identifier, err)
	}
	r.metrics.Unblock()
	_ = r.audit.Emit(ctx, audit.Event{
		Kind:        audit.KindUnblock,
		Timestamp:   r.clock.Now(),
		Source:      identifier,
		Namespace:   namespace,
		Description: "block removed by operator",
	})
	return nil
}

// UnblockSource removes a cross-namespace security block.
func (r *Registry) UnblockSource(ctx context.Context, identifier string) error {
	if err := r.store.Delete(ctx, sourceKey(identifier)); err != nil {
		return fmt.Errorf("unblock source %s: %w", identifier, err)
	}
	r.metrics.Unblock()
	_ = r.audit.Emit(ctx, audit.Event{
		Kind:        audit.KindUnblock,
		Timestamp:   r.clock.Now(),
		Source:      identifier,
		Description: "security block removed by operator",
	})
	return nil
}

// IsBlocked reports whether an identifier is blocked in the given
// namespace, either by a namespace block or by a cross-namespace
// security block, and returns the longest remaining TTL.
func (r *Registry) IsBlocked(ctx context.Context, identifier, namespace string) (bool, time.Duration, error) {
	nsTTL, nsBlocked, err := r.store.PTTL(ctx, r.NamespaceKey(identifier, namespace))
	if err != nil {
		return false, 0, err
	}
	srcTTL, srcBlocked, err := r.store.PTTL(ctx, sourceKey(identifier))
	if err != nil {
		return false, 0, err
	}
	if !nsBlocked && !srcBlocked {
		return false, 0, nil
	}
	ttl := nsTTL
	if srcTTL > ttl {
		ttl = srcTTL
	}
	return true, ttl, nil
}

// ListBlocked enumerates all non-expired blocks in a namespace.
func (r *Registry) ListBlocked(ctx context.Context, namespace string) ([]BlockRecord, error) {
	pattern := fmt.Sprintf("%s:%s:*:blocked", r.prefix, namespace)
	return r.list(ctx, pattern)
}

// ListSourceBlocks enumerates all non-expired cross-namespace security blocks.
func (r *Registry) ListSourceBlocks(ctx context.Context) ([]BlockRecord, error) {
	return r.list(ctx, sourcePrefix+":*")
}

// CountBlocked returns the number of active cross-namespace security blocks.
func (r *Registry) CountBlocked(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, sourcePrefix+":*")
	if err != nil {
		return 0, fmt.Errorf("counting security blocks: %w", err)
	}
	return len(keys), nil
}

func (r *Registry) list(ctx context.Context, pattern string) ([]BlockRecord, error) {
	keys, err := r.store.Keys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}

	records := make([]BlockRecord, 0, len(keys))
	for _, key := range keys {
		// Filter out keys expiring between the scan and the read.
		if _, alive, err := r.store.PTTL(ctx, key); err != nil || !alive {
			continue
		}
		val, ok, err := r.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var rec BlockRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			// Corrupted record: skip rather than fail the enumeration.
			r.logger.Warn("malformed block record", zap.String("key", key), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Registry) newRecord(identifier, namespace string, d time.Duration, reason string) BlockRecord {
	now := r.clock.Now()
	return BlockRecord{
		Identifier: identifier,
		Namespace:  namespace,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(d),
	}
}

func (r *Registry) write(ctx context.Context, key string, rec BlockRecord, d time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding block record: %w", err)
	}
	if err := r.store.Set(ctx, key, string(payload), d); err != nil {
		return fmt.Errorf("writing block record: %w", err)
	}
	return nil
}

func (r *Registry) emit(ctx context.Context, rec BlockRecord) {
	scope := rec.Namespace
	if scope == "" {
		scope = "all namespaces"
	}
	_ = r.audit.Emit(ctx, audit.Event{
		Kind:        audit.KindBlock,
		Timestamp:   rec.CreatedAt,
		Source:      rec.Identifier,
		Namespace:   rec.Namespace,
		Description: fmt.Sprintf("blocked in %s until %s: %s", scope, rec.ExpiresAt.Format(time.RFC3339), rec.Reason),
		Details: map[string]string{
			"reason":     rec.Reason,
			"expires_at": rec.ExpiresAt.Format(time.RFC3339Nano),
		},
	})
	r.logger.Info("block created",
		zap.String("identifier", rec.Identifier),
		zap.String("namespace", rec.Namespace),
		zap.String("reason", rec.Reason),
		zap.Time("expires_at", rec.ExpiresAt))
}
