// Package threat implements the real-time security monitor: a set of
// independent detection rules that consume recent activity counters from
// the shared key store and escalate attack patterns into security blocks.
//
// Each rule is stateless between invocations; the only state it reads or
// writes lives in the store, so any service instance can evaluate any
// signal. A rule never fails its caller: internal errors are logged,
// counted, and collapsed into "no threat detected" (the alerting
// tradeoff behind that collapse is surfaced through the
// aegis_detector_failures_total metric).
package threat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegis-sec/aegis/internal/audit"
	"github.com/aegis-sec/aegis/internal/blocklist"
	"github.com/aegis-sec/aegis/internal/clock"
	"github.com/aegis-sec/aegis/internal/keystore"
	"github.com/aegis-sec/aegis/internal/metrics"
)

// Detection thresholds. Fixed business constants, not configuration.
const (
	bruteForceThreshold = 5
	bruteForceWindow    = 5 * time.Minute
	bruteForceBlock     = 30 * time.Minute

	stuffingThreshold = 10
	stuffingWindow    = 10 * time.Minute
	stuffingBlock     = 24 * time.Hour

	floodThreshold = 100
	floodWindow    = time.Minute
	floodBlock     = time.Hour

	locationHistorySize = 50

	takeoverSignalThreshold = 2

	exfiltrationVolumeMB = 100
	exfiltrationWindow   = 60 * time.Second

	escalationThreshold = 3
	escalationWindow    = time.Hour
	escalationBlock     = time.Hour

	sqlInjectionBlock = 24 * time.Hour
)

// takeoverSignals are the suspicious-change signals that, in
// combination, indicate an account takeover in progress.
var takeoverSignals = map[string]bool{
	"password_changed":   true,
	"email_changed":      true,
	"phone_changed":      true,
	"rapid_transactions": true,
}

// Recorder persists detected threats. Implemented by the ledger.
type Recorder interface {
	Record(ctx context.Context, t *Threat) error
}

// Options configures optional detector collaborators.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Recorder
	Audit   audit.Sink
}

// Detector evaluates domain events against the detection rules.
type Detector struct {
	store   keystore.Store
	clock   clock.Clock
	blocks  *blocklist.Registry
	ledger  Recorder
	audit   audit.Sink
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewDetector constructs a Detector over the shared store, block
// registry and threat ledger.
func NewDetector(store keystore.Store, blocks *blocklist.Registry, ledger Recorder, clk clock.Clock, opts Options) *Detector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var sink audit.Sink = audit.Noop{}
	if opts.Audit != nil {
		sink = opts.Audit
	}
	return &Detector{
		store:   store,
		clock:   clk,
		blocks:  blocks,
		ledger:  ledger,
		audit:   sink,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// ReportFailedLogin feeds one failed authentication attempt into the
// brute-force and credential-stuffing rules, returning the most severe
// resulting threat, if any, for the caller to act on.
func (d *Detector) ReportFailedLogin(ctx context.Context, source, targetAccount string) *Threat {
	stuffing := d.DetectCredentialStuffing(ctx, source, targetAccount)
	brute := d.DetectBruteForce(ctx, source, targetAccount)
	if stuffing != nil {
		return stuffing
	}
	return brute
}

// DetectBruteForce fires when one source accumulates too many failed
// login attempts inside the lookback window.
func (d *Detector) DetectBruteForce(ctx context.Context, source, targetAccount string) *Threat {
	const rule = "brute_force"

	n, err := d.rollingCount(ctx, "security:bruteforce:"+source, uuid.NewString(), bruteForceWindow)
	if err != nil {
		return d.fail(rule, err)
	}
	if n < bruteForceThreshold {
		return nil
	}

	t := &Threat{
		ID:          uuid.NewString(),
		Type:        TypeBruteForce,
		Severity:    SeverityHigh,
		Timestamp:   d.clock.Now(),
		Source:      source,
		Description: fmt.Sprintf("%d failed login attempts within %s", n, bruteForceWindow),
		Indicators: []string{
			"target_account=" + targetAccount,
			fmt.Sprintf("failed_attempts=%d", n),
		},
		AutomatedResponse: "source blocked for 30m",
	}
	d.report(ctx, rule, t, bruteForceBlock)
	return t
}

// DetectCredentialStuffing fires when one source tries too many distinct
// target accounts inside the lookback window.
func (d *Detector) DetectCredentialStuffing(ctx context.Context, source, targetAccount string) *Threat {
	const rule = "credential_stuffing"

	// Members are the target accounts themselves, so the cardinality is
	// the number of distinct targets, not raw attempts.
	n, err := d.rollingCount(ctx, "security:credstuffing:"+source, targetAccount, stuffingWindow)
	if err != nil {
		return d.fail(rule, err)
	}
	if n < stuffingThreshold {
		return nil
	}

	t := &Threat{
		ID:          uuid.NewString(),
		Type:        TypeCredentialStuffing,
		Severity:    SeverityCritical,
		Timestamp:   d.clock.Now(),
		Source:      source,
		Description: fmt.Sprintf("failed logins against %d distinct accounts within %s", n, stuffingWindow),
		Indicators: []string{
			fmt.Sprintf("distinct_targets=%d", n),
		},
		AutomatedResponse: "source blocked for 24h",
	}
	d.report(ctx, rule, t, stuffingBlock)
	return t
}

// DetectVolumeFlood fires when one source exceeds the request-volume
// threshold inside a single minute.
func (d *Detector) DetectVolumeFlood(ctx context.Context, source string) *Threat {
	const rule = "volume_flood"

	n, err := d.rollingCount(ctx, "security:reqvol:"+source, uuid.NewString(), floodWindow)
	if err != nil {
		return d.fail(rule, err)
	}
	if n < floodThreshold {
		return nil
	}

	t := &Threat{
		ID:          uuid.NewString(),
		Type:        TypeDDoS,
		Severity:    SeverityCritical,
		Timestamp:   d.clock.Now(),
		Source:      source,
		Description: fmt.Sprintf("%d requests within %s from a single source", n, floodWindow),
		Indicators: []string{
			fmt.Sprintf("request_count=%d", n),
		},
		AutomatedResponse: "source blocked for 1h",
	}
	d.report(ctx, rule, t, floodBlock)
	return t
}

// DetectUnusualLocation fires when a login arrives from a country absent
// from the account's recorded login history. No automatic block: the
// step-up challenge is the authentication service's call.
func (d *Detector) DetectUnusualLocation(ctx context.Context, userID, country string) *Threat {
	const rule = "unusual_location"
	key := "security:geo:" + userID

	history, err := d.store.LRange(ctx, key, 0, locationHistorySize-1)
	if err != nil {
		return d.fail(rule, err)
	}

	var t *Threat
	if len(history) > 0 && !contains(history, country) {
		t = &Threat{
			ID:          uuid.NewString(),
			Type:        TypeSuspiciousActivity,
			Severity:    SeverityMedium,
			Timestamp:   d.clock.Now(),
			Source:      userID,
			Description: fmt.Sprintf("login from %s, absent from the last %d login countries", country, len(history)),
			Indicators: []string{
				"country=" + country,
				"known_countries=" + strings.Join(history, ","),
			},
		}
		d.report(ctx, rule, t, 0)
	}

	// Record the signal after evaluation so the current country cannot
	// vouch for itself. A failure here only loses history; a threat
	// already raised above is still returned.
	if err := d.store.LPush(ctx, key, country); err != nil {
		d.fail(rule, err)
		return t
	}
	if err := d.store.LTrim(ctx, key, 0, locationHistorySize-1); err != nil {
		d.fail(rule, err)
	}
	return t
}

// DetectAccountTakeover correlates suspicious-change signals delivered
// in a single evaluation call. No automatic block: locking the account
// is the owning service's action.
func (d *Detector) DetectAccountTakeover(ctx context.Context, userID string, signals []string) *Threat {
	const rule = "account_takeover"

	var suspicious []string
	for _, s := range signals {
		if takeoverSignals[s] {
			suspicious = append(suspicious, s)
		}
	}
	if len(suspicious) < takeoverSignalThreshold {
		return nil
	}

	t := &Threat{
		ID:          uuid.NewString(),
		Type:        TypeAccountTakeover,
		Severity:    SeverityCritical,
		Timestamp:   d.clock.Now(),
		Source:      userID,
		Description: fmt.Sprintf("%d simultaneous account-change signals", len(suspicious)),
		Indicators:  append([]string{}, suspicious...),
	}
	d.report(ctx, rule, t, 0)
	return t
}

// DetectDataExfiltration fires on a large transfer compressed into a
// short window. Account-scoped: review, not an automatic network block.
func (d *Detector) DetectDataExfiltration(ctx context.Context, userID string, volumeMB float64, windowSeconds int) *Threat {
	const rule = "data_exfiltration"

	if volumeMB <= exfiltrationVolumeMB || time.Duration(windowSeconds)*time.Second >= exfiltrationWindow {
		return nil
	}

	t := &Threat{
		ID:          uuid.NewString(),
		Type:        TypeDataExfiltration,
		Severity:    SeverityCritical,
		Timestamp:   d.clock.Now(),
		Source:      userID,
		Description: fmt.Sprintf("%.1fMB transferred within %ds", volumeMB, windowSeconds),
		Indicators: []string{
			fmt.Sprintf("volume_mb=%.1f", volumeMB),
			fmt.Sprintf("window_seconds=%d", windowSeconds),
		},
		AutomatedResponse: "flagged for review",
	}
	d.report(ctx, rule, t, 0)
	return t
}

// DetectPrivilegeEscalation counts unauthorized-action attempts per
// identifier over a rolling hour.
func (d *Detector) DetectPrivilegeEscalation(ctx context.Context, identifier, action string) *Threat {
	const rule = "privilege_escalation"

	n, err := d.store.Increment(ctx, "security:privesc:"+identifier, 1, escalationWindow)
	if err != nil {
		return d.fail(rule, err)
	}
	if n < escalationThreshold {
		return nil
	}

	t := &Threat{
		ID:          uuid.NewString(),
		Type:        TypePrivilegeEscalation,
		Severity:    SeverityHigh,
		Timestamp:   d.clock.Now(),
		Source:      identifier,
		Description: fmt.Sprintf("%d unauthorized action attempts within %s", n, escalationWindow),
		Indicators: []string{
			"last_action=" + action,
			fmt.Sprintf("attempts=%d", n),
		},
		AutomatedResponse: "source blocked for 1h",
	}
	d.report(ctx, rule, t, escalationBlock)
	return t
}

// InspectInput matches a raw input string against known SQL injection
// and XSS signatures. SQL injection escalates to a 24h block on the
// submitting source; XSS is recorded without a block.
func (d *Detector) InspectInput(ctx context.Context, source, input string) *Threat {
	const rule = "malicious_input"

	if matched := matchSignatures(sqlInjectionPatterns, input); len(matched) > 0 {
		t := &Threat{
			ID:          uuid.NewString(),
			Type:        TypeMaliciousInput,
			Severity:    SeverityCritical,
			Timestamp:   d.clock.Now(),
			Source:      source,
			Description: "SQL injection signature in submitted input",
			Indicators:  append([]string{"class=sql_injection"}, matched...),

			AutomatedResponse: "source blocked for 24h",
		}
		d.report(ctx, rule, t, sqlInjectionBlock)
		return t
	}

	if matched := matchSignatures(xssPatterns, input); len(matched) > 0 {
		t := &Threat{
			ID:          uuid.NewString(),
			Type:        TypeMaliciousInput,
			Severity:    SeverityHigh,
			Timestamp:   d.clock.Now(),
			Source:      source,
			Description: "cross-site scripting signature in submitted input",
			Indicators:  append([]string{"class=xss"}, matched...),
		}
		d.report(ctx, rule, t, 0)
		return t
	}
	return nil
}

// rollingCount implements the shared rule shape: record the current
// signal, evict entries older than the lookback window, return the
// resulting cardinality.
func (d *Detector) rollingCount(ctx context.Context, key, member string, window time.Duration) (int64, error) {
	now := d.clock.Now()
	if err := d.store.ZAdd(ctx, key, float64(now.UnixMilli()), member); err != nil {
		return 0, err
	}
	if err := d.store.Expire(ctx, key, window); err != nil {
		return 0, err
	}
	cutoff := now.Add(-window).UnixMilli()
	if err := d.store.ZRemRangeByScore(ctx, key, keystore.NegInf, float64(cutoff)); err != nil {
		return 0, err
	}
	return d.store.ZCard(ctx, key)
}

// report persists a fired threat, forwards it to the audit log, and
// escalates to a cross-namespace security block when blockFor > 0.
func (d *Detector) report(ctx context.Context, rule string, t *Threat, blockFor time.Duration) {
	if err := d.ledger.Record(ctx, t); err != nil {
		d.logger.Warn("failed to record threat", zap.String("rule", rule), zap.Error(err))
		d.metrics.StoreFailure("ledger")
	}

	_ = d.audit.Emit(ctx, audit.Event{
		Kind:        audit.KindThreat,
		Severity:    string(t.Severity),
		Timestamp:   t.Timestamp,
		Source:      t.Source,
		Description: t.Description,
		Details: map[string]string{
			"threat_id":   t.ID,
			"threat_type": string(t.Type),
			"indicators":  strings.Join(t.Indicators, "; "),
		},
	})
	d.metrics.Threat(string(t.Type), string(t.Severity))
	d.logger.Info("threat detected",
		zap.String("rule", rule),
		zap.String("type", string(t.Type)),
		zap.String("severity", string(t.Severity)),
		zap.String("source", t.Source))

	if blockFor > 0 {
		if err := d.blocks.BlockSource(ctx, t.Source, blockFor, string(t.Type)); err != nil {
			d.logger.Warn("failed to escalate threat to block",
				zap.String("rule", rule),
				zap.String("source", t.Source),
				zap.Error(err))
			d.metrics.StoreFailure("block")
		}
	}
}

// fail collapses an internal rule error into "no threat detected". The
// metric keeps that collapse visible to operators.
func (d *Detector) fail(rule string, err error) *Threat {
	d.logger.Warn("detection rule failed", zap.String("rule", rule), zap.Error(err))
	d.metrics.DetectorFailure(rule)
	return nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
