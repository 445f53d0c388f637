package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aegis-sec/aegis/internal/blocklist"
	"github.com/aegis-sec/aegis/internal/clock"
	"github.com/aegis-sec/aegis/internal/keystore"
)

var (
	ctx   = context.Background()
	epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

func newEngine(t *testing.T) (*Engine, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	store := keystore.NewMemoryStore(vc)
	blocks := blocklist.NewRegistry(store, vc, blocklist.Options{})
	return NewEngine(store, blocks, vc, Options{}), vc
}

func TestSlidingWindow_ExhaustLimit(t *testing.T) {
	e, _ := newEngine(t)
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 5}

	for i := 0; i < 5; i++ {
		res, err := e.CheckSlidingWindow(ctx, "user1", "public-api", p)
		if err != nil {
			t.Fatalf("CheckSlidingWindow() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 5 - i - 1; res.Remaining != want {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res, err := e.CheckSlidingWindow(ctx, "user1", "public-api", p)
	if err != nil {
		t.Fatalf("CheckSlidingWindow() error = %v", err)
	}
	if res.Allowed {
		t.Error("6th request should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
}

func TestSlidingWindow_WindowSlides(t *testing.T) {
	e, vc := newEngine(t)
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 3}

	for i := 0; i < 3; i++ {
		e.CheckSlidingWindow(ctx, "u", "api", p)
	}
	if res, _ := e.CheckSlidingWindow(ctx, "u", "api", p); res.Allowed {
		t.Fatal("should be denied at limit")
	}

	vc.Advance(61 * time.Second)
	if res, _ := e.CheckSlidingWindow(ctx, "u", "api", p); !res.Allowed {
		t.Error("should be allowed after window slides past original requests")
	}
}

// The concrete scenario: policy {60000ms window, 3 requests, 300000ms
// block}. Calls at t=0,10,20ms allow with remaining 2,1,0; t=30ms denies
// unblocked with retry about 60s; t=31ms denies blocked with retry about
// 300s.
func TestSlidingWindow_BlockEscalationScenario(t *testing.T) {
	e, vc := newEngine(t)
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 3, BlockDuration: 5 * time.Minute}

	wantRemaining := []int{2, 1, 0}
	for i := 0; i < 3; i++ {
		res, err := e.CheckSlidingWindow(ctx, "1.2.3.4", "api", p)
		if err != nil {
			t.Fatalf("call %d error = %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if res.Remaining != wantRemaining[i] {
			t.Errorf("call %d: Remaining = %d, want %d", i, res.Remaining, wantRemaining[i])
		}
		vc.Advance(10 * time.Millisecond)
	}

	// t=30ms: over the limit. Denied on window count, block just created.
	res, _ := e.CheckSlidingWindow(ctx, "1.2.3.4", "api", p)
	if res.Allowed {
		t.Fatal("t=30ms call should be denied")
	}
	if res.Blocked {
		t.Error("t=30ms denial should come from the window, not a pre-existing block")
	}
	if secs := res.RetryAfterSeconds(); secs < 59 || secs > 60 {
		t.Errorf("t=30ms RetryAfter = %ds, want ~60s", secs)
	}

	// t=31ms: the block created at t=30ms now short-circuits.
	vc.Advance(time.Millisecond)
	res, _ = e.CheckSlidingWindow(ctx, "1.2.3.4", "api", p)
	if res.Allowed {
		t.Fatal("t=31ms call should be denied")
	}
	if !res.Blocked {
		t.Error("t=31ms denial should be a block short-circuit")
	}
	if secs := res.RetryAfterSeconds(); secs < 299 || secs > 300 {
		t.Errorf("t=31ms RetryAfter = %ds, want ~300s", secs)
	}
}

func TestSlidingWindow_NoBlockWhenDurationZero(t *testing.T) {
	e, vc := newEngine(t)
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 1}

	e.CheckSlidingWindow(ctx, "u", "api", p)
	res, _ := e.CheckSlidingWindow(ctx, "u", "api", p)
	if res.Allowed || res.Blocked {
		t.Errorf("result = %+v, want plain window denial", res)
	}

	// Without a block, sliding past the window re-admits immediately.
	vc.Advance(61 * time.Second)
	if res, _ := e.CheckSlidingWindow(ctx, "u", "api", p); !res.Allowed {
		t.Error("should be allowed once the window slid")
	}
}

func TestSlidingWindow_ResetTimeEmptyWindow(t *testing.T) {
	e, _ := newEngine(t)
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 5}

	res, _ := e.CheckSlidingWindow(ctx, "fresh", "api", p)
	want := epoch.Add(time.Minute)
	if !res.ResetTime.Equal(want) {
		t.Errorf("ResetTime = %v, want %v", res.ResetTime, want)
	}
}

func TestGetStatus_DoesNotConsumeQuota(t *testing.T) {
	e, _ := newEngine(t)
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 3}

	e.CheckSlidingWindow(ctx, "u", "api", p)

	for i := 0; i < 10; i++ {
		res, err := e.GetStatus(ctx, "u", "api", p)
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if res.Remaining != 2 {
			t.Fatalf("poll %d: Remaining = %d, want 2 (status must not consume)", i, res.Remaining)
		}
	}
}

func TestResetLimit_Idempotent(t *testing.T) {
	e, _ := newEngine(t)
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour}

	e.CheckSlidingWindow(ctx, "u", "api", p)
	e.CheckSlidingWindow(ctx, "u", "api", p) // denied, creates block
	e.CheckTokenBucket(ctx, "u", "api", 1, 5)

	if err := e.ResetLimit(ctx, "u", "api", p); err != nil {
		t.Fatalf("ResetLimit() error = %v", err)
	}
	if err := e.ResetLimit(ctx, "u", "api", p); err != nil {
		t.Fatalf("second ResetLimit() error = %v", err)
	}

	res, _ := e.CheckSlidingWindow(ctx, "u", "api", p)
	if !res.Allowed || res.Blocked {
		t.Errorf("after reset, result = %+v, want clean allow", res)
	}
}

// An entry at exactly now-window is still inside the window; it falls
// off one instant later.
func TestSlidingWindow_BoundaryEntryStillCounts(t *testing.T) {
	e, vc := newEngine(t)
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 1}

	if res, _ := e.CheckSlidingWindow(ctx, "u", "api", p); !res.Allowed {
		t.Fatal("first request should be allowed")
	}

	vc.Advance(time.Minute)
	if res, _ := e.CheckSlidingWindow(ctx, "u", "api", p); res.Allowed {
		t.Error("request at exactly one window should still be denied")
	}

	vc.Advance(time.Millisecond)
	if res, _ := e.CheckSlidingWindow(ctx, "u", "api", p); !res.Allowed {
		t.Error("request past the window should be allowed")
	}
}

// A policy with a custom key prefix stores its window set under that
// prefix; reset must clear it there, not under the default prefix.
func TestResetLimit_CustomKeyPrefix(t *testing.T) {
	e, _ := newEngine(t)
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 1, KeyPrefix: "custom"}

	e.CheckSlidingWindow(ctx, "u", "api", p)
	if res, _ := e.CheckSlidingWindow(ctx, "u", "api", p); res.Allowed {
		t.Fatal("second request should be denied")
	}

	if err := e.ResetLimit(ctx, "u", "api", p); err != nil {
		t.Fatalf("ResetLimit() error = %v", err)
	}
	if res, _ := e.CheckSlidingWindow(ctx, "u", "api", p); !res.Allowed {
		t.Error("request after reset should be allowed")
	}
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	e, vc := newEngine(t)
	const (
		rate = 2.0 // tokens per second
		size = 5
	)

	// A full bucket admits exactly size consecutive immediate calls.
	for i := 0; i < size; i++ {
		res, err := e.CheckTokenBucket(ctx, "u", "api", rate, size)
		if err != nil {
			t.Fatalf("call %d error = %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if want := size - i - 1; res.Remaining != want {
			t.Errorf("call %d: Remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res, _ := e.CheckTokenBucket(ctx, "u", "api", rate, size)
	if res.Allowed {
		t.Fatal("call over bucket size should be denied")
	}
	if res.RetryAfterSeconds() != 1 {
		t.Errorf("RetryAfter = %ds, want ceil((1-0)/2) = 1", res.RetryAfterSeconds())
	}

	// After 1/rate seconds exactly one token is back.
	vc.Advance(500 * time.Millisecond)
	if res, _ := e.CheckTokenBucket(ctx, "u", "api", rate, size); !res.Allowed {
		t.Error("one token should have refilled")
	}
	if res, _ := e.CheckTokenBucket(ctx, "u", "api", rate, size); res.Allowed {
		t.Error("only one token should have refilled")
	}
}

func TestTokenBucket_DenialDoesNotConsume(t *testing.T) {
	e, vc := newEngine(t)

	e.CheckTokenBucket(ctx, "u", "api", 1, 1)
	// Two denied calls in a row must not push the refill time out.
	e.CheckTokenBucket(ctx, "u", "api", 1, 1)
	e.CheckTokenBucket(ctx, "u", "api", 1, 1)

	vc.Advance(time.Second)
	if res, _ := e.CheckTokenBucket(ctx, "u", "api", 1, 1); !res.Allowed {
		t.Error("denied calls must not reset the refill clock")
	}
}

func TestTokenBucket_MalformedStateReinitialized(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	store := keystore.NewMemoryStore(vc)
	blocks := blocklist.NewRegistry(store, vc, blocklist.Options{})
	e := NewEngine(store, blocks, vc, Options{})

	_ = store.Set(ctx, "tokenbucket:api:u", "{not json", time.Hour)

	res, err := e.CheckTokenBucket(ctx, "u", "api", 1, 5)
	if err != nil {
		t.Fatalf("CheckTokenBucket() error = %v", err)
	}
	if !res.Allowed || res.Remaining != 4 {
		t.Errorf("result = %+v, want fresh full bucket minus one", res)
	}
}

func TestCheck_InvalidPolicyRejected(t *testing.T) {
	e, _ := newEngine(t)

	cases := []Policy{
		{Name: "", Window: time.Minute, MaxRequests: 5},
		{Name: "x", Window: 0, MaxRequests: 5},
		{Name: "x", Window: time.Minute, MaxRequests: 0},
		{Name: "x", Window: time.Minute, MaxRequests: 5, BlockDuration: -time.Second},
	}
	for i, p := range cases {
		if _, err := e.CheckSlidingWindow(ctx, "u", "api", p); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("case %d: error = %v, want ErrInvalidPolicy", i, err)
		}
	}

	if _, err := e.CheckTokenBucket(ctx, "u", "api", 0, 5); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("zero rate: error = %v, want ErrInvalidPolicy", err)
	}
	if _, err := e.CheckTokenBucket(ctx, "u", "api", 1, 0); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("zero bucket: error = %v, want ErrInvalidPolicy", err)
	}
}

// failingStore errors on every operation, simulating a store outage.
type failingStore struct{}

var errStoreDown = errors.New("store unavailable")

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}
func (failingStore) Set(context.Context, string, string, time.Duration) error { return errStoreDown }
func (failingStore) Delete(context.Context, ...string) error                  { return errStoreDown }
func (failingStore) Increment(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) Expire(context.Context, string, time.Duration) error { return errStoreDown }
func (failingStore) PTTL(context.Context, string) (time.Duration, bool, error) {
	return 0, false, errStoreDown
}
func (failingStore) ZAdd(context.Context, string, float64, string) error        { return errStoreDown }
func (failingStore) ZRemRangeByScore(context.Context, string, float64, float64) error {
	return errStoreDown
}
func (failingStore) ZRemRangeByRank(context.Context, string, int64, int64) error { return errStoreDown }
func (failingStore) ZCard(context.Context, string) (int64, error)                { return 0, errStoreDown }
func (failingStore) ZRangeWithScores(context.Context, string, int64, int64) ([]keystore.Member, error) {
	return nil, errStoreDown
}
func (failingStore) HSet(context.Context, string, string, string) error { return errStoreDown }
func (failingStore) HGet(context.Context, string, string) (string, bool, error) {
	return "", false, errStoreDown
}
func (failingStore) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, errStoreDown
}
func (failingStore) HDel(context.Context, string, ...string) error   { return errStoreDown }
func (failingStore) LPush(context.Context, string, ...string) error  { return errStoreDown }
func (failingStore) LTrim(context.Context, string, int64, int64) error { return errStoreDown }
func (failingStore) LRange(context.Context, string, int64, int64) ([]string, error) {
	return nil, errStoreDown
}
func (failingStore) Keys(context.Context, string) ([]string, error) { return nil, errStoreDown }
func (failingStore) Close() error                                   { return nil }

func TestCheck_FailsOpenDuringOutage(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	store := failingStore{}
	blocks := blocklist.NewRegistry(store, vc, blocklist.Options{})
	e := NewEngine(store, blocks, vc, Options{})
	p := Policy{Name: "test", Window: time.Minute, MaxRequests: 3}

	// Every call during the outage is allowed with full quota reported.
	for i := 0; i < 20; i++ {
		res, err := e.CheckSlidingWindow(ctx, "u", "api", p)
		if err != nil {
			t.Fatalf("CheckSlidingWindow() error = %v, fail-open must not surface store errors", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d denied during outage, want fail-open allow", i)
		}
		if res.Remaining != p.MaxRequests {
			t.Errorf("call %d: Remaining = %d, want %d", i, res.Remaining, p.MaxRequests)
		}
	}

	res, err := e.CheckTokenBucket(ctx, "u", "api", 1, 5)
	if err != nil {
		t.Fatalf("CheckTokenBucket() error = %v", err)
	}
	if !res.Allowed || res.Remaining != 5 {
		t.Errorf("token bucket outage result = %+v, want full fail-open", res)
	}

	if err := e.ResetLimit(ctx, "u", "api", p); err != nil {
		t.Errorf("ResetLimit() during outage error = %v, want swallowed", err)
	}
}

func TestPresets_Closed(t *testing.T) {
	for name, p := range Presets() {
		if err := p.Validate(); err != nil {
			t.Errorf("preset %s invalid: %v", name, err)
		}
		if p.Name != name {
			t.Errorf("preset %s has mismatched Name %q", name, p.Name)
		}
	}

	if _, ok := Preset("no-such-policy"); ok {
		t.Error("unknown preset name should not resolve")
	}
}
