package quota

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPolicy marks a malformed policy rejected at call time. It is
// the only error the engine's check methods ever return; store failures
// are converted to fail-open results instead.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Named policy presets. The set is closed: unknown names are rejected at
// startup, not trusted at call time.
const (
	PolicyPublicAPI        = "public-api"
	PolicyAuthenticatedAPI = "authenticated-api"
	PolicyLogin            = "login"
	PolicyPasswordReset    = "password-reset"
	PolicyUpload           = "upload"
	PolicyHeavyOperation   = "heavy-operation"
	PolicyAdmin            = "admin"
)

// Policy holds the parameters of one sliding-window rate limit.
// Immutable once attached to a check call.
type Policy struct {
	Name          string        `json:"name"`
	Window        time.Duration `json:"window"`
	MaxRequests   int           `json:"max_requests"`
	BlockDuration time.Duration `json:"block_duration"` // 0 disables the automatic block
	KeyPrefix     string        `json:"key_prefix,omitempty"`
}

// Validate rejects malformed policies synchronously, never silently
// defaulting a bad value.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidPolicy, p.Window)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%w: max_requests must be positive, got %d", ErrInvalidPolicy, p.MaxRequests)
	}
	if p.BlockDuration < 0 {
		return fmt.Errorf("%w: block_duration must not be negative, got %s", ErrInvalidPolicy, p.BlockDuration)
	}
	return nil
}

// Presets returns the closed set of named policies, keyed by name.
func Presets() map[string]Policy {
	return map[string]Policy{
		PolicyPublicAPI:        {Name: PolicyPublicAPI, Window: time.Minute, MaxRequests: 100, BlockDuration: 5 * time.Minute},
		PolicyAuthenticatedAPI: {Name: PolicyAuthenticatedAPI, Window: time.Minute, MaxRequests: 300, BlockDuration: 5 * time.Minute},
		PolicyLogin:            {Name: PolicyLogin, Window: 15 * time.Minute, MaxRequests: 5, BlockDuration: 30 * time.Minute},
		PolicyPasswordReset:    {Name: PolicyPasswordReset, Window: time.Hour, MaxRequests: 3, BlockDuration: time.Hour},
		PolicyUpload:           {Name: PolicyUpload, Window: time.Hour, MaxRequests: 20, BlockDuration: 10 * time.Minute},
		PolicyHeavyOperation:   {Name: PolicyHeavyOperation, Window: time.Minute, MaxRequests: 10, BlockDuration: 5 * time.Minute},
		PolicyAdmin:            {Name: PolicyAdmin, Window: time.Minute, MaxRequests: 30, BlockDuration: 15 * time.Minute},
	}
}

// Preset looks up a named preset.
func Preset(name string) (Policy, bool) {
	p, ok := Presets()[name]
	return p, ok
}

// Result captures one rate limit decision. Derived, never persisted:
// recomputed on every check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // 0 when allowed
	Blocked    bool          `json:"blocked"`
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, the
// granularity of the Retry-After HTTP header.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	secs := int(r.RetryAfter / time.Second)
	if r.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}
