package server

import (
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/aegis-sec/aegis/internal/quota"
	"github.com/aegis-sec/aegis/internal/threat"
)

// MiddlewareOptions tunes the embeddable rate-limit middleware.
type MiddlewareOptions struct {
	Engine    *quota.Engine
	Policy    quota.Policy
	Namespace string
	Logger    *zap.Logger

	// Detector, when set, feeds request volume into the flood rule and
	// optionally inspects query parameters for attack signatures.
	Detector           *threat.Detector
	TrackRequestVolume bool
	InspectQueryParams bool

	// Identify overrides how the client identifier is derived from a
	// request. The default trusts X-Forwarded-For, then falls back to
	// the connection's remote address.
	Identify func(r *http.Request) string
}

// RateLimit wraps next with a quota check per request. Denied requests
// receive 429 with rate-limit headers and a JSON body; the handler never
// sees them.
func RateLimit(next http.Handler, opts MiddlewareOptions) http.Handler {
	identify := opts.Identify
	if identify == nil {
		identify = ClientIdentifier
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = opts.Policy.Name
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identify(r)

		if opts.Detector != nil && opts.TrackRequestVolume {
			opts.Detector.DetectVolumeFlood(r.Context(), id)
		}
		if opts.Detector != nil && opts.InspectQueryParams {
			for _, values := range r.URL.Query() {
				for _, v := range values {
					opts.Detector.InspectInput(r.Context(), id, v)
				}
			}
		}

		res, err := opts.Engine.CheckSlidingWindow(r.Context(), id, namespace, opts.Policy)
		if err != nil {
			// Invalid policy is a deployment bug, not a client problem.
			logger.Error("rate limit check rejected", zap.String("namespace", namespace), zap.Error(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		setRateLimitHeaders(w, res)
		if !res.Allowed {
			msg := "Rate limit exceeded. Please try again later."
			if res.Blocked {
				msg = "Temporarily blocked due to excessive requests."
			}
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":      "rate_limit_exceeded",
				"message":    msg,
				"retryAfter": res.RetryAfterSeconds(),
				"resetTime":  res.ResetTime,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIdentifier derives the rate-limit identifier for a request:
// the first X-Forwarded-For hop when present, otherwise the remote
// address without its port.
func ClientIdentifier(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for i := 0; i < len(forwarded); i++ {
			if forwarded[i] == ',' {
				return forwarded[:i]
			}
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
