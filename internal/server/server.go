// Package server exposes the rate limiter and security monitor over
// HTTP: quota checks for API gateways, event reporting for upstream
// services, and an admin surface for operators.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-sec/aegis/internal/blocklist"
	"github.com/aegis-sec/aegis/internal/clock"
	"github.com/aegis-sec/aegis/internal/ledger"
	"github.com/aegis-sec/aegis/internal/quota"
	"github.com/aegis-sec/aegis/internal/threat"
)

// Options carries the collaborators the server exposes.
type Options struct {
	Engine   *quota.Engine
	Blocks   *blocklist.Registry
	Detector *threat.Detector
	Ledger   *ledger.Ledger
	Policies map[string]quota.Policy
	Clock    clock.Clock
	Logger   *zap.Logger

	// Metrics is the Prometheus scrape handler; nil disables /metrics.
	Metrics http.Handler

	// Hub serves /ws when provided. The caller builds the hub first when
	// it also participates in the audit fanout; nil creates a fresh one.
	Hub *Hub

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the aegis HTTP server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux

	engine   *quota.Engine
	blocks   *blocklist.Registry
	detector *threat.Detector
	ledger   *ledger.Ledger
	policies map[string]quota.Policy
	clock    clock.Clock
	logger   *zap.Logger
	hub      *Hub
}

// New creates an aegis server listening on addr.
func New(addr string, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		mux:      http.NewServeMux(),
		engine:   opts.Engine,
		blocks:   opts.Blocks,
		detector: opts.Detector,
		ledger:   opts.Ledger,
		policies: opts.Policies,
		clock:    opts.Clock,
		logger:   logger,
		hub:      hub,
	}
	s.routes(opts.Metrics)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Hub returns the WebSocket hub so it can be registered as an audit sink.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes(metricsHandler http.Handler) {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}
	s.mux.HandleFunc("GET /ws/events", s.hub.HandleWebSocket)

	s.mux.HandleFunc("GET /api/check/{namespace}/{identifier}", s.handleCheck)
	s.mux.HandleFunc("GET /api/status/{namespace}/{identifier}", s.handleStatus)

	s.mux.HandleFunc("POST /api/report/login-failure", s.handleReportLoginFailure)
	s.mux.HandleFunc("POST /api/report/input", s.handleReportInput)
	s.mux.HandleFunc("POST /api/report/location", s.handleReportLocation)
	s.mux.HandleFunc("POST /api/report/signals", s.handleReportSignals)
	s.mux.HandleFunc("POST /api/report/transfer", s.handleReportTransfer)
	s.mux.HandleFunc("POST /api/report/privilege", s.handleReportPrivilege)

	s.mux.HandleFunc("GET /admin/blocked", s.handleListBlocked)
	s.mux.HandleFunc("POST /admin/block", s.handleBlock)
	s.mux.HandleFunc("DELETE /admin/block/source/{identifier}", s.handleUnblockSource)
	s.mux.HandleFunc("DELETE /admin/block/{namespace}/{identifier}", s.handleUnblock)
	s.mux.HandleFunc("POST /admin/reset/{namespace}/{identifier}", s.handleReset)
	s.mux.HandleFunc("GET /admin/threats", s.handleThreats)
	s.mux.HandleFunc("POST /admin/threats/{id}/resolve", s.handleResolveThreat)
	s.mux.HandleFunc("GET /admin/metrics", s.handleSecurityMetrics)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "aegis",
		"status":  "running",
		"time":    s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// policyFor maps a namespace to its quota policy. Namespaces are the
// policy names themselves; unknown namespaces are rejected rather than
// silently given a default quota.
func (s *Server) policyFor(namespace string) (quota.Policy, bool) {
	p, ok := s.policies[namespace]
	return p, ok
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.respondWithResult(w, r, true)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondWithResult(w, r, false)
}

func (s *Server) respondWithResult(w http.ResponseWriter, r *http.Request, consume bool) {
	namespace := r.PathValue("namespace")
	identifier := r.PathValue("identifier")
	p, ok := s.policyFor(namespace)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown namespace "+namespace)
		return
	}

	var (
		res quota.Result
		err error
	)
	if consume {
		res, err = s.engine.CheckSlidingWindow(r.Context(), identifier, namespace, p)
	} else {
		res, err = s.engine.GetStatus(r.Context(), identifier, namespace, p)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	setRateLimitHeaders(w, res)
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}

func (s *Server) handleReportLoginFailure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source        string `json:"source"`
		TargetAccount string `json:"target_account"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" || req.TargetAccount == "" {
		writeError(w, http.StatusBadRequest, "source and target_account are required")
		return
	}
	writeThreat(w, s.detector.ReportFailedLogin(r.Context(), req.Source, req.TargetAccount))
}

func (s *Server) handleReportInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
		Input  string `json:"input"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	writeThreat(w, s.detector.InspectInput(r.Context(), req.Source, req.Input))
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		Country string `json:"country"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Country == "" {
		writeError(w, http.StatusBadRequest, "user_id and country are required")
		return
	}
	writeThreat(w, s.detector.DetectUnusualLocation(r.Context(), req.UserID, req.Country))
}

func (s *Server) handleReportSignals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string   `json:"user_id"`
		Signals []string `json:"signals"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	writeThreat(w, s.detector.DetectAccountTakeover(r.Context(), req.UserID, req.Signals))
}

func (s *Server) handleReportTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string  `json:"user_id"`
		VolumeMB      float64 `json:"volume_mb"`
		WindowSeconds int     `json:"window_seconds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.VolumeMB < 0 || req.WindowSeconds < 0 {
		writeError(w, http.StatusBadRequest, "user_id, volume_mb and window_seconds are required")
		return
	}
	writeThreat(w, s.detector.DetectDataExfiltration(r.Context(), req.UserID, req.VolumeMB, req.WindowSeconds))
}

func (s *Server) handleReportPrivilege(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Action     string `json:"action"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	writeThreat(w, s.detector.DetectPrivilegeEscalation(r.Context(), req.Identifier, req.Action))
}

func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	var (
		records []blocklist.BlockRecord
		err     error
	)
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		records, err = s.blocks.ListBlocked(r.Context(), ns)
	} else {
		records, err = s.blocks.ListSourceBlocks(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"blocked": records,
	})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Namespace  string `json:"namespace"`
		Duration   string `json:"duration"`
		Reason     string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duration: "+req.Duration)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if req.Namespace == "" {
		err = s.blocks.BlockSource(r.Context(), req.Identifier, d, req.Reason)
	} else {
		err = s.blocks.Block(r.Context(), req.Identifier, req.Namespace, d, req.Reason)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "blocked"})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if err := s.blocks.Unblock(r.Context(), r.PathValue("identifier"), r.PathValue("namespace")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func (s *Server) handleUnblockSource(w http.ResponseWriter, r *http.Request) {
	if err := s.blocks.UnblockSource(r.Context(), r.PathValue("identifier")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	p, ok := s.policyFor(namespace)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown namespace: "+namespace)
		return
	}
	if err := s.engine.ResetLimit(r.Context(), r.PathValue("identifier"), namespace, p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = n
	}

	var (
		threats []*threat.Threat
		err     error
	)
	if r.URL.Query().Get("all") == "true" {
		threats, err = s.ledger.Recent(r.Context(), limit)
	} else {
		threats, err = s.ledger.Active(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threats == nil {
		threats = []*threat.Threat{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(threats),
		"threats": threats,
	})
}

func (s *Server) handleResolveThreat(w http.ResponseWriter, r *http.Request) {
	ok, err := s.ledger.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown threat id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("aegis server listening", zap.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

// StartOnListener begins serving on the provided listener.
// Useful for tests that need to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.Info("aegis server listening", zap.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and its WebSocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing table for in-process tests.
func (s *Server) Handler() http.Handler { return s.mux }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeThreat renders a detection outcome: the threat when a rule fired,
// or an explicit null so callers can branch on a single field.
func writeThreat(w http.ResponseWriter, t *threat.Threat) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"threat": t})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func setRateLimitHeaders(w http.ResponseWriter, res quota.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", res.ResetTime.Format(time.RFC3339))
	if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
	}
}
