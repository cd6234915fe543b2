package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/engine"
	"github.com/rmax-ai/cadence/pkg/gate"
	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/provider"
)

// DefaultAddr is used when NewServer is given an empty address.
const DefaultAddr = "127.0.0.1:8090"

// HealthReporter is anything whose health shows up in /v1/health.
type HealthReporter interface {
	Healthy() bool
}

// Server encapsulates the HTTP API server
type Server struct {
	scheduler *engine.Scheduler
	server    *http.Server
	logger    *zap.Logger
	version   string

	persistence HealthReporter
	tokenHash   string

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string
}

// NewServer creates a new API server instance
func NewServer(s *engine.Scheduler, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &Server{scheduler: s, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/permissions", srv.handlePermissions)
	mux.HandleFunc("/v1/gate", srv.handleGate)
	mux.HandleFunc("/v1/limits", srv.handleLimits)
	mux.HandleFunc("/v1/schedule", srv.handleSchedule)
	mux.HandleFunc("/v1/act", srv.handleAct)
	mux.HandleFunc("/v1/usage", srv.withAuth(srv.handleUsage))
	mux.HandleFunc("/v1/rate-limited", srv.withAuth(srv.handleRateLimited))

	// Middleware: Logging, Panic Recovery, Security Headers
	handler := srv.withLogging(srv.withRecovery(withSecureHeaders(mux)))

	srv.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// SetAuthToken requires a bearer token on the write endpoints. Empty disables auth.
func (s *Server) SetAuthToken(token string) {
	if token == "" {
		s.tokenHash = ""
		return
	}
	s.tokenHash = hashToken(token)
}

// SetPersistence reports the persister's health in /v1/health.
func (s *Server) SetPersistence(h HealthReporter) {
	s.persistence = h
}

// SetVersion sets the version reported by /v1/health.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	var err error
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		s.logger.Info("server_starting_tls", zap.String("addr", s.server.Addr))
		err = s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	} else {
		s.logger.Info("server_starting", zap.String("addr", s.server.Addr))
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server_stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	resp := HealthResponse{Status: "ok", Version: s.version}
	if s.persistence != nil {
		resp.Persistence = "ok"
		if !s.persistence.Healthy() {
			resp.Persistence = "unavailable"
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.scheduler.Permissions())
}

// handleGate answers GET /v1/gate?action=post[&provider=social]. Without an
// action every bound action is listed.
func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	q := r.URL.Query()
	if q.Get("action") == "" {
		s.writeJSON(w, r, http.StatusOK, s.scheduler.Actions())
		return
	}
	action, err := gate.ParseAction(q.Get("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_action", err.Error())
		return
	}
	var d gate.Decision
	if p := q.Get("provider"); p != "" {
		d = s.scheduler.Gate().CanPerformVia(action, p)
	} else {
		d = s.scheduler.CanPerform(action)
	}
	s.writeJSON(w, r, http.StatusOK, d)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	force, err := boolParam(r, "refresh")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	snap, err := s.scheduler.GetCurrentLimits(r.Context(), force)
	if err != nil {
		s.writeContextError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

// handleSchedule runs an analysis, or with cached=true returns the latest
// schedule without probing.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	cached, err := boolParam(r, "cached")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	if cached {
		sched, ok := s.scheduler.LatestSchedule()
		if !ok {
			writeError(w, http.StatusNotFound, "no_schedule", "no analysis has run yet")
			return
		}
		s.writeJSON(w, r, http.StatusOK, sched)
		return
	}
	sched, err := s.scheduler.AnalyzeOpportunities(r.Context())
	if err != nil {
		s.writeContextError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, sched)
}

func (s *Server) handleAct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	res, err := s.scheduler.ShouldActNow(r.Context())
	if err != nil {
		s.writeContextError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "missing_required_fields", "provider is required")
		return
	}
	kind, err := ledger.ParseWindowKind(req.Window)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
		return
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	if err := s.scheduler.ReportUsage(req.Provider, kind, count); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_usage", err.Error())
		return
	}

	q, _ := s.scheduler.Ledger().Quota(req.Provider, kind)
	s.logger.Info("usage_reported",
		zap.String("trace_id", getTraceID(r.Context())),
		zap.String("provider", req.Provider),
		zap.String("window", string(kind)),
		zap.Int("count", count),
		zap.Int("used", q.Used),
	)
	resp := UsageResponse{
		Provider: req.Provider,
		Window:   string(kind),
		Used:     q.Used,
		Limit:    q.Limit,
		ResetAt:  q.ResetAt,
	}
	if q.Bounded() {
		resp.Remaining = q.Remaining()
	} else {
		resp.Remaining = -1
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req RateLimitedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", "")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "missing_required_fields", "provider is required")
		return
	}
	if req.RetryAfterSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid_retry_after", "retry_after_seconds must not be negative")
		return
	}

	sig := provider.QuotaSignal{
		Remaining:   0,
		ResetAt:     req.ResetAt,
		RetryAfter:  time.Duration(req.RetryAfterSeconds * float64(time.Second)),
		RateLimited: true,
	}
	if req.Window != "" {
		kind, err := ledger.ParseWindowKind(req.Window)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
			return
		}
		sig.Window = kind
	}

	until := s.scheduler.ReportRateLimited(req.Provider, sig)
	s.writeJSON(w, r, http.StatusOK, RateLimitedResponse{Provider: req.Provider, CooldownUntil: until})
}

func (s *Server) writeContextError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "request_cancelled", err.Error())
		return
	}
	s.logger.Error("request_failed", zap.String("trace_id", getTraceID(r.Context())), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_server_error", "")
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed_to_encode_response", zap.String("trace_id", getTraceID(r.Context())), zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, Reason: reason})
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New(name + " must be a boolean")
	}
	return b, nil
}
