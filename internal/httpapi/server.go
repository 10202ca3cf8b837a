// Package httpapi exposes the readiness gate and share dispatcher over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/agentworkforce/hostgate/internal/dispatch"
	"github.com/agentworkforce/hostgate/internal/fallback"
	"github.com/agentworkforce/hostgate/internal/hostbridge"
	"github.com/agentworkforce/hostgate/internal/journal"
	"github.com/agentworkforce/hostgate/internal/readiness"
)

const (
	scopeGateRead     = "gate:read"
	scopeGateWrite    = "gate:write"
	scopeShareWrite   = "share:write"
	scopeOutcomesRead = "outcomes:read"
)

type Gate interface {
	EnsureReady(ctx context.Context, force bool) error
	Snapshot() readiness.State
}

type Sharer interface {
	Share(ctx context.Context, req dispatch.ShareRequest) (dispatch.Outcome, error)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Deps are the collaborators behind the routes. Recorder and Metrics may be
// nil; their routes then answer 404.
type Deps struct {
	Gate     Gate
	Sharer   Sharer
	Recorder journal.Recorder
	Metrics  http.Handler
	Logger   logr.Logger
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	log         logr.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type readyRequest struct {
	Force bool `json:"force"`
}

type readyResponse struct {
	Ready bool `json:"ready"`
	readiness.State
}

type shareResponse struct {
	Kind          dispatch.OutcomeKind     `json:"kind"`
	Attempts      int                      `json:"attempts"`
	Result        *hostbridge.ActionResult `json:"result,omitempty"`
	Fallback      *fallback.Directive      `json:"fallback,omitempty"`
	Cause         string                   `json:"cause,omitempty"`
	CorrelationID string                   `json:"correlationId"`
}

type outcomesResponse struct {
	Entries []journal.Entry `json:"entries"`
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		log:         deps.Logger.WithName("httpapi"),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.deps.Metrics != nil {
		s.deps.Metrics.ServeHTTP(w, r)
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/v1/ready" && r.Method == http.MethodGet:
		requiredScope = scopeGateRead
		route = "ready_get"
	case r.URL.Path == "/v1/ready" && r.Method == http.MethodPost:
		requiredScope = scopeGateWrite
		route = "ready_post"
	case r.URL.Path == "/v1/share" && r.Method == http.MethodPost && s.deps.Sharer != nil:
		requiredScope = scopeShareWrite
		route = "share"
	case r.URL.Path == "/v1/outcomes" && r.Method == http.MethodGet && s.deps.Recorder != nil:
		requiredScope = scopeOutcomesRead
		route = "outcomes"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "ready_get":
		s.handleReadyState(w)
	case "ready_post":
		s.handleEnsureReady(w, r, correlationID)
	case "share":
		s.handleShare(w, r, correlationID)
	case "outcomes":
		s.handleOutcomes(w, r, correlationID)
	}
}

func (s *Server) handleReadyState(w http.ResponseWriter) {
	state := s.deps.Gate.Snapshot()
	writeJSON(w, http.StatusOK, readyResponse{Ready: state.Ready(), State: state})
}

func (s *Server) handleEnsureReady(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req readyRequest
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	if err := s.deps.Gate.EnsureReady(r.Context(), req.Force); err != nil {
		switch {
		case errors.Is(err, readiness.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "unavailable", "readiness gate closed", correlationID)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "timeout", "request ended before the gate settled", correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	s.log.V(1).Info("gate ensured", "force", req.Force, "correlationId", correlationID)
	s.handleReadyState(w)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req dispatch.ShareRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	req.Environment = fallback.Environment{UserAgent: r.UserAgent()}
	req.CorrelationID = correlationID

	outcome, err := s.deps.Sharer.Share(r.Context(), req)
	resp := shareResponse{
		Kind:          outcome.Kind,
		Attempts:      outcome.Attempts,
		Result:        outcome.Result,
		Fallback:      outcome.Fallback,
		CorrelationID: correlationID,
	}
	if outcome.Cause != nil {
		resp.Cause = outcome.Cause.Error()
	}
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	switch {
	case errors.Is(err, dispatch.ErrInvalidPayload), errors.Is(err, fallback.ErrInvalidLocator):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, dispatch.ErrNotReadyNoFallback):
		writeError(w, http.StatusServiceUnavailable, "host_not_ready", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusBadGateway, "share_failed", err.Error(), correlationID)
	}
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	entries, err := s.deps.Recorder.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error(err, "list outcomes", "correlationId", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list outcomes", correlationID)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, outcomesResponse{Entries: entries})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, defaultValue, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}
