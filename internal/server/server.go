// Package server exposes the relay over HTTP: the gateway ingest endpoint,
// the agent WebSocket endpoint, and the admin query surface.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fzhlian/codexbridge/internal/audit"
	"github.com/fzhlian/codexbridge/internal/config"
	"github.com/fzhlian/codexbridge/internal/metrics"
	"github.com/fzhlian/codexbridge/internal/relay"
	"github.com/fzhlian/codexbridge/internal/store"
)

// secretHeader carries the shared admin secret when one is configured.
const secretHeader = "X-Relay-Secret"

// Server binds the engine to its HTTP and WebSocket surfaces.
type Server struct {
	cfg       *config.Config
	engine    *relay.Engine
	health    func() store.Health
	metrics   *metrics.Metrics
	logger    *slog.Logger
	startedAt time.Time
	httpSrv   *http.Server
}

// New builds the server and its route table.
func New(cfg *config.Config, engine *relay.Engine, health func() store.Health, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		health:    health,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /ops/config", s.gated(s.handleConfig))
	mux.HandleFunc("GET /machines", s.gated(s.handleMachines))
	mux.HandleFunc("GET /inflight", s.gated(s.handleInflight))
	mux.HandleFunc("GET /commands/{id}", s.gated(s.handleCommand))
	mux.HandleFunc("GET /audit/recent", s.gated(s.handleAuditRecent))
	mux.HandleFunc("POST /commands/{id}/cancel", s.gated(s.handleCancel))
	mux.HandleFunc("POST /commands/{id}/retry", s.gated(s.handleRetry))
	mux.HandleFunc("POST /messages", s.gated(s.handleMessage))
	mux.HandleFunc("GET /agent/ws", s.gated(s.handleAgentWS))

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", s.cfg.ListenAddr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// gated enforces the shared-secret header when a secret is configured.
func (s *Server) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminSecret != "" {
			got := r.Header.Get(secretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
				s.respondError(w, http.StatusUnauthorized, "missing or invalid secret")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"store":          s.health(),
		"machines":       s.engine.Registry().Count(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.cfg.Redacted())
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Registry().List())
}

func (s *Server) handleInflight(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.InflightList(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []store.InflightRecord{}
	}
	s.respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	rec := s.engine.Trail().Get(r.PathValue("id"))
	if rec == nil {
		s.respondError(w, http.StatusNotFound, "unknown command")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs := s.engine.Trail().ListRecent(limit, audit.Filter{
		UserID:    q.Get("userId"),
		MachineID: q.Get("machineId"),
		Status:    q.Get("status"),
	})
	if recs == nil {
		recs = []audit.Record{}
	}
	s.respondJSON(w, http.StatusOK, recs)
}

type ownerRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.Cancel(r.Context(), r.PathValue("id"), req.UserID); err != nil {
		s.respondRelayError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancel_sent"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	newID, err := s.engine.Retry(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		s.respondRelayError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"commandId": newID})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg relay.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ack, err := s.engine.HandleMessage(r.Context(), msg)
	if err != nil {
		s.respondRelayError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ack)
}

// respondRelayError maps a typed relay error onto an HTTP status.
func (s *Server) respondRelayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch relay.ErrKind(err) {
	case relay.KindValidation:
		status = http.StatusBadRequest
	case relay.KindUnauthorized:
		status = http.StatusForbidden
	case relay.KindNotFound:
		status = http.StatusNotFound
	case relay.KindConflict:
		status = http.StatusConflict
	case relay.KindRateLimited:
		status = http.StatusTooManyRequests
	case relay.KindStoreDegraded:
		status = http.StatusServiceUnavailable
	case relay.KindTimedOut:
		status = http.StatusGatewayTimeout
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
