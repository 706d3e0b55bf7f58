// Package server is the HTTP surface: one streaming execute endpoint,
// a replay poller for checkpointed executions, and the usual health and
// metrics plumbing. Authentication, rate limiting, and allowance checks
// all happen before the stream opens.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/background"
	"github.com/loomworks/loom/internal/driver"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/usage"
)

// Server wires the request pipeline onto an http.Server.
type Server struct {
	driver    *driver.Driver
	store     *store.Store
	conts     *background.Continuations
	authStore *auth.Store
	limiter   *auth.RateLimiter
	schema    *bodySchema

	httpServer *http.Server
}

// New builds the server and its routes.
func New(addr string, drv *driver.Driver, st *store.Store, conts *background.Continuations, authStore *auth.Store, limiter *auth.RateLimiter) (*Server, error) {
	schema, err := newBodySchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		driver:    drv,
		store:     st,
		conts:     conts,
		authStore: authStore,
		limiter:   limiter,
		schema:    schema,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	authed := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		handler = auth.AllowanceMiddleware(authStore)(handler)
		handler = auth.RateLimitMiddleware(limiter)(handler)
		handler = auth.Middleware(authStore)(handler)
		return handler
	}
	mux.Handle("POST /v1/execute", authed(s.handleExecute))
	mux.Handle("GET /v1/executions/{id}/events", authed(s.handleReplay))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           metrics.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: execute streams stay open for the lifetime of
		// the execution and are bounded by heartbeats instead.
	}
	return s, nil
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// LedgerSink records usage both to Prometheus and to the per-user
// monthly token ledger that backs allowance enforcement.
type LedgerSink struct {
	Prom      usage.PrometheusSink
	AuthStore *auth.Store
}

func (s LedgerSink) Record(rec usage.Record) {
	s.Prom.Record(rec)
	if s.AuthStore == nil || rec.UserID == "" {
		return
	}
	total := rec.Usage.InputTokens + rec.Usage.OutputTokens
	if total == 0 {
		return
	}
	if err := s.AuthStore.AddUsage(rec.UserID, total); err != nil {
		logger.Warn("failed to record token usage", "user_id", rec.UserID, "error", err)
	}
}
