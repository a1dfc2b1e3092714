// Package api exposes the protection engine over a JSON HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/log"
	"github.com/eth2030/mevguard/protection"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr              string
	RequestsPerMinute int
	MaxBodyBytes      int64
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	// TrustedProxies lists the CIDRs or IPs whose forwarding headers are
	// believed. Empty means clients are identified by socket address only.
	TrustedProxies []string
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:8645",
		RequestsPerMinute: 600,
		MaxBodyBytes:      1 << 20,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: api: listen address is empty", types.ErrValidation)
	case c.RequestsPerMinute <= 0:
		return fmt.Errorf("%w: api: requests per minute must be positive", types.ErrValidation)
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("%w: api: max body size must be positive", types.ErrValidation)
	}
	if _, err := parseProxies(c.TrustedProxies); err != nil {
		return fmt.Errorf("%w: api: %v", types.ErrValidation, err)
	}
	return nil
}

// Server serves the engine's operations under /v1, plus /health and, when a
// gatherer is supplied, /metrics.
type Server struct {
	engine  *protection.Engine
	config  Config
	router  *mux.Router
	handler http.Handler
	httpSrv *http.Server
	log     *log.Logger
}

// NewServer builds the router. gatherer may be nil to disable /metrics.
func NewServer(engine *protection.Engine, config Config, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		engine: engine,
		config: config,
		router: mux.NewRouter(),
		log:    logger.Module("api"),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(requestIDMiddleware)
	v1.Use(metricsMiddleware(engine.Metrics(), s.log))
	proxies, err := parseProxies(config.TrustedProxies)
	if err != nil {
		s.log.Warn("ignoring trusted proxies", "err", err)
		proxies = nil
	}
	v1.Use(rateLimitMiddleware(NewIPRateLimiter(config.RequestsPerMinute), proxies))
	v1.Use(bodyLimitMiddleware(config.MaxBodyBytes))
	s.registerRoutes(v1)

	s.handler = otelhttp.NewHandler(s.router, "mevguard-api")
	s.httpSrv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	// Commit-reveal
	r.HandleFunc("/commits", s.handleCreateCommit).Methods(http.MethodPost)
	r.HandleFunc("/commits/expire", s.handleExpireCommits).Methods(http.MethodPost)
	r.HandleFunc("/commits/{id}", s.handleGetCommit).Methods(http.MethodGet)
	r.HandleFunc("/commits/{id}/reveal", s.handleRevealCommit).Methods(http.MethodPost)
	r.HandleFunc("/commits/{id}/cancel", s.handleCancelCommit).Methods(http.MethodPost)
	r.HandleFunc("/commits/{id}/executed", s.handleMarkCommit(true)).Methods(http.MethodPost)
	r.HandleFunc("/commits/{id}/failed", s.handleMarkCommit(false)).Methods(http.MethodPost)
	r.HandleFunc("/users/{userHash}/commits", s.handleUserCommits).Methods(http.MethodGet)

	// Private mempool
	r.HandleFunc("/mempool", s.handleSubmitTx).Methods(http.MethodPost)
	r.HandleFunc("/mempool", s.handleMempoolSize).Methods(http.MethodGet)
	r.HandleFunc("/mempool/expire", s.handleExpireTxs).Methods(http.MethodPost)
	r.HandleFunc("/mempool/{id}", s.handleGetTx).Methods(http.MethodGet)
	r.HandleFunc("/mempool/{id}", s.handleRemoveTx).Methods(http.MethodDelete)

	// Batches
	r.HandleFunc("/batches", s.handleCreateBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches", s.handlePendingBatches).Methods(http.MethodGet)
	r.HandleFunc("/batches/should-create", s.handleShouldCreateBatch).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}", s.handleGetBatch).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}/execute", s.handleExecuteBatch).Methods(http.MethodPost)

	// Attack detection
	r.HandleFunc("/detection/records", s.handleRecordTx).Methods(http.MethodPost)
	r.HandleFunc("/detection/attacks", s.handleRecentAttacks).Methods(http.MethodGet)
	r.HandleFunc("/detection/analyze/{txId}", s.handleDetectAttack).Methods(http.MethodPost)

	// Engine
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/cleanup", s.handleCleanup).Methods(http.MethodPost)
	r.HandleFunc("/block", s.handleGetBlock).Methods(http.MethodGet)
	r.HandleFunc("/block", s.handleSetBlock).Methods(http.MethodPut)
	r.HandleFunc("/slippage", s.handleMinAmountOut).Methods(http.MethodPost)
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("api listening", "addr", ln.Addr().String())
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// --- Responses ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an engine error to an HTTP status by its kind.
func statusFor(err error) int {
	switch types.Kind(err) {
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrState:
		return http.StatusConflict
	case types.ErrExpired:
		return http.StatusGone
	case types.ErrIntegrity:
		return http.StatusUnprocessableEntity
	case types.ErrCapacity:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "err", err, "id", RequestID(r.Context()))
	}
	writeError(w, status, err.Error())
}
