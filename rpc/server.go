package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brm/core/events"
	"brm/gateway/middleware"
	"brm/native/escrow"
	"brm/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	shutdownTimeout = 5 * time.Second
)

// ServerConfig bundles the HTTP concerns wrapped around the JSON-RPC handler.
type ServerConfig struct {
	Auth        middleware.AuthConfig
	RateLimit   middleware.RateLimit
	LogRequests bool
	// Registerer receives the HTTP collectors. Nil uses the default registry.
	Registerer prometheus.Registerer
}

type handlerFunc func(ctx context.Context, req *RPCRequest) (interface{}, error)

type method struct {
	write   bool
	handler handlerFunc
}

// Server exposes the escrow engine over JSON-RPC 2.0.
type Server struct {
	engine  *escrow.Engine
	events  *events.Recorder
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	logger  *slog.Logger
	methods map[string]method
}

func NewServer(engine *escrow.Engine, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Auth.OptionalPaths) == 0 {
		cfg.Auth.OptionalPaths = []string{"/healthz"}
	}
	s := &Server{
		engine:  engine,
		auth:    middleware.NewAuthenticator(cfg.Auth, logger),
		limiter: middleware.NewRateLimiter(cfg.RateLimit, logger),
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "brmd",
			LogRequests: cfg.LogRequests,
		}, cfg.Registerer, logger),
		logger: logger,
	}
	s.limiter.OnThrottle(func(string) {
		observability.RPC().Throttled("rate_limit")
	})
	s.methods = map[string]method{
		"brm_createEscrow":     {write: true, handler: s.handleCreateEscrow},
		"brm_fund":             {write: true, handler: s.handleFund},
		"brm_submit":           {write: true, handler: s.handleSubmit},
		"brm_approve":          {write: true, handler: s.handleApprove},
		"brm_openDispute":      {write: true, handler: s.handleOpenDispute},
		"brm_respondToDispute": {write: true, handler: s.handleRespondToDispute},
		"brm_deposit":          {write: true, handler: s.handleDeposit},
		"brm_resolve":          {write: true, handler: s.handleResolve},
		"brm_claim":            {write: true, handler: s.handleClaim},
		"brm_checkTimeouts":    {write: true, handler: s.handleCheckTimeouts},
		"brm_getEscrow":        {handler: s.handleGetEscrow},
		"brm_getDispute":       {handler: s.handleGetDispute},
		"brm_getDeposits":      {handler: s.handleGetDeposits},
		"brm_getBalance":       {handler: s.handleGetBalance},
		"brm_getEvents":        {handler: s.handleGetEvents},
	}
	return s
}

// SetEventSource exposes recently emitted engine events through brm_getEvents.
func (s *Server) SetEventSource(recorder *events.Recorder) { s.events = recorder }

// Router returns the HTTP handler serving the health check and the JSON-RPC
// endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.auth.Middleware)
	r.With(s.obs.Middleware("healthz")).Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.With(s.obs.Middleware("rpc"), s.limiter.Middleware).Post("/", s.handle)
	return r
}

// MetricsRouter serves the Prometheus default registry.
func MetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe runs handler on addr until ctx is cancelled, then shuts the
// server down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	m, ok := s.methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	start := time.Now()
	status := http.StatusOK
	errClass := ""
	defer func() {
		observability.RPC().Observe(req.Method, status, errClass, time.Since(start))
	}()

	if m.write && !s.auth.Authorize(r.Context(), middleware.WriteScope) {
		status, errClass = http.StatusForbidden, "forbidden"
		writeError(w, status, req.ID, codeForbidden, "insufficient scope", middleware.WriteScope)
		return
	}
	result, err := m.handler(r.Context(), req)
	if err != nil {
		var code int
		status, code, errClass = classify(err)
		if errClass == "internal" {
			s.logger.Error("rpc handler failed", "component", "rpc", "method", req.Method, "error", err)
		}
		writeError(w, status, req.ID, code, errClass, err.Error())
		return
	}
	writeResult(w, req.ID, result)
}
