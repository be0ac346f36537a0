// Package httptransport is the thin HTTP layer over the trust ledger and the
// prediction engine. Handlers delegate to domain services and translate
// classified errors to status codes; no business logic lives here.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errs "foresight/pkg/errors"
	"foresight/pkg/requestcontext"
)

// Handler carries the services the routes delegate to.
type Handler struct {
	ledger Ledger
	engine Engine
	health HealthChecker
	logger *slog.Logger
}

// HealthChecker reports readiness of a backing dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

func NewHandler(ledger Ledger, engine Engine, opts ...Option) *Handler {
	h := &Handler{
		ledger: ledger,
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithHealthChecker adds a dependency probe to /healthz.
func WithHealthChecker(hc HealthChecker) Option {
	return func(h *Handler) { h.health = hc }
}

// NewRouter wires all public endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(withRequestContext)

	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/predictions", h.handleActivePredictions)
		r.Post("/predictions/{id}/ack", h.handleAcknowledge)
		r.Post("/predictions/{id}/resolve", h.handleResolve)

		r.Post("/resolve", h.handleResolveTrust)
		r.Get("/trust/{anchor}", h.handleTrustProfile)
		r.Get("/trust/{anchor}/history", h.handleTrustHistory)
	})
	return r
}

// withRequestContext copies request metadata into context values the domain
// layers read without importing net/http. Runs after RealIP so the client IP
// reflects forwarding headers.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = requestcontext.WithTime(ctx, time.Now())
		ctx = requestcontext.WithRequestID(ctx, middleware.GetReqID(ctx))
		ctx = requestcontext.WithClientIP(ctx, r.RemoteAddr)
		ctx = requestcontext.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError centralizes classified-error translation so every handler
// produces the same JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errs.CodeInternal
	var e *errs.Error
	if errors.As(err, &e) {
		code = e.Code
		status = errs.ToHTTPStatus(e.Code)
	}
	writeJSON(w, status, map[string]string{"error": string(code)})
}
