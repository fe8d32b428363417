package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"agora.app/internal/gate"
	"agora.app/internal/obs"
	"agora.app/internal/verification"
)

const serviceName = "agora-gate"

// Pinger is anything readiness depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports ready when every dependency answers a ping.
type ReadyProbe struct {
	Deps    []Pinger
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var errs []error
	for _, d := range rp.Deps {
		if d == nil {
			continue
		}
		if err := d.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options tunes the HTTP surface. Zero values take defaults.
type Options struct {
	Version      string
	CORSOrigins  []string
	MaxBodyBytes int64
	RatePerSec   float64
	RateBurst    int
	TrustProxy   bool
	Policies     Policies
}

// API is the HTTP layer over the gate and the verification service.
type API struct {
	gate         *gate.Gate
	verification *verification.Service
	ready        readinessChecker
	opts         Options
	router       chi.Router
}

func New(g *gate.Gate, svc *verification.Service, ready readinessChecker, opts Options) (*API, error) {
	if g == nil || svc == nil {
		return nil, errors.New("httpapi: gate and verification service are required")
	}
	if ready == nil {
		ready = ReadyProbe{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.Policies.isZero() {
		opts.Policies = DefaultPolicies()
	}
	a := &API{gate: g, verification: svc, ready: ready, opts: opts}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	if a.opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.CORSOrigins))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	// The per-IP bucket is a flood shield in front of token parsing. It is
	// sized well above the gate's own limits, which run after attestation
	// and identity inside Admit.
	r.Group(func(r chi.Router) {
		r.Use(RateLimit(a.opts.RateBurst, a.opts.RatePerSec))
		r.Use(MaxBodyBytes(a.opts.MaxBodyBytes))
		a.mountVerification(r)
	})

	r.NotFound(writeNotFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{
			Error:     "method_not_allowed",
			RequestID: RequestIDFromContext(r),
		})
	})
	return r
}

// Handler wraps the router with request metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

// Ready never echoes the dependency error to the client.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Logger().Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
