// Package httpapi is the HTTP surface of the service. All credential
// parsing and authorization happens in the gatekeeper chain before a
// handler runs; handlers only read the resolved principal from the
// request context.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"taskflow.io/internal/auth"
	"taskflow.io/internal/oauth"
	"taskflow.io/internal/obs"
	"taskflow.io/internal/ratelimit"
)

const maxBodyBytes = 1 << 20

// ReadyProbe reports whether the process can serve traffic, typically by
// pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// RateRules carries the per-class limits the gatekeeper applies.
type RateRules struct {
	Login   ratelimit.Rule
	General ratelimit.Rule
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	tokens     *auth.Service
	keys       *auth.KeyManager
	federator  *oauth.Federator
	limiter    ratelimit.Limiter
	rules      RateRules
	readyProbe ReadyProbe
	version    string
	now        func() time.Time
}

// Option configures an API.
type Option func(*API)

// WithFederator enables the OAuth federation endpoints.
func WithFederator(f *oauth.Federator) Option {
	return func(a *API) { a.federator = f }
}

// WithReadyProbe sets the readiness check.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithAPIClock overrides the time source for tests.
func WithAPIClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

// New builds the API and registers all routes.
func New(tokens *auth.Service, keys *auth.KeyManager, limiter ratelimit.Limiter, rules RateRules, version string, opts ...Option) *API {
	a := &API{
		mux:     http.NewServeMux(),
		tokens:  tokens,
		keys:    keys,
		limiter: limiter,
		rules:   rules,
		version: version,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/oauth/start", a.handleOAuthStart)
	a.mux.HandleFunc("/v1/auth/oauth/callback", a.handleOAuthCallback)

	a.mux.HandleFunc("/v1/apikeys", a.guard(auth.Requirement{Permission: auth.PermAPIKeyManage}, a.handleAPIKeysCollection))
	a.mux.HandleFunc("/v1/apikeys/", a.guard(auth.Requirement{Permission: auth.PermAPIKeyManage}, a.handleAPIKeyResource))

	a.mux.HandleFunc("/v1/me", a.guard(auth.Requirement{}, a.handleMe))
	a.mux.HandleFunc("/v1/me/password", a.guard(auth.Requirement{}, a.handlePasswordChange))
	a.mux.HandleFunc("/v1/users/", a.guard(auth.Requirement{Permission: auth.PermUserManage}, a.handleUserResource))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler: metrics on the outside,
// then request id, logging, hardening headers, body cap, rate limiting and
// credential extraction. Authorization happens per route in guard.
func (a *API) Handler() http.Handler {
	h := a.callerRateLimit(a.mux)
	h = a.withAuth(h)
	h = a.rateLimit(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "taskflow-api",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
