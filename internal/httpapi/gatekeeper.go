package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"taskflow.io/internal/auth"
	"taskflow.io/internal/obs"
	"taskflow.io/internal/ratelimit"
)

var (
	errInvalidScheme = errors.New("invalid authorization scheme")
	errMissingToken  = errors.New("missing bearer token")
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
	apiKeyHeader = "X-API-Key"
)

// Paths that never require a credential. Everything else under the mux is
// either guarded per route or public by construction (404 catch-all).
var publicPaths = map[string]bool{
	"/healthz":                true,
	"/readyz":                 true,
	"/metrics":                true,
	"/v1/auth/register":       true,
	"/v1/auth/login":          true,
	"/v1/auth/refresh":        true,
	"/v1/auth/logout":         true,
	"/v1/auth/oauth/start":    true,
	"/v1/auth/oauth/callback": true,
}

// Probes and the metrics scrape are exempt from rate limiting.
var unlimitedPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// rateLimit counts the request against its endpoint class before any
// credential is parsed, keyed by client IP. General-class requests that
// carry a credential on a protected path are skipped here and budgeted per
// caller once withAuth has resolved who they are, so users behind a shared
// IP never drain one another's quota.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil || unlimitedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		class, rule := a.classify(r)
		if class == "general" && hasCredential(r) && !publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if !a.checkLimit(w, r, class, rule, class+":"+clientIP(r)) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerRateLimit applies the endpoint-class budget to authenticated
// requests, keyed by the caller id withAuth resolved.
func (a *API) callerRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if a.limiter == nil || !ok || unlimitedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		class, rule := a.classify(r)
		if !a.checkLimit(w, r, class, rule, class+":user:"+principal.UserID) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkLimit counts one request against the keyed window and reports
// whether it may proceed. Limit headers go on every counted response so
// clients can pace themselves.
func (a *API) checkLimit(w http.ResponseWriter, r *http.Request, class string, rule ratelimit.Rule, key string) bool {
	now := a.now()

	d, err := a.limiter.Allow(r.Context(), key, rule)
	if err != nil {
		obs.Logger().Printf("ratelimit: store error for class %s: %v", class, err)
	}
	d = ratelimit.Resolve(d, err, rule, now)

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

	if !d.Allowed {
		obs.ObserveRateLimited(class)
		retry := int64(d.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func hasCredential(r *http.Request) bool {
	return strings.TrimSpace(r.Header.Get(authHeader)) != "" ||
		strings.TrimSpace(r.Header.Get(apiKeyHeader)) != ""
}

func (a *API) classify(r *http.Request) (string, ratelimit.Rule) {
	if r.URL.Path == "/v1/auth/login" {
		return "auth:login", a.rules.Login
	}
	return "general", a.rules.General
}

// withAuth resolves the request credential, if any, into a principal on
// the context. A credential that is present but invalid is rejected here;
// a request with no credential passes through and is stopped by guard on
// protected routes. Handlers never see a raw token or key.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := strings.TrimSpace(r.Header.Get(authHeader))
		apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))

		switch {
		case header != "":
			token, err := extractBearerToken(header)
			if err != nil {
				obs.ObserveTokenValidation("malformed")
				writeError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			principal, err := a.tokens.ValidateAccessToken(token)
			if err != nil {
				obs.ObserveTokenValidation(validationResult(err))
				handleAuthError(w, r, err)
				return
			}
			obs.ObserveTokenValidation("ok")
			r = r.WithContext(auth.ContextWithPrincipal(r.Context(), principal))

		case apiKey != "":
			principal, err := a.keys.ValidateKey(r.Context(), apiKey)
			if err != nil {
				obs.ObserveTokenValidation(validationResult(err))
				handleAuthError(w, r, err)
				return
			}
			obs.ObserveTokenValidation("ok")
			r = r.WithContext(auth.ContextWithPrincipal(r.Context(), principal))
		}

		next.ServeHTTP(w, r)
	})
}

// guard enforces a per-route requirement against the principal withAuth
// resolved. Missing principal means no credential was presented at all.
func (a *API) guard(req auth.Requirement, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		if err := auth.Authorize(principal, req); err != nil {
			handleAuthError(w, r, err)
			return
		}
		next(w, r)
	}
}

func extractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", errInvalidScheme
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

func validationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrTokenSignature):
		return "bad_signature"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "revoked"
	default:
		return "malformed"
	}
}
