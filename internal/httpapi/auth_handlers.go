package httpapi

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"taskflow.io/internal/auth"
	"taskflow.io/internal/obs"
)

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type roleChangeRequest struct {
	Role string `json:"role"`
}

type createKeyRequest struct {
	Label       string   `json:"label"`
	Permissions []string `json:"permissions"`
	TTLSeconds  int64    `json:"ttl_seconds"`
}

type userSummary struct {
	ID    string    `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name,omitempty"`
	Role  auth.Role `json:"role"`
}

type loginResponse struct {
	auth.TokenPair
	User userSummary `json:"user"`
}

type principalView struct {
	UserID      string          `json:"user_id"`
	Email       string          `json:"email,omitempty"`
	Name        string          `json:"name,omitempty"`
	Role        auth.Role       `json:"role,omitempty"`
	Method      auth.AuthMethod `json:"method"`
	Permissions []string        `json:"permissions"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.tokens.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	obs.LogEvent("auth.register", map[string]any{
		"user_id":    user.ID,
		"email":      user.Email,
		"request_id": RequestIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, principal, err := a.tokens.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		obs.ObserveLogin("failure")
		// The email goes to the log, never into the response.
		obs.LogEvent("auth.login.failure", map[string]any{
			"email":      auth.NormalizeEmail(req.Email),
			"remote_ip":  clientIP(r),
			"request_id": RequestIDFromContext(r.Context()),
		})
		handleAuthError(w, r, err)
		return
	}

	obs.ObserveLogin("success")
	obs.LogEvent("auth.login.success", map[string]any{
		"user_id":    principal.UserID,
		"remote_ip":  clientIP(r),
		"request_id": RequestIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		TokenPair: pair,
		User: userSummary{
			ID:    principal.UserID,
			Email: principal.Email,
			Name:  principal.Name,
			Role:  principal.Role,
		},
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, principal, err := a.tokens.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	obs.LogEvent("auth.refresh.rotate", map[string]any{
		"user_id":    principal.UserID,
		"request_id": RequestIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.tokens.Logout(r.Context(), req.RefreshToken); err != nil {
		handleAuthError(w, r, err)
		return
	}
	obs.LogEvent("auth.logout", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.federator == nil {
		writeError(w, r, http.StatusNotFound, "federation is not configured")
		return
	}

	authURL, err := a.federator.Start(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.federator == nil {
		writeError(w, r, http.StatusNotFound, "federation is not configured")
		return
	}

	q := r.URL.Query()
	pair, principal, err := a.federator.Callback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		obs.ObserveLogin("failure")
		handleAuthError(w, r, err)
		return
	}

	obs.ObserveLogin("success")
	obs.LogEvent("auth.login.federated", map[string]any{
		"user_id":    principal.UserID,
		"remote_ip":  clientIP(r),
		"request_id": RequestIDFromContext(r.Context()),
	})
	writeJSON(w, http.StatusOK, loginResponse{
		TokenPair: pair,
		User: userSummary{
			ID:    principal.UserID,
			Email: principal.Email,
			Name:  principal.Name,
			Role:  principal.Role,
		},
	})
}

func (a *API) handleAPIKeysCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAPIKey(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/apikeys/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		a.revokeAPIKey(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl_seconds must be >= 0")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	ttl := time.Duration(req.TTLSeconds) * time.Second

	key, raw, err := a.keys.IssueKey(r.Context(), principal.UserID, req.Label, req.Permissions, ttl)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	obs.LogEvent("auth.apikey.issue", map[string]any{
		"key_id":     key.ID,
		"owner_id":   principal.UserID,
		"label":      key.Label,
		"request_id": RequestIDFromContext(r.Context()),
	})

	// The raw value appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": key,
		"key":     raw,
	})
}

func (a *API) revokeAPIKey(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.keys.Revoke(r.Context(), id); err != nil {
		handleAuthError(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	obs.LogEvent("auth.apikey.revoke", map[string]any{
		"key_id":     id,
		"actor_id":   principal.UserID,
		"request_id": RequestIDFromContext(r.Context()),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())

	perms := make([]string, 0, len(principal.Permissions))
	for p := range principal.Permissions {
		perms = append(perms, p)
	}
	sort.Strings(perms)

	view := principalView{
		UserID:      principal.UserID,
		Email:       principal.Email,
		Name:        principal.Name,
		Role:        principal.Role,
		Method:      principal.Method,
		Permissions: perms,
	}
	if !principal.ExpiresAt.IsZero() {
		view.ExpiresAt = &principal.ExpiresAt
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal.Method == auth.MethodAPIKey {
		writeError(w, r, http.StatusForbidden, "insufficient privilege")
		return
	}

	var req passwordChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.tokens.ChangePassword(r.Context(), principal.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	obs.LogEvent("auth.password.change", map[string]any{
		"user_id":    principal.UserID,
		"request_id": RequestIDFromContext(r.Context()),
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleUserResource covers /v1/users/{id}/role. Role changes revoke every
// outstanding refresh token for the target user.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	id, rest, found := strings.Cut(path, "/")
	if !found || rest != "role" || id == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}

	var req roleChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, ok := auth.ParseRole(req.Role)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown role")
		return
	}

	if err := a.tokens.ChangeRole(r.Context(), id, role); err != nil {
		handleAuthError(w, r, err)
		return
	}

	actor, _ := auth.PrincipalFromContext(r.Context())
	obs.LogEvent("auth.role.change", map[string]any{
		"user_id":    id,
		"role":       string(role),
		"actor_id":   actor.UserID,
		"request_id": RequestIDFromContext(r.Context()),
	})
	w.WriteHeader(http.StatusNoContent)
}
