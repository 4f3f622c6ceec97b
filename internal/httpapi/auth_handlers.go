package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"aegis.org/internal/audit"
	"aegis.org/internal/auth"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int64        `json:"expires_in"`
	CSRFToken   string       `json:"csrf_token"`
	User        auth.Subject `json:"user"`
}

type meResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	KeyID     string    `json:"kid"`
	ExpiresAt time.Time `json:"expires_at"`
	Actions   []string  `json:"actions"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identifier := firstNonEmpty(req.Identifier, req.Username, req.Email)
	meta := auth.LoginMeta{IP: a.clientIP(r), UserAgent: r.UserAgent()}

	user, err := a.authn.Login(r.Context(), identifier, req.Password, meta)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
				"identifier": identifier,
				"client_ip":  meta.IP,
			})
		}
		a.handleError(w, r, err)
		return
	}
	ctx := audit.WithActor(r.Context(), user.ID)
	pair, err := a.issuer.Issue(ctx, user.Subject(), auth.IssueOptions{Persistent: req.RememberMe})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	csrf, err := a.setSession(w, pair)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{
		"family_id":  pair.FamilyID,
		"persistent": pair.Persistent,
		"client_ip":  meta.IP,
	})
	writeJSON(w, http.StatusOK, newSessionResponse(pair, csrf))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, err := refreshTokenFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.issuer.RotateRefresh(r.Context(), raw)
	if err != nil {
		a.clearSession(w)
		a.handleError(w, r, err)
		return
	}
	csrf, err := a.setSession(w, pair)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(pair, csrf))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	raw, err := refreshTokenFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.issuer.Logout(r.Context(), raw); err != nil {
		a.handleError(w, r, err)
		return
	}
	a.clearSession(w)
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	n, err := a.issuer.RevokeAll(r.Context(), claims.Subject)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.clearSession(w)
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"all": true, "revoked": n})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	actions, err := a.resolver.Actions(r.Context(), claims.Subject, "")
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	resp := meResponse{
		ID:       claims.Subject,
		Username: claims.Username,
		Email:    claims.Email,
		KeyID:    claims.KeyID,
		Actions:  actions,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, resp)
}

// refreshTokenFrom prefers the cookie and falls back to a JSON body.
func refreshTokenFrom(r *http.Request) (string, error) {
	if c, err := r.Cookie(cookieRefresh); err == nil && c.Value != "" {
		return c.Value, nil
	}
	if r.ContentLength == 0 {
		return "", nil
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	return req.RefreshToken, nil
}

func newSessionResponse(pair auth.TokenPair, csrf string) sessionResponse {
	return sessionResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   pair.ExpiresIn,
		CSRFToken:   csrf,
		User:        pair.Subject,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
