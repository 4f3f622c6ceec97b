package httpapi

import (
	"net/http"
	"time"

	"aegis.org/internal/audit"
	"aegis.org/internal/keys"
)

type cleanupRequest struct {
	UsernamePrefix string `json:"username_prefix"`
}

type rotateResponse struct {
	KeyID       string    `json:"kid"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "aegis",
		"version": a.version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := a.keys.Active(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "signing key unavailable",
		})
		return
	}
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, a.keys.JWKS())
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	infos := a.keys.Keys()
	if infos == nil {
		infos = []keys.KeyInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  infos,
		"grace": a.keys.Grace().String(),
	})
}

func (a *API) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := a.keys.Rotate(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rotateResponse{KeyID: key.ID, GeneratedAt: key.GeneratedAt})
}

func (a *API) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := a.keys.Revoke(r.Context(), r.PathValue("kid")); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionCleanup bulk-deletes sessions of test accounts. It answers
// 403 unless enabled in configuration.
func (a *API) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	if !a.allowCleanup {
		writeError(w, r, http.StatusForbidden, "session cleanup is disabled")
		return
	}
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.issuer.CleanupSessions(r.Context(), req.UsernamePrefix)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.sessions.cleanup", map[string]any{
		"username_prefix": req.UsernamePrefix,
		"deleted":         n,
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}
