package httpapi

import (
	"net/http"
	"time"

	"aegis.org/internal/auth"
	"aegis.org/internal/ids"
)

const (
	cookieAccess  = "access_token"
	cookieRefresh = "refresh_token"
	cookieCSRF    = "csrf_token"
)

type cookieConfig struct {
	secure bool
	domain string
}

func (c cookieConfig) cookie(name, value string, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		Secure:   c.secure,
		HttpOnly: httpOnly,
		SameSite: http.SameSiteLaxMode,
	}
}

// setSession writes the session cookies for pair and returns the new CSRF
// token. Refresh and CSRF cookies live as long as the refresh token, which
// is short unless the session is persistent.
func (a *API) setSession(w http.ResponseWriter, pair auth.TokenPair) (string, error) {
	csrf, err := ids.Secret(32)
	if err != nil {
		return "", err
	}
	now := a.now()

	access := a.cookies.cookie(cookieAccess, pair.AccessToken, true)
	access.Expires = pair.AccessExpiresAt
	access.MaxAge = maxAge(pair.AccessExpiresAt, now)

	refresh := a.cookies.cookie(cookieRefresh, pair.RefreshToken, true)
	csrfCookie := a.cookies.cookie(cookieCSRF, csrf, false)
	for _, c := range []*http.Cookie{refresh, csrfCookie} {
		c.Expires = pair.RefreshExpiresAt
		c.MaxAge = maxAge(pair.RefreshExpiresAt, now)
	}

	http.SetCookie(w, access)
	http.SetCookie(w, refresh)
	http.SetCookie(w, csrfCookie)
	return csrf, nil
}

func (a *API) clearSession(w http.ResponseWriter) {
	for _, name := range []string{cookieAccess, cookieRefresh} {
		c := a.cookies.cookie(name, "", true)
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
	c := a.cookies.cookie(cookieCSRF, "", false)
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	http.SetCookie(w, c)
}

func maxAge(until, now time.Time) int {
	secs := int(until.Sub(now) / time.Second)
	if secs < 1 {
		return -1
	}
	return secs
}
