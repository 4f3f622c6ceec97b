package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aegis.org/internal/auth"
)

func TestSetSessionCookieLifetimes(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	a := &API{cookies: cookieConfig{secure: true}, now: func() time.Time { return now }}

	cases := []struct {
		name       string
		persistent bool
		refreshTTL time.Duration
	}{
		{"short session", false, time.Hour},
		{"remember me", true, 30 * 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			csrf, err := a.setSession(rec, auth.TokenPair{
				AccessToken:      "access",
				AccessExpiresAt:  now.Add(5 * time.Minute),
				RefreshToken:     "refresh",
				RefreshExpiresAt: now.Add(tc.refreshTTL),
				Persistent:       tc.persistent,
			})
			if err != nil {
				t.Fatalf("setSession: %v", err)
			}

			cookies := map[string]*http.Cookie{}
			for _, c := range rec.Result().Cookies() {
				cookies[c.Name] = c
			}
			if got := cookies[cookieAccess]; got == nil || got.MaxAge != 300 || !got.HttpOnly {
				t.Fatalf("unexpected access cookie %+v", got)
			}
			want := int(tc.refreshTTL / time.Second)
			if got := cookies[cookieRefresh]; got == nil || got.MaxAge != want || !got.HttpOnly || got.SameSite != http.SameSiteLaxMode {
				t.Fatalf("unexpected refresh cookie %+v, want max-age %d", got, want)
			}
			if got := cookies[cookieCSRF]; got == nil || got.Value != csrf || got.MaxAge != want || got.HttpOnly {
				t.Fatalf("unexpected csrf cookie %+v", got)
			}
		})
	}
}
