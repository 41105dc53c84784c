package session

import (
	"net/http"
	"time"

	"accounts-service/internal/config"
)

// CookieWriter sets and clears the session cookie.
type CookieWriter struct {
	name   string
	domain string
	secure bool
	maxAge time.Duration
}

func NewCookieWriter(cfg *config.Config) *CookieWriter {
	return &CookieWriter{
		name:   cfg.SessionCookieName(),
		domain: cfg.Session.CookieDomain,
		secure: cfg.IsProduction(),
		maxAge: cfg.Session.TTL,
	}
}

func (c *CookieWriter) Name() string {
	return c.name
}

func (c *CookieWriter) Set(w http.ResponseWriter, token string) {
	http.SetCookie(w, c.cookie(token, int(c.maxAge.Seconds())))
}

func (c *CookieWriter) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie("", -1))
}

// Token reads the session token from r, or "".
func (c *CookieWriter) Token(r *http.Request) string {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (c *CookieWriter) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
