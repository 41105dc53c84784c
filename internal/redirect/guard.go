// Package redirect validates post-login destinations against an allowlist.
package redirect

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultBaseDomains are used when no base domains are configured.
var DefaultBaseDomains = []string{"example.com", "example.cn", "localtest.me"}

// Guard allows only URLs whose host is a single-label subdomain of one of
// its base domains. Bare base domains are rejected.
type Guard struct {
	patterns []*regexp.Regexp
}

func NewGuard(baseDomains []string) *Guard {
	if len(baseDomains) == 0 {
		baseDomains = DefaultBaseDomains
	}

	g := &Guard{}
	for _, d := range baseDomains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" {
			continue
		}
		g.patterns = append(g.patterns, regexp.MustCompile(`^[\w-]+\.`+regexp.QuoteMeta(d)+`$`))
	}
	return g
}

func (g *Guard) IsAllowed(candidate string) bool {
	u, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}

	for _, p := range g.patterns {
		if p.MatchString(host) {
			return true
		}
	}
	return false
}

// Resolve returns candidate when it is allowed and fallback otherwise.
func (g *Guard) Resolve(candidate, fallback string) string {
	if candidate == "" {
		return fallback
	}
	if g.IsAllowed(candidate) {
		return candidate
	}
	return fallback
}
