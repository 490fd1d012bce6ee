package handlers

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may call the API with the session cookie.
// The zero value allows same-origin requests only.
type OriginPolicy struct {
	allowed map[string]struct{}
}

// NewOriginPolicy allows the given origins ("https://panel.example.com") on top of same-origin
func NewOriginPolicy(origins ...string) OriginPolicy {
	p := OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o = normalizeOrigin(o); o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// Listed reports whether origin was configured explicitly
func (p OriginPolicy) Listed(origin string) bool {
	_, ok := p.allowed[normalizeOrigin(origin)]
	return ok && origin != ""
}

// Allow accepts requests without an Origin header, same-origin requests and listed origins
func (p OriginPolicy) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return p.Listed(origin)
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}
