package server

import "strings"

// originPolicy is the single canonicalization point for origin checks.
// The websocket handshake and the CORS echo both go through it, so the
// two paths can never disagree on what an allowed origin looks like:
// surrounding whitespace is trimmed, then the match is exact.
type originPolicy struct {
	list map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{list: make(map[string]struct{})}
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			p.list[o] = struct{}{}
		}
	}
	return p
}

// permissive reports whether no allow-list is configured. That is the
// development default: any origin is accepted.
func (p *originPolicy) permissive() bool {
	return len(p.list) == 0
}

func (p *originPolicy) allow(origin string) bool {
	if p.permissive() {
		return true
	}
	_, ok := p.list[strings.TrimSpace(origin)]
	return ok
}

// echoValue returns the Access-Control-Allow-Origin value to send for
// origin, or "" when the origin is not allowed.
func (p *originPolicy) echoValue(origin string) string {
	if p.permissive() {
		return "*"
	}
	if p.allow(origin) {
		return strings.TrimSpace(origin)
	}
	return ""
}
