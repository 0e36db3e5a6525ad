package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Wildcard in an allow list admits every origin.
const Wildcard = "*"

// Normalize validates a browser Origin header value and returns it as
// scheme://host[:port] with default ports dropped, plus the host[:port] part.
//
// The opaque origin "null" is returned as-is with an empty host.
func Normalize(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(scheme, u.Host)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy decides which browser origins may call the relay. An empty allow
// list means same-host only.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy expects entries already normalized (or Wildcard).
func NewPolicy(allowed []string) Policy {
	p := Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		if o == Wildcard {
			p.any = true
			continue
		}
		p.allowed[o] = struct{}{}
	}
	return p
}

func (p Policy) AllowsAny() bool { return p.any }

// Allowed reports whether the normalized origin may talk to requestHost.
func (p Policy) Allowed(normalized, originHost, requestHost string) bool {
	if p.any {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalized]
		return ok
	}

	// Same host:port. Scheme is ignored since a TLS-terminating proxy may
	// forward https traffic as plain http.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found || originHost == "" {
		return false
	}
	reqHost, ok := canonicalHost(scheme, strings.ToLower(strings.TrimSpace(requestHost)))
	return ok && reqHost == originHost
}

// Check applies the policy to r. Requests without an Origin header come from
// non-browser clients and are allowed with an empty result.
func (p Policy) Check(r *http.Request) (normalized string, ok bool) {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return "", true
	}
	normalized, host, ok := Normalize(raw)
	if !ok {
		return "", false
	}
	return normalized, p.Allowed(normalized, host, r.Host)
}

func canonicalHost(scheme, authority string) (string, bool) {
	hostname, port, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed and are
// returned without brackets.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if rest, found := strings.CutPrefix(authority, "["); found {
		hostname, tail, closed := strings.Cut(rest, "]")
		if !closed {
			return "", "", false
		}
		if tail == "" {
			return hostname, "", true
		}
		port, found = strings.CutPrefix(tail, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	hostname, port, found := strings.Cut(authority, ":")
	if !found {
		return authority, "", true
	}
	if hostname == "" || port == "" || strings.Contains(port, ":") {
		return "", "", false
	}
	return hostname, port, true
}
