package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/example/meshgate/internal/config"
)

// AllowedHosts restricts the ingress Host header to a configured set.
// Entries may be exact hostnames or "*.example.com" style wildcards.
type AllowedHosts struct {
	exact    map[string]bool
	suffixes []string // ".example.com" from "*.example.com"
	rejected atomic.Int64
}

// NewAllowedHosts compiles the configured host list.
func NewAllowedHosts(cfg config.AllowedHostsConfig) *AllowedHosts {
	ah := &AllowedHosts{exact: make(map[string]bool, len(cfg.Hosts))}
	for _, h := range cfg.Hosts {
		h = strings.ToLower(h)
		if strings.HasPrefix(h, "*.") {
			ah.suffixes = append(ah.suffixes, h[1:])
		} else {
			ah.exact[h] = true
		}
	}
	return ah
}

// Check reports whether the request's host is allowed.
func (ah *AllowedHosts) Check(r *http.Request) bool {
	host := strings.ToLower(r.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ah.exact[host] {
		return true
	}
	for _, suffix := range ah.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Rejected returns the number of requests refused so far.
func (ah *AllowedHosts) Rejected() int64 {
	return ah.rejected.Load()
}

// Middleware rejects requests whose Host header is not allowed.
func (ah *AllowedHosts) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ah.Check(r) {
				ah.rejected.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusMisdirectedRequest)
				w.Write([]byte(`{"error":"misdirected_request","message":"Host not allowed"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
