package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/example/meshgate/internal/config"
)

// corsState holds the pre-joined header values for the CORS middleware.
type corsState struct {
	allowAll         bool
	origins          map[string]bool
	methods          string
	headers          string
	allowCredentials bool
	maxAge           string
}

// CORS handles cross-origin requests on the ingress surface, including
// preflight OPTIONS.
func CORS(cfg config.CORSConfig) Middleware {
	state := &corsState{
		origins:          make(map[string]bool, len(cfg.AllowedOrigins)),
		allowCredentials: cfg.AllowCredentials,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			state.allowAll = true
		}
		state.origins[strings.ToLower(o)] = true
	}

	if len(cfg.AllowedMethods) > 0 {
		state.methods = strings.Join(cfg.AllowedMethods, ", ")
	} else {
		state.methods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}
	if len(cfg.AllowedHeaders) > 0 {
		state.headers = strings.Join(cfg.AllowedHeaders, ", ")
	} else {
		state.headers = "Content-Type, Authorization"
	}
	if cfg.MaxAge > 0 {
		state.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		state.maxAge = "86400"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := state.allowAll || state.origins[strings.ToLower(origin)]
			if !allowed {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			if state.allowAll && !state.allowCredentials {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			if state.allowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", state.methods)
				h.Set("Access-Control-Allow-Headers", state.headers)
				h.Set("Access-Control-Max-Age", state.maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
