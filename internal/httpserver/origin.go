package httpserver

import (
	"net/http"
	"strings"
)

// withOriginPolicy applies the configured origin allow list and emits CORS
// headers for browser callers. Requests without an Origin header pass
// through untouched.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		normalizedOrigin, ok := s.origins.Check(r)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if normalizedOrigin == "" {
			next(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// splitPattern splits a ServeMux pattern like "GET /list" into its method
// and path.
func splitPattern(pattern string) (method, path string, ok bool) {
	method, path, found := strings.Cut(strings.TrimSpace(pattern), " ")
	if !found {
		return "", "", false
	}
	path = strings.TrimSpace(path)
	if method == "" || !strings.HasPrefix(path, "/") {
		return "", "", false
	}
	return method, path, true
}
