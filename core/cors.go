package core

import (
	"fmt"
	"net/http"
	"strings"
)

// CORSMiddleware creates a CORS middleware handler for the gateway.
// It handles both preflight (OPTIONS) requests and adds the appropriate
// CORS headers to responses based on the provided configuration.
//
// The middleware supports:
//   - Wildcard origins ("*" for all origins)
//   - Wildcard subdomains ("*.example.com")
//   - Wildcard ports ("http://localhost:*")
//   - Credential-based requests (cookies, auth headers)
func CORSMiddleware(config *CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")

			if isOriginAllowed(origin, config.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)

				if config.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}

				if len(config.AllowedMethods) > 0 {
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
				}

				if len(config.AllowedHeaders) > 0 {
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
				}

				if len(config.ExposedHeaders) > 0 {
					w.Header().Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
				}

				if config.MaxAge > 0 {
					w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", config.MaxAge))
				}
			}

			// Handle preflight OPTIONS request
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isOriginAllowed checks if an origin is allowed based on the configuration:
// exact matching, wildcard all origins ("*"), wildcard subdomain matching
// ("*.example.com"), and wildcard port matching ("http://localhost:*").
// An empty origin (same-origin request) returns false as CORS headers are
// not needed for same-origin requests.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	if origin == "" {
		return false
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return true
		}

		if allowed == origin {
			return true
		}

		// Wildcard subdomain support (e.g., *.example.com or https://*.example.com)
		if strings.Contains(allowed, "*.") {
			wildcardIdx := strings.Index(allowed, "*.")
			beforeWildcard := allowed[:wildcardIdx]
			afterWildcard := allowed[wildcardIdx+2:]

			if beforeWildcard != "" && !strings.HasPrefix(origin, beforeWildcard) {
				continue
			}
			if strings.HasSuffix(origin, "."+afterWildcard) || strings.HasSuffix(origin, afterWildcard) {
				rest := strings.TrimPrefix(origin, beforeWildcard)
				if strings.Contains(rest, ".") {
					return true
				}
			}
			continue
		}

		// Wildcard port support (e.g., http://localhost:*)
		if strings.HasSuffix(allowed, ":*") {
			base := strings.TrimSuffix(allowed, ":*")
			if origin == base {
				return true
			}
			if strings.HasPrefix(origin, base+":") {
				port := strings.TrimPrefix(origin, base+":")
				if port != "" && !strings.Contains(port, "/") {
					return true
				}
			}
		}
	}

	return false
}
