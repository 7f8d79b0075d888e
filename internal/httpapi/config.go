package httpapi

import "strings"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// apiPrefix is where the deployment routes are mounted.
var apiPrefix = "/api/v1"

// SetAPIPrefix changes the mount point of the deployment routes. An empty
// value restores the default.
func SetAPIPrefix(p string) {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p == "" {
		apiPrefix = "/api/v1"
		return
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	apiPrefix = p
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
