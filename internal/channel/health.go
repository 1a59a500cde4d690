package channel

import "net/http"

// HealthHandler answers GET /health.
func HealthHandler(service, version string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": service,
			"version": version,
		})
	}
}
