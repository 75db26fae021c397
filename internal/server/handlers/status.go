package handlers

import (
	"net/http"

	"github.com/3leaps/ipsbatch/internal/server/middleware"
)

// StatusFunc returns the current run state for /status.
type StatusFunc func() any

// StatusHandler serves fn's result as JSON, or 503 when no run is attached.
func StatusHandler(fn StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			respondWithError(w, r, errNoRun)
			return
		}
		writeJSON(w, http.StatusOK, fn())
	}
}

// NotFound is the router's 404 handler.
func NotFound(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path, nil)
}

// MethodNotAllowed is the router's 405 handler.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	middleware.WriteError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path, nil)
}
