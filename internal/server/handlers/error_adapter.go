package handlers

import (
	"errors"
	"net/http"

	"github.com/3leaps/ipsbatch/internal/server/middleware"
)

var errNoRun = errors.New("no run attached to this server")

// respondWithError maps handler errors to the JSON error envelope.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errNoRun) {
		middleware.WriteError(w, r, http.StatusServiceUnavailable, "NO_RUN", err.Error(), nil)
		return
	}
	middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
}
