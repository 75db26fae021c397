package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ipsbatch/internal/server/middleware"
)

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{name: "no run", err: errNoRun, wantCode: http.StatusServiceUnavailable, wantBody: "NO_RUN"},
		{name: "other", err: assert.AnError, wantCode: http.StatusInternalServerError, wantBody: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondWithError(rec, httptest.NewRequest("GET", "/status", nil), tt.err)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body middleware.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body.Error.Code)
		})
	}
}
