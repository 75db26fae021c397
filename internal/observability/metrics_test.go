package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/ipsbatch/pkg/orchestrator"
)

func TestMetrics_Outcomes(t *testing.T) {
	m := NewMetrics("test")

	m.Outcome(orchestrator.DispositionPersisted)
	m.Outcome(orchestrator.DispositionPersisted)
	m.Outcome(orchestrator.DispositionFailedPoll)

	expected := `
		# HELP test_job_outcomes_total Final job dispositions
		# TYPE test_job_outcomes_total counter
		test_job_outcomes_total{disposition="failed_poll"} 1
		test_job_outcomes_total{disposition="persisted"} 2
	`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_job_outcomes_total")
	assert.NoError(t, err)
}

func TestMetrics_SubmitAttempts(t *testing.T) {
	m := NewMetrics("test")

	m.SubmitAttempt(false)
	m.SubmitAttempt(true)
	m.SubmitAttempt(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.submitAttempts.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitAttempts.WithLabelValues("error")))
}

func TestMetrics_PollPassAndInFlight(t *testing.T) {
	m := NewMetrics("test")

	m.PollPass(1500*time.Millisecond, 4)
	m.PollPass(500*time.Millisecond, 2)
	m.InFlight(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pollPasses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outstanding))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.inFlight))

	count, err := testutil.GatherAndCount(m.Registry(), "test_poll_pass_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_CounterFunc(t *testing.T) {
	m := NewMetrics("test")
	var failures int64 = 3
	require.NoError(t, m.RegisterCounterFunc("mirror_failures_total", "Mirror upload failures", func() float64 {
		return float64(failures)
	}))

	expected := `
		# HELP test_mirror_failures_total Mirror upload failures
		# TYPE test_mirror_failures_total counter
		test_mirror_failures_total 3
	`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_mirror_failures_total"))

	err := m.RegisterCounterFunc("mirror_failures_total", "again", func() float64 { return 0 })
	assert.Error(t, err)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("")
	m.Outcome(orchestrator.DispositionSkipped)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ipsbatch_job_outcomes_total{disposition="skipped"} 1`)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		wantErr bool
	}{
		{"structured info", "info", "structured", false},
		{"console debug", "debug", "console", false},
		{"default profile", "warn", "", false},
		{"upper case", "ERROR", "STRUCTURED", false},
		{"bad level", "loud", "structured", true},
		{"bad profile", "info", "fancy", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.profile)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.NoError(t, InitCLILogger("debug", ProfileConsole))
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, InitCLILogger("nope", ProfileConsole))
}
