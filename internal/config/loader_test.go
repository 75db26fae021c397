package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()
	t.Setenv("IPSBATCH_CONFIG", "")

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.Equal(t, "https://www.ebi.ac.uk/Tools/services/rest/iprscan5", cfg.Service.BaseURL)
		assert.Equal(t, 1.0, cfg.Service.RateLimit)
		assert.Equal(t, 60*time.Second, cfg.Service.Timeout)

		assert.Equal(t, []string{"PfamA", "NCBIfam", "PIRSF", "SMART", "CDD", "PrositePatterns"}, cfg.Analysis.Applications)
		assert.Equal(t, "json", cfg.Analysis.Format)
		assert.True(t, cfg.Analysis.GoTerms)
		assert.False(t, cfg.Analysis.Pathways)

		assert.Equal(t, 30, cfg.Orchestrator.BatchLimit)
		assert.Equal(t, 20*time.Second, cfg.Orchestrator.PollInterval)
		assert.Equal(t, 60, cfg.Orchestrator.PollMax)
		assert.Equal(t, 3, cfg.Orchestrator.SubmitAttempts)
		assert.Equal(t, 5*time.Second, cfg.Orchestrator.SubmitDelay)
		assert.True(t, cfg.Orchestrator.SkipExisting)
		assert.Equal(t, 1, cfg.Orchestrator.PollWorkers)

		assert.Equal(t, "results", cfg.Output.Dir)
		assert.Equal(t, "ipsbatch.audit.tsv", cfg.Output.AuditFile)

		assert.Empty(t, cfg.Mirror.Bucket)
		assert.True(t, cfg.Ledger.Enabled)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "localhost:9090", cfg.Metrics.Addr)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"orchestrator": map[string]any{
				"batch_limit": 5,
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"output.dir": "elsewhere",
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.Orchestrator.BatchLimit)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "elsewhere", cfg.Output.Dir)

		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 60, cfg.Orchestrator.PollMax)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("IPSBATCH_BATCH_LIMIT", "12")
		t.Setenv("IPSBATCH_LOG_LEVEL", "warn")
		t.Setenv("IPSBATCH_SKIP_EXISTING", "false")
		t.Setenv("IPSBATCH_APPLICATIONS", "PfamA,SMART")
		t.Setenv("IPSBATCH_EMAIL", "someone@example.org")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 12, cfg.Orchestrator.BatchLimit)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Orchestrator.SkipExisting)
		assert.Equal(t, []string{"PfamA", "SMART"}, cfg.Analysis.Applications)
		assert.Equal(t, "someone@example.org", cfg.Service.Email)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("IPSBATCH_BATCH_LIMIT", "40")

		cfg, err := Load(ctx, map[string]any{
			"orchestrator": map[string]any{"batch_limit": 50},
		})
		require.NoError(t, err)
		assert.Equal(t, 50, cfg.Orchestrator.BatchLimit)
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ipsbatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  email: file@example.org
orchestrator:
  batch_limit: 7
  poll_interval: 90s
mirror:
  bucket: results-bucket
  prefix: runs/
`), 0o644))

	t.Run("file values", func(t *testing.T) {
		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "file@example.org", cfg.Service.Email)
		assert.Equal(t, 7, cfg.Orchestrator.BatchLimit)
		assert.Equal(t, 90*time.Second, cfg.Orchestrator.PollInterval)
		assert.Equal(t, "results-bucket", cfg.Mirror.Bucket)
		assert.Equal(t, "runs/", cfg.Mirror.Prefix)
		assert.Equal(t, 60, cfg.Orchestrator.PollMax)
	})

	t.Run("env beats file", func(t *testing.T) {
		t.Setenv("IPSBATCH_BATCH_LIMIT", "9")
		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Orchestrator.BatchLimit)
	})

	t.Run("env names the file", func(t *testing.T) {
		t.Setenv("IPSBATCH_CONFIG", path)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Orchestrator.BatchLimit)
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := LoadFile(ctx, filepath.Join(dir, "absent.yaml"))
		require.Error(t, err)
	})
}

func TestLoad_Invalid(t *testing.T) {
	ctx := context.Background()
	t.Setenv("IPSBATCH_CONFIG", "")

	tests := []struct {
		name      string
		overrides map[string]any
		contains  string
	}{
		{"zero batch limit", map[string]any{"orchestrator.batch_limit": 0}, "batch_limit"},
		{"bad format", map[string]any{"analysis.format": "html"}, "analysis.format"},
		{"bad profile", map[string]any{"logging.profile": "fancy"}, "logging.profile"},
		{"empty output dir", map[string]any{"output.dir": " "}, "output.dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoad_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetConfig(t *testing.T) {
	t.Setenv("IPSBATCH_CONFIG", "")
	cfg, err := Load(context.Background(), map[string]any{"orchestrator.poll_max": 11})
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Orchestrator.PollMax, retrieved.Orchestrator.PollMax)
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, EnvPrefix)
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = true
	}

	assert.True(t, names["IPSBATCH_LOG_LEVEL"])
	assert.True(t, names["IPSBATCH_EMAIL"])
	assert.True(t, names["IPSBATCH_BATCH_LIMIT"])
	assert.True(t, names["IPSBATCH_METRICS_ADDR"])
}

func TestEnvSpecsCoverDefaults(t *testing.T) {
	defaults := Defaults()
	for _, spec := range getEnvSpecs() {
		_, ok := defaults[spec.Path]
		assert.True(t, ok, "%s maps to unknown key %s", spec.Name, spec.Path)
	}
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"Logging": map[string]any{"level": "debug"},
		"a.b":     1,
	})
	assert.Equal(t, map[string]any{"logging.level": "debug", "a.b": 1}, got)
}
