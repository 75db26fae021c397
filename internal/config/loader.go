// Package config loads ipsbatch configuration.
//
// Precedence, highest first: runtime overrides, IPSBATCH_* environment
// variables, the config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable ipsbatch reads.
const EnvPrefix = "IPSBATCH_"

// Config is the resolved application configuration.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Service      ServiceConfig      `mapstructure:"service"`
	Analysis     AnalysisConfig     `mapstructure:"analysis"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Output       OutputConfig       `mapstructure:"output"`
	Mirror       MirrorConfig       `mapstructure:"mirror"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ServiceConfig configures the remote InterProScan client.
type ServiceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Email     string        `mapstructure:"email"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// AnalysisConfig is copied into every job payload.
type AnalysisConfig struct {
	Applications []string `mapstructure:"applications"`
	Format       string   `mapstructure:"format"`
	GoTerms      bool     `mapstructure:"goterms"`
	Pathways     bool     `mapstructure:"pathways"`
}

// OrchestratorConfig configures batching, polling and retries.
type OrchestratorConfig struct {
	BatchLimit     int           `mapstructure:"batch_limit"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollMax        int           `mapstructure:"poll_max"`
	SubmitAttempts int           `mapstructure:"submit_attempts"`
	SubmitDelay    time.Duration `mapstructure:"submit_delay"`
	SkipExisting   bool          `mapstructure:"skip_existing"`
	PollWorkers    int           `mapstructure:"poll_workers"`
}

// OutputConfig configures the result directory.
type OutputConfig struct {
	Dir       string `mapstructure:"dir"`
	Extension string `mapstructure:"extension"`

	// AuditFile is relative to Dir unless absolute.
	AuditFile string `mapstructure:"audit_file"`
}

// MirrorConfig configures the optional S3 mirror. An empty Bucket disables it.
type MirrorConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// LedgerConfig configures the run ledger.
//
// With Path and URL empty the ledger lives in the output state directory.
type LedgerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// MetricsConfig configures the status and metrics HTTP server.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// EnvSpec maps one environment variable onto a config key path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Defaults returns the built-in defaults keyed by config path.
func Defaults() map[string]any {
	return map[string]any{
		"logging.level":   "info",
		"logging.profile": "structured",

		"service.base_url":   "https://www.ebi.ac.uk/Tools/services/rest/iprscan5",
		"service.email":      "",
		"service.rate_limit": 1.0,
		"service.timeout":    "60s",
		"service.user_agent": "ipsbatch",

		"analysis.applications": []string{"PfamA", "NCBIfam", "PIRSF", "SMART", "CDD", "PrositePatterns"},
		"analysis.format":       "json",
		"analysis.goterms":      true,
		"analysis.pathways":     false,

		"orchestrator.batch_limit":     30,
		"orchestrator.poll_interval":   "20s",
		"orchestrator.poll_max":        60,
		"orchestrator.submit_attempts": 3,
		"orchestrator.submit_delay":    "5s",
		"orchestrator.skip_existing":   true,
		"orchestrator.poll_workers":    1,

		"output.dir":        "results",
		"output.extension":  ".json",
		"output.audit_file": "ipsbatch.audit.tsv",

		"mirror.bucket":           "",
		"mirror.prefix":           "",
		"mirror.region":           "",
		"mirror.endpoint":         "",
		"mirror.profile":          "",
		"mirror.force_path_style": false,

		"ledger.enabled":    true,
		"ledger.path":       "",
		"ledger.url":        "",
		"ledger.auth_token": "",

		"metrics.enabled": false,
		"metrics.addr":    "localhost:9090",
	}
}

// Load resolves configuration from defaults, the first config file found on
// the user search path, the environment and overrides.
//
// Each override map is nested ({"logging": {"level": "debug"}}) or dotted
// ({"logging.level": "debug"}); later maps win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An empty path searches the
// default locations; a missing explicit file is an error.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	for _, candidate := range getUserConfigPaths() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		v.SetConfigFile(candidate)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", candidate, err)
		}
		return nil
	}
	return nil
}

// getUserConfigPaths lists default config file locations, most specific first.
func getUserConfigPaths() []string {
	paths := []string{"ipsbatch.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "ipsbatch", "config.yaml"))
	}
	return paths
}

// getEnvSpecs returns the supported environment variables.
func getEnvSpecs() []EnvSpec {
	pairs := [][2]string{
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},

		{"BASE_URL", "service.base_url"},
		{"EMAIL", "service.email"},
		{"RATE_LIMIT", "service.rate_limit"},
		{"TIMEOUT", "service.timeout"},

		{"APPLICATIONS", "analysis.applications"},
		{"FORMAT", "analysis.format"},
		{"GOTERMS", "analysis.goterms"},
		{"PATHWAYS", "analysis.pathways"},

		{"BATCH_LIMIT", "orchestrator.batch_limit"},
		{"POLL_INTERVAL", "orchestrator.poll_interval"},
		{"POLL_MAX", "orchestrator.poll_max"},
		{"SUBMIT_ATTEMPTS", "orchestrator.submit_attempts"},
		{"SUBMIT_DELAY", "orchestrator.submit_delay"},
		{"SKIP_EXISTING", "orchestrator.skip_existing"},
		{"POLL_WORKERS", "orchestrator.poll_workers"},

		{"OUTPUT_DIR", "output.dir"},
		{"AUDIT_FILE", "output.audit_file"},

		{"MIRROR_BUCKET", "mirror.bucket"},
		{"MIRROR_PREFIX", "mirror.prefix"},
		{"MIRROR_REGION", "mirror.region"},
		{"MIRROR_ENDPOINT", "mirror.endpoint"},
		{"MIRROR_PROFILE", "mirror.profile"},

		{"LEDGER_ENABLED", "ledger.enabled"},
		{"LEDGER_PATH", "ledger.path"},
		{"LEDGER_URL", "ledger.url"},
		{"LEDGER_AUTH_TOKEN", "ledger.auth_token"},

		{"METRICS_ENABLED", "metrics.enabled"},
		{"METRICS_ADDR", "metrics.addr"},
	}
	specs := make([]EnvSpec, 0, len(pairs))
	for _, p := range pairs {
		specs = append(specs, EnvSpec{Name: EnvPrefix + p[0], Path: p[1]})
	}
	return specs
}

// flatten turns nested override maps into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))
	c.Analysis.Format = strings.ToLower(strings.TrimSpace(c.Analysis.Format))

	apps := c.Analysis.Applications[:0]
	for _, a := range c.Analysis.Applications {
		if a = strings.TrimSpace(a); a != "" {
			apps = append(apps, a)
		}
	}
	c.Analysis.Applications = apps
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Logging.Profile {
	case "structured", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.profile must be structured or console, got %q", c.Logging.Profile))
	}
	switch c.Analysis.Format {
	case "json", "tsv", "xml", "gff":
	default:
		errs = append(errs, fmt.Errorf("analysis.format must be one of json, tsv, xml, gff, got %q", c.Analysis.Format))
	}
	if c.Orchestrator.BatchLimit < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.batch_limit must be at least 1, got %d", c.Orchestrator.BatchLimit))
	}
	if c.Orchestrator.PollMax < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.poll_max must be at least 1, got %d", c.Orchestrator.PollMax))
	}
	if c.Orchestrator.SubmitAttempts < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.submit_attempts must be at least 1, got %d", c.Orchestrator.SubmitAttempts))
	}
	if c.Orchestrator.PollWorkers < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.poll_workers must be at least 1, got %d", c.Orchestrator.PollWorkers))
	}
	if c.Orchestrator.PollInterval < 0 || c.Orchestrator.SubmitDelay < 0 || c.Service.Timeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Service.RateLimit < 0 {
		errs = append(errs, errors.New("service.rate_limit must not be negative"))
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	return errors.Join(errs...)
}
