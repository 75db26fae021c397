// Package cmd implements the ipsbatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ipsbatch/internal/config"
	"github.com/3leaps/ipsbatch/internal/observability"
)

// versionInfo is set from main via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile    string
	logLevel   string
	logProfile string
)

var rootCmd = &cobra.Command{
	Use:   "ipsbatch",
	Short: "Batch InterProScan runs over orthogroup FastA files",
	Long: `ipsbatch submits every protein sequence of a set of FastA files to the
EBI InterProScan service, polls the jobs, and stores each result exactly
once in an output directory. Re-running over the same directory skips
every record whose result is already there.

Example:
  ipsbatch run --groups orthogroups.txt --output results
  ipsbatch run --job run.yaml --dry-run
  ipsbatch status --output results`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./ipsbatch.yaml, then user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logProfile, "log-profile", "", "Log profile (structured|console)")
}

// SetVersionInfo records build metadata reported by `ipsbatch version`.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
	}
	_ = observability.CLILogger.Sync()
	return err
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging.level"] = logLevel
	}
	if logProfile != "" {
		overrides["logging.profile"] = logProfile
	}

	cfg, err := config.LoadFile(cmd.Context(), cfgFile, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code carried by err: 0 for nil, 1 when err
// carries none.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
