package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ipsbatch/internal/config"
	"github.com/3leaps/ipsbatch/internal/observability"
	"github.com/3leaps/ipsbatch/internal/server"
	"github.com/3leaps/ipsbatch/internal/server/handlers"
	"github.com/3leaps/ipsbatch/pkg/auditlog"
	"github.com/3leaps/ipsbatch/pkg/job"
	"github.com/3leaps/ipsbatch/pkg/ledger"
	"github.com/3leaps/ipsbatch/pkg/manifest"
	"github.com/3leaps/ipsbatch/pkg/orchestrator"
	"github.com/3leaps/ipsbatch/pkg/remote/interpro"
	"github.com/3leaps/ipsbatch/pkg/resultstore"
	"github.com/3leaps/ipsbatch/pkg/runregistry"
	"github.com/3leaps/ipsbatch/pkg/seqio"
)

var runCmd = &cobra.Command{
	Use:   "run [fasta...]",
	Short: "Submit, poll and retrieve InterProScan jobs for a set of groups",
	Long: `Run every protein record of the input groups through InterProScan.

Groups come from a run manifest (--job), a list file with one FastA path
per line (--groups), or FastA paths and globs given as arguments. Each
record becomes one job titled <group>_<record id>; its result is written
to <output>/<title><extension>. Records whose result already exists are
skipped, so an interrupted run can simply be started again.

Example:
  ipsbatch run --groups orthogroups.txt --output results --email me@example.org
  ipsbatch run data/OG000*.fa --output results
  ipsbatch run --job run.yaml --report run.jsonl
  ipsbatch run --job run.yaml --dry-run`,
	RunE: runRun,
}

var (
	runJobPath     string
	runGroupsPath  string
	runOutput      string
	runEmail       string
	runReportPath  string
	runMetricsAddr string
	runDryRun      bool
	runPlan        bool
	runNoSkip      bool
	runJSON        bool
)

// runHeartbeatInterval is how often the run record's progress is refreshed.
const runHeartbeatInterval = 10 * time.Second

const serviceName = "ipsbatch"

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to run manifest")
	runCmd.Flags().StringVarP(&runGroupsPath, "groups", "g", "", "File listing one FastA path (or glob) per line")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Override output directory")
	runCmd.Flags().StringVar(&runEmail, "email", "", "Contact email sent with every submission")
	runCmd.Flags().StringVar(&runReportPath, "report", "", "Write a JSONL report of every job disposition")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve /status and /metrics on host:port during the run")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Read inputs and show the plan without contacting the service")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "Alias for --dry-run")
	runCmd.Flags().BoolVar(&runNoSkip, "no-skip", false, "Resubmit records whose result file already exists")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run summary as JSON")

	runCmd.MarkFlagsMutuallyExclusive("job", "groups")
}

// runOptions carries the run flags.
type runOptions struct {
	JobPath     string
	GroupsPath  string
	Args        []string
	Output      string
	Email       string
	ReportPath  string
	MetricsAddr string
	NoSkip      bool
	JSON        bool
}

// runSettings is the resolved input and configuration of one run.
type runSettings struct {
	ManifestPath string
	Groups       []seqio.Group
	Factory      job.FactoryConfig
	Orchestrator orchestrator.Config
	OutputDir    string
	AuditPath    string
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	if cfg == nil {
		return exitError(foundry.ExitInvalidArgument, "Configuration not loaded", errors.New("no config"))
	}

	opts := runOptions{
		JobPath:     runJobPath,
		GroupsPath:  runGroupsPath,
		Args:        args,
		Output:      runOutput,
		Email:       runEmail,
		ReportPath:  runReportPath,
		MetricsAddr: runMetricsAddr,
		NoSkip:      runNoSkip,
		JSON:        runJSON,
	}

	s, err := resolveRunSettings(cfg, opts)
	if err != nil {
		observability.CLILogger.Error("Failed to resolve run inputs", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid run inputs", err)
	}

	observability.CLILogger.Debug("Resolved run",
		zap.String("manifest", s.ManifestPath),
		zap.Int("groups", len(s.Groups)),
		zap.String("output_dir", s.OutputDir),
		zap.Int("batch_limit", s.Orchestrator.BatchLimit))

	if runDryRun || runPlan {
		return showRunPlan(cmd.Context(), s, opts)
	}
	return executeRun(cmd.Context(), cfg, s, opts)
}

// resolveRunSettings merges the manifest or config file with the run flags.
//
// A manifest describes the whole run: its analysis, orchestrator and output
// sections (with manifest defaults) take precedence over the config file.
func resolveRunSettings(cfg *config.Config, opts runOptions) (*runSettings, error) {
	s := &runSettings{}

	if opts.JobPath != "" {
		if len(opts.Args) > 0 {
			return nil, errors.New("FastA arguments cannot be combined with --job")
		}
		m, err := manifest.Load(opts.JobPath)
		if err != nil {
			return nil, err
		}
		groups, err := m.Input.ResolveGroups()
		if err != nil {
			return nil, err
		}
		ocfg, err := m.Orchestrator.Config()
		if err != nil {
			return nil, err
		}
		s.ManifestPath = opts.JobPath
		s.Groups = groups
		s.Factory = m.FactoryConfig()
		s.Orchestrator = ocfg
		s.OutputDir = m.Output.Dir
	} else {
		var groups []seqio.Group
		if opts.GroupsPath != "" {
			g, err := seqio.ReadGroupList(opts.GroupsPath)
			if err != nil {
				return nil, err
			}
			groups = append(groups, g...)
		}
		if len(opts.Args) > 0 {
			g, err := seqio.ExpandGroups(opts.Args)
			if err != nil {
				return nil, err
			}
			groups = append(groups, g...)
		}
		if len(groups) == 0 {
			return nil, fmt.Errorf("%w: pass --job, --groups or FastA paths", seqio.ErrNoGroups)
		}

		s.Groups = groups
		s.OutputDir = cfg.Output.Dir
		s.Factory = job.FactoryConfig{
			Extension:    cfg.Output.Extension,
			Applications: append([]string(nil), cfg.Analysis.Applications...),
			Format:       cfg.Analysis.Format,
			GoTerms:      cfg.Analysis.GoTerms,
			Pathways:     cfg.Analysis.Pathways,
		}
		s.Orchestrator = orchestrator.Config{
			BatchLimit:     cfg.Orchestrator.BatchLimit,
			PollInterval:   cfg.Orchestrator.PollInterval,
			PollMax:        cfg.Orchestrator.PollMax,
			SubmitAttempts: cfg.Orchestrator.SubmitAttempts,
			SubmitDelay:    cfg.Orchestrator.SubmitDelay,
			SkipExisting:   cfg.Orchestrator.SkipExisting,
			PollWorkers:    cfg.Orchestrator.PollWorkers,
		}
	}

	if opts.Output != "" {
		s.OutputDir = opts.Output
	}
	if opts.NoSkip {
		s.Orchestrator.SkipExisting = false
	}
	if s.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	s.Factory.OutputDir = s.OutputDir

	if err := s.Orchestrator.Validate(); err != nil {
		return nil, err
	}

	s.AuditPath = cfg.Output.AuditFile
	if s.AuditPath == "" {
		s.AuditPath = auditlog.DefaultFileName
	}
	if !filepath.IsAbs(s.AuditPath) {
		s.AuditPath = filepath.Join(s.OutputDir, s.AuditPath)
	}
	return s, nil
}

func executeRun(ctx context.Context, cfg *config.Config, s *runSettings, opts runOptions) error {
	runID := uuid.New().String()
	logger := observability.CLILogger.With(zap.String("run_id", runID))

	svcCfg := interpro.Config{
		BaseURL:   cfg.Service.BaseURL,
		Email:     cfg.Service.Email,
		RateLimit: cfg.Service.RateLimit,
		Timeout:   cfg.Service.Timeout,
		UserAgent: cfg.Service.UserAgent,
	}
	if opts.Email != "" {
		svcCfg.Email = opts.Email
	}
	svc, err := interpro.New(svcCfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid service configuration", err)
	}

	factory, err := job.NewFactory(s.Factory)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid output configuration", err)
	}

	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output directory", err)
	}
	lock, err := runregistry.Acquire(s.OutputDir)
	if err != nil {
		if errors.Is(err, runregistry.ErrLocked) {
			return exitError(foundry.ExitInvalidArgument, "Output directory is busy", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to lock output directory", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("Failed to release output lock", zap.Error(err))
		}
	}()

	files, err := resultstore.NewFileStore(s.OutputDir)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open result store", err)
	}
	files.WithOverwrite(!s.Orchestrator.SkipExisting)
	metrics := observability.NewMetrics("")

	var store resultstore.Store = files
	if cfg.Mirror.Bucket != "" {
		mirror, err := resultstore.NewS3Mirror(ctx, files, resultstore.MirrorConfig{
			Bucket:         cfg.Mirror.Bucket,
			Prefix:         cfg.Mirror.Prefix,
			Region:         cfg.Mirror.Region,
			Endpoint:       cfg.Mirror.Endpoint,
			Profile:        cfg.Mirror.Profile,
			ForcePathStyle: cfg.Mirror.ForcePathStyle,
		}, logger)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialise result mirror", err)
		}
		if err := metrics.RegisterCounterFunc("mirror_failures_total",
			"Results persisted locally but not copied to the mirror bucket.",
			func() float64 { return float64(mirror.Failures()) }); err != nil {
			logger.Warn("Failed to register mirror metric", zap.Error(err))
		}
		store = mirror
	}

	audit, err := auditlog.Open(s.AuditPath)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open audit log", err)
	}
	defer func() { _ = audit.Close() }()

	var ldg *ledger.Ledger
	if cfg.Ledger.Enabled {
		ldg, err = openRunLedger(ctx, cfg.Ledger, s.OutputDir)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to open run ledger", err)
		}
		defer func() { _ = ldg.Close() }()
		if _, err := ldg.BeginRun(ctx, runID, s.OutputDir); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to record run start", err)
		}
	}

	registry := runregistry.NewStore(s.OutputDir)
	now := time.Now().UTC()
	record := &runregistry.RunRecord{
		RunID:        runID,
		State:        runregistry.RunStateRunning,
		OutputDir:    s.OutputDir,
		ManifestPath: s.ManifestPath,
		Groups:       len(s.Groups),
		PID:          os.Getpid(),
		Version:      versionInfo.Version,
		CreatedAt:    now,
		StartedAt:    &now,
	}
	if err := registry.Write(record); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write run record", err)
	}

	var report *reportFile
	if opts.ReportPath != "" {
		report, err = createReport(opts.ReportPath, runID)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create report", err)
		}
		defer func() { _ = report.Close() }()
	}

	ocfg := s.Orchestrator
	ocfg.RunID = runID
	orch, err := orchestrator.New(svc, store, audit, ocfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid orchestrator configuration", err)
	}
	orch.WithLogger(logger).WithMetrics(metrics)
	if ldg != nil {
		orch.WithRecorder(ledgerRecorder(ldg, runID))
	}
	if report != nil {
		orch.WithRecorder(reportRecorder(report.w))
	}

	addr := opts.MetricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		srv, err := startStatusServer(addr, logger, metrics, func() any { return orch.Snapshot() })
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to start status server", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	stopHeartbeat := startRunHeartbeat(ctx, registry, record, orch.Snapshot, runHeartbeatInterval, logger)

	logger.Info("Starting run",
		zap.Int("groups", len(s.Groups)),
		zap.String("output_dir", s.OutputDir),
		zap.Int("batch_limit", ocfg.BatchLimit),
		zap.Bool("skip_existing", ocfg.SkipExisting))

	stream := seqio.NewGroupStream(s.Groups)
	sum, runErr := orch.Run(ctx, stream, factory)
	_ = stream.Close()

	stopHeartbeat()

	state := finalRunState(sum, runErr)
	if err := registry.Finish(record, state, progressOf(orch.Snapshot()), runErr); err != nil {
		logger.Warn("Failed to finalise run record", zap.Error(err))
	}
	if ldg != nil {
		finishCtx := context.WithoutCancel(ctx)
		if err := ldg.FinishRun(finishCtx, runID, ledger.RunState(state), countsOf(sum)); err != nil {
			logger.Warn("Failed to record run end", zap.Error(err))
		}
	}
	if report != nil {
		if err := report.w.WriteSummary(context.WithoutCancel(ctx), summaryRecord(sum, state)); err != nil {
			logger.Warn("Failed to write report summary", zap.Error(err))
		}
	}

	logger.Info("Run finished",
		zap.String("state", string(state)),
		zap.Int("records", sum.Records),
		zap.Int("persisted", sum.Persisted),
		zap.Int("skipped", sum.Skipped),
		zap.Int("malformed", sum.Malformed),
		zap.Int("failed", sum.Failed),
		zap.Int("outstanding", sum.Outstanding),
		zap.Duration("duration", sum.Duration))

	if opts.JSON {
		if err := writeJSON(os.Stdout, sum); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write summary", err)
		}
	} else {
		fmt.Print(renderRunSummary(sum, state))
	}

	return runExitError(sum, runErr)
}

func openRunLedger(ctx context.Context, lc config.LedgerConfig, outputDir string) (*ledger.Ledger, error) {
	cfg := ledger.Config{Path: lc.Path, URL: lc.URL, AuthToken: lc.AuthToken}
	if cfg.Path == "" && cfg.URL == "" {
		cfg.Path = defaultLedgerPath(outputDir)
	}
	return ledger.Open(ctx, cfg)
}

func startStatusServer(addr string, logger *zap.Logger, metrics *observability.Metrics, status handlers.StatusFunc) (*server.Server, error) {
	host, port, err := server.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	srv := server.New(host, port,
		server.WithLogger(logger),
		server.WithVersion(currentVersion()),
		server.WithStatus(status),
		server.WithMetrics(metrics.Handler()),
	)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

// finalRunState maps the end of a run to its recorded state.
func finalRunState(sum *orchestrator.Summary, runErr error) runregistry.RunState {
	switch {
	case runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)):
		return runregistry.RunStateCancelled
	case runErr != nil:
		return runregistry.RunStateFailed
	case sum.Failed > 0 || sum.GroupErrors > 0:
		return runregistry.RunStatePartial
	default:
		return runregistry.RunStateSuccess
	}
}

func runExitError(sum *orchestrator.Summary, runErr error) error {
	switch {
	case runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)):
		return exitError(foundry.ExitSignalInt, "Run cancelled", runErr)
	case runErr != nil:
		return exitError(foundry.ExitFileReadError, "Run stopped", runErr)
	case sum.Failed > 0:
		return exitError(foundry.ExitExternalServiceUnavailable, "Run completed with failed jobs", fmt.Errorf("failed=%d", sum.Failed))
	case sum.GroupErrors > 0:
		return exitError(foundry.ExitFileReadError, "Run completed with unreadable groups", fmt.Errorf("groups=%d", sum.GroupErrors))
	}
	return nil
}

func progressOf(snap orchestrator.Snapshot) runregistry.Progress {
	return runregistry.Progress{
		Records:   snap.Records,
		Submitted: snap.Submitted,
		Finished:  snap.Finished,
		Skipped:   snap.Skipped,
		Persisted: snap.Persisted,
		Failed:    snap.Failed,
	}
}

func countsOf(sum *orchestrator.Summary) ledger.Counts {
	return ledger.Counts{
		Records:   sum.Records,
		Submitted: sum.Submitted,
		Skipped:   sum.Skipped,
		Malformed: sum.Malformed,
		Persisted: sum.Persisted,
		Failed:    sum.Failed,
	}
}
