// Package manifest provides loading and validation of ipsbatch run manifests.
//
// A run manifest is a YAML or JSON file that describes one batch run: which
// sequence groups to read, which analyses to request, how the orchestrator
// paces the remote service, and where results are written.
//
// Manifests are validated against a JSON Schema before use. The schema
// enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	input:
//	  groups:
//	    - "orthogroups/**/*.fa"
//	analysis:
//	  applications: [PfamA, SMART]
//	  format: json
//	orchestrator:
//	  batch_limit: 25
//	  poll_interval: 30s
//	output:
//	  dir: results
package manifest

import (
	"fmt"
	"time"

	"github.com/3leaps/ipsbatch/pkg/job"
	"github.com/3leaps/ipsbatch/pkg/orchestrator"
	"github.com/3leaps/ipsbatch/pkg/seqio"
)

// Manifest represents a validated run manifest.
//
// Version and Input are required. Analysis, Orchestrator and Output are
// optional with defaults applied during loading.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Input selects the sequence groups to process.
	Input InputConfig `json:"input" yaml:"input"`

	// Analysis configures what the remote service computes.
	Analysis AnalysisConfig `json:"analysis,omitempty" yaml:"analysis,omitempty"`

	// Orchestrator configures batching, polling and retries.
	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`

	// Output configures where results are written.
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// InputConfig selects input groups. At least one of Groups or List is set.
type InputConfig struct {
	// Groups are FastA paths or doublestar patterns, expanded in order.
	Groups []string `json:"groups,omitempty" yaml:"groups,omitempty"`

	// List is a group list file: one path or pattern per line.
	List string `json:"list,omitempty" yaml:"list,omitempty"`
}

// AnalysisConfig configures the analyses requested for every job.
type AnalysisConfig struct {
	// Applications are the InterPro member databases to search.
	// Default: DefaultApplications.
	Applications []string `json:"applications,omitempty" yaml:"applications,omitempty"`

	// Format is the result type fetched for each job.
	// Values: json, tsv, xml, gff. Default: json.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// GoTerms requests GO term lookup. Default: true.
	GoTerms *bool `json:"goterms,omitempty" yaml:"goterms,omitempty"`

	// Pathways requests pathway lookup. Default: false.
	Pathways *bool `json:"pathways,omitempty" yaml:"pathways,omitempty"`
}

// OrchestratorConfig configures the job lifecycle.
//
// Durations are Go duration strings ("20s", "1m30s").
type OrchestratorConfig struct {
	BatchLimit     int    `json:"batch_limit,omitempty" yaml:"batch_limit,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	PollMax        int    `json:"poll_max,omitempty" yaml:"poll_max,omitempty"`
	SubmitAttempts int    `json:"submit_attempts,omitempty" yaml:"submit_attempts,omitempty"`
	SubmitDelay    string `json:"submit_delay,omitempty" yaml:"submit_delay,omitempty"`
	PollWorkers    int    `json:"poll_workers,omitempty" yaml:"poll_workers,omitempty"`

	// SkipExisting skips jobs whose output already exists. Default: true.
	SkipExisting *bool `json:"skip_existing,omitempty" yaml:"skip_existing,omitempty"`
}

// OutputConfig configures the result directory.
type OutputConfig struct {
	// Dir is the directory results, the audit log and run state live in.
	// Default: "results".
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Extension is appended to each job title. Default: ".json".
	Extension string `json:"extension,omitempty" yaml:"extension,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultFormat is the default result format.
	DefaultFormat = "json"

	// DefaultGoTerms is the default for GO term lookup.
	DefaultGoTerms = true

	// DefaultPathways is the default for pathway lookup.
	DefaultPathways = false

	// DefaultSkipExisting is the default for resumable skip.
	DefaultSkipExisting = true

	// DefaultOutputDir is the default result directory.
	DefaultOutputDir = "results"

	// DefaultExtension is the default output file extension.
	DefaultExtension = job.DefaultExtension
)

// DefaultApplications is the default member database selection.
var DefaultApplications = []string{"PfamA", "NCBIfam", "PIRSF", "SMART", "CDD", "PrositePatterns"}

// ApplyDefaults fills in default values for optional fields.
//
// Orchestrator numbers and durations that are unset keep their zero value
// here; Config turns them into orchestrator defaults.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}

	if len(m.Analysis.Applications) == 0 {
		m.Analysis.Applications = append([]string(nil), DefaultApplications...)
	}
	if m.Analysis.Format == "" {
		m.Analysis.Format = DefaultFormat
	}
	if m.Analysis.GoTerms == nil {
		v := DefaultGoTerms
		m.Analysis.GoTerms = &v
	}
	if m.Analysis.Pathways == nil {
		v := DefaultPathways
		m.Analysis.Pathways = &v
	}

	if m.Orchestrator.SkipExisting == nil {
		v := DefaultSkipExisting
		m.Orchestrator.SkipExisting = &v
	}

	if m.Output.Dir == "" {
		m.Output.Dir = DefaultOutputDir
	}
	if m.Output.Extension == "" {
		m.Output.Extension = DefaultExtension
	}
}

// SkipExistingEnabled returns the configured skip flag or its default.
func (o *OrchestratorConfig) SkipExistingEnabled() bool {
	if o.SkipExisting == nil {
		return DefaultSkipExisting
	}
	return *o.SkipExisting
}

// Config converts the section into an orchestrator configuration, starting
// from orchestrator.DefaultConfig for unset fields.
func (o *OrchestratorConfig) Config() (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	if o.BatchLimit > 0 {
		cfg.BatchLimit = o.BatchLimit
	}
	if o.PollMax > 0 {
		cfg.PollMax = o.PollMax
	}
	if o.SubmitAttempts > 0 {
		cfg.SubmitAttempts = o.SubmitAttempts
	}
	if o.PollWorkers > 0 {
		cfg.PollWorkers = o.PollWorkers
	}
	if o.PollInterval != "" {
		d, err := time.ParseDuration(o.PollInterval)
		if err != nil {
			return cfg, fmt.Errorf("orchestrator.poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if o.SubmitDelay != "" {
		d, err := time.ParseDuration(o.SubmitDelay)
		if err != nil {
			return cfg, fmt.Errorf("orchestrator.submit_delay: %w", err)
		}
		cfg.SubmitDelay = d
	}
	cfg.SkipExisting = o.SkipExistingEnabled()
	return cfg, nil
}

// FactoryConfig returns the job factory configuration for this manifest.
func (m *Manifest) FactoryConfig() job.FactoryConfig {
	cfg := job.FactoryConfig{
		OutputDir:    m.Output.Dir,
		Extension:    m.Output.Extension,
		Applications: append([]string(nil), m.Analysis.Applications...),
		Format:       m.Analysis.Format,
		GoTerms:      DefaultGoTerms,
		Pathways:     DefaultPathways,
	}
	if m.Analysis.GoTerms != nil {
		cfg.GoTerms = *m.Analysis.GoTerms
	}
	if m.Analysis.Pathways != nil {
		cfg.Pathways = *m.Analysis.Pathways
	}
	return cfg
}

// ResolveGroups resolves the input section into ordered groups: Groups entries
// first, then the List file's entries.
func (i *InputConfig) ResolveGroups() ([]seqio.Group, error) {
	var out []seqio.Group
	if len(i.Groups) > 0 {
		g, err := seqio.ExpandGroups(i.Groups)
		if err != nil {
			return nil, err
		}
		out = append(out, g...)
	}
	if i.List != "" {
		g, err := seqio.ReadGroupList(i.List)
		if err != nil {
			return nil, err
		}
		out = append(out, g...)
	}
	if len(out) == 0 {
		return nil, seqio.ErrNoGroups
	}
	return dedupe(out), nil
}

func dedupe(groups []seqio.Group) []seqio.Group {
	seen := make(map[string]bool, len(groups))
	out := groups[:0]
	for _, g := range groups {
		if seen[g.Path] {
			continue
		}
		seen[g.Path] = true
		out = append(out, g)
	}
	return out
}
