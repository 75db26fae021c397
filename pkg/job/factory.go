package job

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/ipsbatch/pkg/seqio"
)

// ErrMalformedRecord indicates a record that cannot become a Job.
// It is fatal to that one record only.
var ErrMalformedRecord = errors.New("malformed record")

// DefaultExtension is appended to the title to form the output file name.
const DefaultExtension = ".json"

// sentinels are trailing characters the remote service rejects.
const sentinels = "*."

// FactoryConfig configures Job construction.
type FactoryConfig struct {
	// OutputDir is the directory results are persisted under.
	OutputDir string

	// Extension is the output file extension, including the dot.
	// Default: ".json"
	Extension string

	// Applications, Format, GoTerms and Pathways are copied into every payload.
	Applications []string
	Format       string
	GoTerms      bool
	Pathways     bool
}

// Factory builds Jobs from input records.
//
// The factory is the only place output paths are derived, which keeps the
// resumable-skip contract (output exists => job complete) testable without
// any network behavior.
type Factory struct {
	cfg FactoryConfig
	now func() time.Time
}

// NewFactory creates a Factory. OutputDir must be non-empty; it is created by
// the caller before the run starts.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("output dir is required")
	}
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if !strings.HasPrefix(cfg.Extension, ".") {
		cfg.Extension = "." + cfg.Extension
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	apps := make([]string, len(cfg.Applications))
	copy(apps, cfg.Applications)
	cfg.Applications = apps

	return &Factory{cfg: cfg, now: time.Now}, nil
}

// OutputDir returns the configured output directory.
func (f *Factory) OutputDir() string {
	return f.cfg.OutputDir
}

// Build creates a Job for record drawn from group.
//
// Returns ErrMalformedRecord (wrapped) if the group label or record id is
// empty, or if the sequence is empty after sentinel stripping.
func (f *Factory) Build(rec seqio.Record, group string) (*Job, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, fmt.Errorf("%w: empty group label", ErrMalformedRecord)
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: empty record identifier in group %s", ErrMalformedRecord, group)
	}
	seq := StripSentinels(rec.Sequence)
	if seq == "" {
		return nil, fmt.Errorf("%w: empty sequence for %s", ErrMalformedRecord, id)
	}

	title := Title(group, id)
	apps := make([]string, len(f.cfg.Applications))
	copy(apps, f.cfg.Applications)

	return &Job{
		Title:    title,
		Group:    group,
		RecordID: id,
		Payload: Payload{
			Sequence:     seq,
			Applications: apps,
			Format:       f.cfg.Format,
			GoTerms:      f.cfg.GoTerms,
			Pathways:     f.cfg.Pathways,
		},
		OutputPath: f.OutputPath(title),
		Status:     StatusCreated,
		CreatedAt:  f.now().UTC(),
	}, nil
}

// OutputPath returns the deterministic result path for title.
func (f *Factory) OutputPath(title string) string {
	return filepath.Join(f.cfg.OutputDir, title+f.cfg.Extension)
}

// Exists reports whether j's output is already on disk.
func (f *Factory) Exists(j *Job) (bool, error) {
	return OutputExists(j.OutputPath)
}

// OutputExists reports whether a regular file exists at path.
func OutputExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Title builds the job title from a group label and record id.
func Title(group, id string) string {
	return group + "_" + Sanitize(id)
}

// Sanitize replaces characters that are unsafe in file names with '_'.
//
// Record ids such as "jgi|Cap6580_1|155246|CE155245_972" use '|' as a field
// delimiter; titles double as file-name stems so the delimiter must go.
func Sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '|', '/', '\\', ':', '*', '?', '"', '<', '>', ' ', '\t':
			return '_'
		}
		return r
	}, id)
}

// StripSentinels removes trailing stop-codon markers and whitespace.
func StripSentinels(seq string) string {
	return strings.TrimRight(strings.TrimSpace(seq), sentinels)
}
