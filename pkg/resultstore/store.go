// Package resultstore persists fetched job results under their deterministic
// output paths.
//
// The local file under Job.OutputPath is the completion contract: a run that
// finds it skips the job. Writes therefore go through a temp file in the same
// directory and are renamed into place only after fsync, so a partial result
// never appears under the final name.
package resultstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3leaps/ipsbatch/pkg/job"
)

// ErrExists is returned when the final output file is already present.
var ErrExists = errors.New("result already exists")

// Store persists job results.
type Store interface {
	// Persist writes payload to the job's output path exactly once.
	Persist(ctx context.Context, j *job.Job, payload []byte) error

	// Exists reports whether the job's output is already present.
	Exists(j *job.Job) (bool, error)
}

// FileStore writes results to the local filesystem.
type FileStore struct {
	dir       string
	overwrite bool
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore creates the output directory if needed and returns a store
// rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("result store dir is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// WithOverwrite lets Persist replace an existing result. Only runs that do
// not skip existing outputs should enable it. Returns the store for chaining.
func (s *FileStore) WithOverwrite(enabled bool) *FileStore {
	s.overwrite = enabled
	return s
}

// Dir returns the output directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Exists reports whether j's output file is present.
func (s *FileStore) Exists(j *job.Job) (bool, error) {
	return job.OutputExists(j.OutputPath)
}

// Persist writes payload to j.OutputPath via temp file, fsync and rename.
func (s *FileStore) Persist(ctx context.Context, j *job.Job, payload []byte) error {
	if j == nil || j.OutputPath == "" {
		return fmt.Errorf("job has no output path")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !s.overwrite {
		exists, err := job.OutputExists(j.OutputPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", j.OutputPath, err)
		}
		if exists {
			return fmt.Errorf("%s: %w", j.OutputPath, ErrExists)
		}
	}

	dir := filepath.Dir(j.OutputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(j.OutputPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp result: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp result: %w", err)
	}

	if err := os.Rename(tmpName, j.OutputPath); err != nil {
		return fmt.Errorf("rename result: %w", err)
	}
	syncDir(dir)
	return nil
}

// Read returns the persisted payload for j.
func (s *FileStore) Read(j *job.Job) ([]byte, error) {
	return os.ReadFile(j.OutputPath)
}

// syncDir flushes the directory entry after a rename. Errors are ignored:
// not every platform supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
