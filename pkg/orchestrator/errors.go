package orchestrator

import (
	"errors"
	"fmt"

	"github.com/3leaps/ipsbatch/pkg/job"
)

// Sentinel errors. Per-job failures wrap one of these in Job.Err; none of
// them abort a run.
var (
	// ErrBatchFull is returned by Submit when the batch limit is reached.
	ErrBatchFull = errors.New("batch limit reached")

	// ErrSubmitFailed marks a job whose submit attempts were exhausted.
	ErrSubmitFailed = errors.New("submit failed")

	// ErrPollTimeout marks a job given up after too many unfinished polls,
	// or one the service reported as failed.
	ErrPollTimeout = errors.New("poll gave up")

	// ErrRetrievalFailed marks a finished job whose result could not be fetched.
	ErrRetrievalFailed = errors.New("result retrieval failed")

	// ErrPersistFailed marks a job whose result could not be written.
	ErrPersistFailed = errors.New("result persist failed")

	// ErrDuplicateTitle is returned by Submit for a title already claimed in
	// this run, e.g. two record ids that sanitize alike. Run records the
	// later record as malformed.
	ErrDuplicateTitle = fmt.Errorf("%w: duplicate title", job.ErrMalformedRecord)
)
