// Package remote defines the contract between the orchestrator and an
// asynchronous, rate-limited analysis service.
//
// The orchestrator needs exactly three operations: submit a job, poll its
// status, and fetch its result. Wire protocols live in sub-packages
// (see remote/interpro).
package remote

import (
	"context"

	"github.com/3leaps/ipsbatch/pkg/job"
)

// Status is the remote lifecycle state of a submitted job.
type Status string

const (
	// StatusRunning covers queued and running jobs.
	StatusRunning Status = "running"

	// StatusFinished means the result can be fetched.
	StatusFinished Status = "finished"

	// StatusError means the service gave up on the job (error, failure, not found).
	StatusError Status = "error"
)

func (s Status) String() string {
	return string(s)
}

// Service is an asynchronous remote analysis service.
//
// Implementations must be safe for concurrent use; the orchestrator may poll
// several handles in parallel within one poll pass.
type Service interface {
	// Submit sends a new job and returns the remote handle.
	Submit(ctx context.Context, title string, payload job.Payload) (string, error)

	// Poll returns the current status of the job identified by handle.
	Poll(ctx context.Context, handle string) (Status, error)

	// FetchResult returns the result payload of a finished job in the given format.
	FetchResult(ctx context.Context, handle, format string) ([]byte, error)
}
