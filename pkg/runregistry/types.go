package runregistry

import "time"

// RunState is the lifecycle state of a run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateSuccess   RunState = "success"
	RunStatePartial   RunState = "partial"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
	RunStateUnknown   RunState = "unknown"
)

// Terminal reports whether the run has ended.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateSuccess, RunStatePartial, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

// Progress mirrors the orchestrator's collection sizes at the last heartbeat.
type Progress struct {
	Records   int `json:"records"`
	Submitted int `json:"submitted"`
	Finished  int `json:"finished"`
	Skipped   int `json:"skipped"`
	Persisted int `json:"persisted"`
	Failed    int `json:"failed"`
}

// RunRecord is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type RunRecord struct {
	RunID        string   `json:"run_id"`
	State        RunState `json:"state"`
	OutputDir    string   `json:"output_dir"`
	ManifestPath string   `json:"manifest_path,omitempty"`
	Groups       int      `json:"groups"`
	PID          int      `json:"pid,omitempty"`
	Version      string   `json:"version,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	Progress Progress `json:"progress"`
	Error    string   `json:"error,omitempty"`
}
