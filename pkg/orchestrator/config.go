package orchestrator

import (
	"fmt"
	"time"
)

// Config configures the orchestrator.
type Config struct {
	// RunID is the title of the BEGIN and END audit entries.
	RunID string

	// BatchLimit is the maximum number of jobs outstanding at the remote
	// service. Reaching it triggers a poll/retrieve cycle.
	// Default: 30
	BatchLimit int

	// PollInterval is the pause after each poll pass that leaves jobs
	// outstanding.
	// Default: 20s
	PollInterval time.Duration

	// PollMax is the number of unfinished polls after which a job is
	// given up as failed_poll.
	// Default: 60
	PollMax int

	// SubmitAttempts is the number of submit calls made before a job is
	// recorded as failed_submit.
	// Default: 3
	SubmitAttempts int

	// SubmitDelay is the pause between submit attempts.
	// Default: 5s
	SubmitDelay time.Duration

	// SkipExisting skips jobs whose output file already exists.
	// Default: true (see DefaultConfig)
	SkipExisting bool

	// PollWorkers bounds parallel status queries within one poll pass.
	// Submissions never overlap a poll pass regardless of this value.
	// Default: 1
	PollWorkers int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		BatchLimit:     30,
		PollInterval:   20 * time.Second,
		PollMax:        60,
		SubmitAttempts: 3,
		SubmitDelay:    5 * time.Second,
		SkipExisting:   true,
		PollWorkers:    1,
	}
}

// withDefaults fills zero numeric fields. SkipExisting is left as given.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchLimit <= 0 {
		c.BatchLimit = def.BatchLimit
	}
	if c.PollInterval < 0 {
		c.PollInterval = 0
	}
	if c.PollMax <= 0 {
		c.PollMax = def.PollMax
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = def.SubmitAttempts
	}
	if c.SubmitDelay < 0 {
		c.SubmitDelay = 0
	}
	if c.PollWorkers <= 0 {
		c.PollWorkers = def.PollWorkers
	}
	if c.RunID == "" {
		c.RunID = "run"
	}
	return c
}

// Validate rejects settings that cannot be defaulted.
func (c Config) Validate() error {
	if c.BatchLimit < 0 {
		return fmt.Errorf("batch_limit must not be negative: %d", c.BatchLimit)
	}
	if c.PollMax < 0 {
		return fmt.Errorf("poll_max must not be negative: %d", c.PollMax)
	}
	if c.SubmitAttempts < 0 {
		return fmt.Errorf("submit_attempts must not be negative: %d", c.SubmitAttempts)
	}
	if c.PollInterval < 0 || c.SubmitDelay < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.PollWorkers < 0 {
		return fmt.Errorf("poll_workers must not be negative: %d", c.PollWorkers)
	}
	return nil
}
