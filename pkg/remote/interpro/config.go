// Package interpro implements remote.Service for the EBI InterProScan 5 REST API.
package interpro

import (
	"errors"
	"net/mail"
	"strings"
	"time"
)

// DefaultBaseURL is the EBI job dispatcher endpoint for InterProScan 5.
const DefaultBaseURL = "https://www.ebi.ac.uk/Tools/services/rest/iprscan5"

// Config configures the InterProScan client.
type Config struct {
	// BaseURL is the service root. Default: DefaultBaseURL.
	BaseURL string

	// Email is required by EBI for every submission.
	Email string

	// RateLimit is the maximum requests per second across submit, poll and
	// result calls. Zero means unlimited.
	// Default: 1
	RateLimit float64

	// Timeout bounds each HTTP request.
	// Default: 60s
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		RateLimit: 1,
		Timeout:   60 * time.Second,
		UserAgent: "ipsbatch",
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Email) == "" {
		return errors.New("interpro: email is required by the EBI job dispatcher")
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return errors.New("interpro: email is not a valid address")
	}
	if c.RateLimit < 0 {
		return errors.New("interpro: rate limit must not be negative")
	}
	return nil
}
