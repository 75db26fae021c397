package resultstore

import "strings"

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// MirrorConfig configures the S3 result mirror.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are given. For S3-compatible stores (MinIO, Wasabi) set
// Endpoint and usually ForcePathStyle.
type MirrorConfig struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every object key, e.g. "runs/2024-03/".
	Prefix string

	// Region is the AWS region. For AWS S3 it defaults to us-east-1 when
	// neither config nor environment provide one.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	// AccessKeyID and SecretAccessKey must be set together.
	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// Validate checks that required configuration is present.
func (c *MirrorConfig) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a mirror configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "mirror config: " + e.Field + ": " + e.Message
}

// resolveRegion applies the us-east-1 fallback for AWS S3 after the SDK has
// resolved explicit, env and profile regions. S3-compatible endpoints get no
// default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
