package config

import "time"

// TimeoutConfig holds timeout settings for the phases of a migration.
// These can be tuned via CLI flags for slow networks or busy servers.
type TimeoutConfig struct {
	// Connect bounds a single connection attempt. Default: 10s
	Connect time.Duration

	// ReadWrite bounds a single statement on an established
	// connection. Default: 60s
	ReadWrite time.Duration

	// CutoverRetry is the pause between cut-over checks while the
	// postpone flag file is present. Default: 1s
	CutoverRetry time.Duration
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Connect:      10 * time.Second,
		ReadWrite:    60 * time.Second,
		CutoverRetry: time.Second,
	}
}

// global instance that can be set at startup
var globalTimeouts = DefaultTimeoutConfig()

// SetGlobalTimeouts sets the global timeout configuration
func SetGlobalTimeouts(cfg *TimeoutConfig) {
	globalTimeouts = cfg
}

// GetTimeouts returns the global timeout configuration
func GetTimeouts() *TimeoutConfig {
	return globalTimeouts
}
