package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates validation problems that must abort startup
// (Fatals) from ones that were auto-corrected and merely logged (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup should be aborted.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just
// want to log everything.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config for invalid values. Values that would
// cause a panic or a nonsensical runtime state (zero intervals, inverted
// ranges) are clamped to safe defaults and reported as warnings; values
// that indicate a genuinely broken deployment (a non-empty endpoint that is
// not an http/https URL, a token containing control characters) are
// reported as fatals. An empty endpoint or token is not checked here.
func (c *Config) ValidateTiered() ValidationResult {
	var result ValidationResult

	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil {
			result.Fatals = append(result.Fatals, fmt.Errorf("endpoint %q is not a valid URL: %w", c.Endpoint, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			result.Fatals = append(result.Fatals, fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.APIToken != "" {
		for _, r := range c.APIToken {
			if unicode.IsControl(r) {
				result.Fatals = append(result.Fatals, fmt.Errorf("api_token contains control characters"))
				break
			}
		}
	}

	if c.SnapshotIntervalMs < 100 {
		result.Warnings = append(result.Warnings, fmt.Errorf("snapshot_interval_ms %d is below minimum 100, clamping", c.SnapshotIntervalMs))
		c.SnapshotIntervalMs = 100
	} else if c.SnapshotIntervalMs > 60000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("snapshot_interval_ms %d exceeds maximum 60000, clamping", c.SnapshotIntervalMs))
		c.SnapshotIntervalMs = 60000
	}

	if c.MaxBufferedScreenshots < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_buffered_screenshots %d is below minimum 1, clamping", c.MaxBufferedScreenshots))
		c.MaxBufferedScreenshots = 1
	}

	if c.MaxPendingBatches < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_pending_batches %d is below minimum 1, clamping", c.MaxPendingBatches))
		c.MaxPendingBatches = 1
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		result.Warnings = append(result.Warnings, fmt.Errorf("jpeg_quality %d out of range [1,100], clamping to 50", c.JPEGQuality))
		c.JPEGQuality = 50
	}

	if c.BatchSize < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("batch_size %d is below minimum 1, clamping", c.BatchSize))
		c.BatchSize = 1
	}

	if c.MinCaptureIntervalMs > 0 && c.MaxCaptureIntervalMs > 0 && c.MinCaptureIntervalMs > c.MaxCaptureIntervalMs {
		result.Warnings = append(result.Warnings, fmt.Errorf("min_capture_interval_ms %d exceeds max_capture_interval_ms %d, swapping", c.MinCaptureIntervalMs, c.MaxCaptureIntervalMs))
		c.MinCaptureIntervalMs, c.MaxCaptureIntervalMs = c.MaxCaptureIntervalMs, c.MinCaptureIntervalMs
	}

	if c.AnrThresholdMs < 1000 {
		result.Warnings = append(result.Warnings, fmt.Errorf("anr_threshold_ms %d is below minimum 1000, clamping", c.AnrThresholdMs))
		c.AnrThresholdMs = 1000
	}

	if c.AnrPingInterval < 100 {
		result.Warnings = append(result.Warnings, fmt.Errorf("anr_ping_interval_ms %d is below minimum 100, clamping", c.AnrPingInterval))
		c.AnrPingInterval = 100
	}

	if c.UploadWorkers < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("upload_workers %d is below minimum 1, clamping", c.UploadWorkers))
		c.UploadWorkers = 1
	} else if c.UploadWorkers > 32 {
		result.Warnings = append(result.Warnings, fmt.Errorf("upload_workers %d exceeds maximum 32, clamping", c.UploadWorkers))
		c.UploadWorkers = 32
	}

	if c.UploadQueueSize < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("upload_queue_size %d is below minimum 1, clamping", c.UploadQueueSize))
		c.UploadQueueSize = 1
	}

	if c.MaxUploadAttempts < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("max_upload_attempts %d is below minimum 1, clamping", c.MaxUploadAttempts))
		c.MaxUploadAttempts = 1
	}

	if c.CircuitBreakerFailures < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("circuit_breaker_failures %d is below minimum 1, clamping", c.CircuitBreakerFailures))
		c.CircuitBreakerFailures = 1
	}

	if c.CircuitBreakerOpenSecs < 1 {
		result.Warnings = append(result.Warnings, fmt.Errorf("circuit_breaker_open_seconds %d is below minimum 1, clamping", c.CircuitBreakerOpenSecs))
		c.CircuitBreakerOpenSecs = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		result.Warnings = append(result.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return result
}
