package config

import (
	"fmt"
	"testing"
)

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Endpoint = "ftp://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid endpoint scheme should be fatal")
	}
}

func TestValidateTieredControlCharsInTokenIsFatal(t *testing.T) {
	cfg := Default()
	cfg.APIToken = "token\x00with\x01control"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in token should be fatal")
	}
}

func TestValidateTieredSnapshotIntervalClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.SnapshotIntervalMs = 1 // below minimum 100
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped interval")
	}
	if cfg.SnapshotIntervalMs != 100 {
		t.Fatalf("SnapshotIntervalMs = %d, want 100 (clamped)", cfg.SnapshotIntervalMs)
	}
}

func TestValidateTieredHighSnapshotIntervalClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.SnapshotIntervalMs = 999999
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.SnapshotIntervalMs != 60000 {
		t.Fatalf("SnapshotIntervalMs = %d, want 60000 (clamped)", cfg.SnapshotIntervalMs)
	}
}

func TestValidateTieredAnrThresholdClamping(t *testing.T) {
	cfg := Default()
	cfg.AnrThresholdMs = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped anr threshold should be warning: %v", result.Fatals)
	}
	if cfg.AnrThresholdMs != 1000 {
		t.Fatalf("AnrThresholdMs = %d, want 1000", cfg.AnrThresholdMs)
	}
}

func TestValidateTieredUploadConcurrencyClamping(t *testing.T) {
	cfg := Default()
	cfg.UploadWorkers = 0
	cfg.UploadQueueSize = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped upload concurrency should be warning: %v", result.Fatals)
	}
	if cfg.UploadWorkers != 1 {
		t.Fatalf("UploadWorkers = %d, want 1", cfg.UploadWorkers)
	}
	if cfg.UploadQueueSize != 1 {
		t.Fatalf("UploadQueueSize = %d, want 1", cfg.UploadQueueSize)
	}
}

func TestValidateTieredInvertedCaptureIntervalsAreSwapped(t *testing.T) {
	cfg := Default()
	cfg.MinCaptureIntervalMs = 5000
	cfg.MaxCaptureIntervalMs = 1000
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("inverted capture interval range should not be fatal")
	}
	if cfg.MinCaptureIntervalMs != 1000 || cfg.MaxCaptureIntervalMs != 5000 {
		t.Fatalf("expected swap, got min=%d max=%d", cfg.MinCaptureIntervalMs, cfg.MaxCaptureIntervalMs)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.Endpoint = "ftp://bad"      // fatal
	cfg.SnapshotIntervalMs = 999999 // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	cfg.Endpoint = "https://example.com"
	cfg.APIToken = "clean-token"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
}
