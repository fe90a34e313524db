// Package config loads and validates the recording engine's configuration
// through viper, layering environment variables (REJOURNEY_ prefix) and an
// optional YAML file over compiled-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"

	"github.com/rejourney/replay-agent/internal/logging"
	"github.com/spf13/viper"
)

var log = logging.L("config")

// Config is the full set of tunables for one embedding of the recording
// engine. Most fields map directly to spec constants; all are overridable
// so a host app or the CLI harness can exercise non-default behavior.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	APIToken  string `mapstructure:"api_token"`
	Endpoint  string `mapstructure:"endpoint"`

	CacheDir string `mapstructure:"cache_dir"`

	// VisualCapture (C3)
	SnapshotIntervalMs     int     `mapstructure:"snapshot_interval_ms"`
	BatchSize              int     `mapstructure:"batch_size"`
	MaxBufferedScreenshots int     `mapstructure:"max_buffered_screenshots"`
	MaxPendingBatches      int     `mapstructure:"max_pending_batches"`
	JPEGQuality            int     `mapstructure:"jpeg_quality"`
	ScaleFactor            float64 `mapstructure:"scale_factor"`
	MaxDimension           int     `mapstructure:"max_dimension"`
	MaskScanIntervalMs     int     `mapstructure:"mask_scan_interval_ms"`
	HierarchyEveryNFrames  int     `mapstructure:"hierarchy_every_n_frames"`
	AdaptiveQualityEnabled bool    `mapstructure:"adaptive_quality_enabled"`
	MinCaptureIntervalMs   int     `mapstructure:"min_capture_interval_ms"`
	MaxCaptureIntervalMs   int     `mapstructure:"max_capture_interval_ms"`

	// AnrSentinel (C5)
	AnrThresholdMs  int `mapstructure:"anr_threshold_ms"`
	AnrPingInterval int `mapstructure:"anr_ping_interval_ms"`

	// InteractionRecorder (C6)
	RageTapWindowMs   int     `mapstructure:"rage_tap_window_ms"`
	RageTapRadiusPx   float64 `mapstructure:"rage_tap_radius_px"`
	LongPressMs       int     `mapstructure:"long_press_ms"`
	DeadTapGraceMs    int     `mapstructure:"dead_tap_grace_ms"`

	// SegmentDispatcher (C2)
	UploadWorkers          int `mapstructure:"upload_workers"`
	UploadQueueSize        int `mapstructure:"upload_queue_size"`
	MaxUploadAttempts      int `mapstructure:"max_upload_attempts"`
	CircuitBreakerFailures int `mapstructure:"circuit_breaker_failures"`
	CircuitBreakerOpenSecs int `mapstructure:"circuit_breaker_open_seconds"`

	// EventBuffer (C1)
	EventFlushIntervalMs int `mapstructure:"event_flush_interval_ms"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
}

// Default returns a Config populated with the SDK's default constants.
func Default() *Config {
	return &Config{
		CacheDir: defaultCacheDir(),

		SnapshotIntervalMs:     1000,
		BatchSize:              20,
		MaxBufferedScreenshots: 500,
		MaxPendingBatches:      50,
		JPEGQuality:            50,
		ScaleFactor:            0.8,
		MaxDimension:           1280,
		MaskScanIntervalMs:     500,
		HierarchyEveryNFrames:  5,
		AdaptiveQualityEnabled: true,
		MinCaptureIntervalMs:   1000,
		MaxCaptureIntervalMs:   5000,

		AnrThresholdMs:  5000,
		AnrPingInterval: 1000,

		RageTapWindowMs: 1000,
		RageTapRadiusPx: 50,
		LongPressMs:     500,
		DeadTapGraceMs:  2000,

		UploadWorkers:          2,
		UploadQueueSize:        64,
		MaxUploadAttempts:      3,
		CircuitBreakerFailures: 5,
		CircuitBreakerOpenSecs: 60,

		EventFlushIntervalMs: 5000,

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,
		LogMaxAgeDays: 14,
	}
}

// Load builds a Config from (in increasing priority order) compiled-in
// defaults, an optional YAML file, and REJOURNEY_-prefixed environment
// variables. Fatal validation errors abort startup; warnings are logged
// and the (possibly clamped) config is still returned.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("replay-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("REJOURNEY")
	// Unmarshal only sees keys viper already knows about, so bind every
	// field's key explicitly for the environment layer to take effect.
	fields := reflect.TypeOf(*cfg)
	for i := 0; i < fields.NumField(); i++ {
		if key := fields.Field(i).Tag.Get("mapstructure"); key != "" {
			_ = v.BindEnv(key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save writes cfg to the default per-platform config path.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile, or the default path if empty. Only
// project_id, api_token, endpoint, cache_dir, snapshot_interval_ms and
// anr_threshold_ms are written; every other field is left out of the file.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("project_id", cfg.ProjectID)
	v.Set("api_token", cfg.APIToken)
	v.Set("endpoint", cfg.Endpoint)
	v.Set("cache_dir", cfg.CacheDir)
	v.Set("snapshot_interval_ms", cfg.SnapshotIntervalMs)
	v.Set("anr_threshold_ms", cfg.AnrThresholdMs)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "replay-agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains the API token)
	return os.Chmod(cfgPath, 0600)
}

func defaultCacheDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "Rejourney", "cache")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Caches", "Rejourney")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".cache", "rejourney")
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Rejourney")
	case "darwin":
		return "/Library/Application Support/Rejourney"
	default:
		return "/etc/rejourney"
	}
}
