// Package loader handles configuration file loading, validation, and
// conversion into the component configurations of lidarlogd.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating every section, reporting all problems together
//   - Converting the YAML sections into package configs
package loader

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xtxerr/lidarlog/internal/acquisition"
	"github.com/xtxerr/lidarlog/internal/constants"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/storage/parquet"
	"github.com/xtxerr/lidarlog/internal/storage/query"
	"github.com/xtxerr/lidarlog/internal/storage/sessionstore"
	"github.com/xtxerr/lidarlog/internal/telemetry"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. Unset fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration after expanding environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", errors.Kind(errors.ErrInvalidConfig, err))
	}
	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

var validLogLevels = []string{"debug", "info", "warn", "warning", "error"}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}
	if cfg.DataDir == "" {
		errs.AddField("data_dir", "cannot be empty")
	}

	// Logging
	if !contains(validLogLevels, strings.ToLower(cfg.Log.Level)) {
		errs.AddField("log.level", fmt.Sprintf("must be one of %v", validLogLevels))
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		errs.AddField("log.format", "must be text or json")
	}

	// Sensor
	switch cfg.Sensor.Driver {
	case constants.DriverYDLidar:
		if err := cfg.Sensor.Config.Validate(); err != nil {
			errs.Add(err)
		}
	case constants.DriverSimulated:
		if cfg.Sensor.SimulatedPoints <= 0 {
			errs.AddField("sensor.simulated_points", "must be positive")
		}
	default:
		errs.AddField("sensor.driver", fmt.Sprintf("must be %s or %s", constants.DriverYDLidar, constants.DriverSimulated))
	}

	// Acquisition
	if cfg.Acquisition.PollInterval < 0 {
		errs.AddField("acquisition.poll_interval", "cannot be negative")
	}
	if cfg.Acquisition.PollTimeout <= 0 {
		errs.AddField("acquisition.poll_timeout", "must be positive")
	}
	if cfg.Acquisition.StopTimeout <= 0 {
		errs.AddField("acquisition.stop_timeout", "must be positive")
	}
	if cfg.Acquisition.MaxConsecutivePollFailures < 0 {
		errs.AddField("acquisition.max_consecutive_poll_failures", "cannot be negative")
	}

	// Store
	switch cfg.Store.SyncMode {
	case "async", "sync", "fsync":
	default:
		errs.AddField("store.sync_mode", "must be async, sync or fsync")
	}
	if cfg.Store.BufferSize < 0 {
		errs.AddField("store.buffer_size", "cannot be negative")
	}

	// Export
	if !parquet.ValidCompression(cfg.Export.ParquetCompression) {
		errs.AddField("export.parquet_compression", "must be none, snappy, gzip, lz4 or zstd")
	}
	if cfg.Export.ParquetRowGroupSize < 0 {
		errs.AddField("export.parquet_row_group_size", "cannot be negative")
	}

	// Telemetry (only when a broker is configured)
	if tc := ToTelemetryConfig(&cfg.Telemetry); tc.Enabled() {
		if err := tc.Validate(); err != nil {
			errs.Add(err)
		}
		if cfg.Telemetry.PublishTimeout <= 0 {
			errs.AddField("telemetry.publish_timeout", "must be positive")
		}
	}

	return errs.Err()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Conversion: Config → component configs
// =============================================================================

// ToStoreOptions converts the store section.
func ToStoreOptions(cfg *StoreConfig) sessionstore.Options {
	opts := sessionstore.DefaultOptions()
	if cfg.SyncMode != "" {
		opts.SyncMode = cfg.SyncMode
	}
	if cfg.BufferSize > 0 {
		opts.BufferSize = int(cfg.BufferSize.Bytes())
	}
	return opts
}

// ToAcquisitionConfig converts the sensor, acquisition and store sections.
func ToAcquisitionConfig(cfg *Config) acquisition.Config {
	return acquisition.Config{
		Sensor:                     cfg.Sensor.Config,
		PollInterval:               cfg.Acquisition.PollInterval.Duration(),
		PollTimeout:                cfg.Acquisition.PollTimeout.Duration(),
		StopTimeout:                cfg.Acquisition.StopTimeout.Duration(),
		MaxConsecutivePollFailures: cfg.Acquisition.MaxConsecutivePollFailures,
		Store:                      ToStoreOptions(&cfg.Store),
	}
}

// ToParquetOptions converts the export section.
func ToParquetOptions(cfg *ExportConfig) parquet.Options {
	opts := parquet.DefaultOptions()
	opts.Compression = parquet.ParseCompressionType(cfg.ParquetCompression)
	if cfg.ParquetRowGroupSize > 0 {
		opts.RowGroupSize = cfg.ParquetRowGroupSize
	}
	return opts
}

// ToQueryOptions converts the query section.
func ToQueryOptions(cfg *QueryConfig) query.Options {
	return query.Options{MemoryLimit: cfg.MemoryLimit}
}

// ToTelemetryConfig converts the telemetry section.
func ToTelemetryConfig(cfg *TelemetryConfig) telemetry.Config {
	return telemetry.Config{
		Server:         cfg.Server,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Topic:          cfg.Topic,
		AssetName:      cfg.AssetName,
		ClientKey:      cfg.ClientKey,
		BatchSize:      cfg.BatchSize,
		PublishTimeout: cfg.PublishTimeout.Duration(),
	}
}
