// Package loader - Configuration Types
//
// Defines the YAML configuration structure for lidarlogd.
//
//	┌──────────────────────────────────────────────────────────┐
//	│                      config.yaml                         │
//	├──────────────────────────────────────────────────────────┤
//	│  listen, data_dir   HTTP address, dataset root           │
//	│  log:               level, format                        │
//	│  sensor:            driver and serial options            │
//	│  acquisition:       poll cadence, timeouts               │
//	│  store:             session store durability             │
//	│  export:            parquet codec                        │
//	│  query:             DuckDB limits                        │
//	│  telemetry:         MQTT broker for run ingestion        │
//	└──────────────────────────────────────────────────────────┘
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/lidarlog/config"
	"github.com/xtxerr/lidarlog/internal/constants"
	"github.com/xtxerr/lidarlog/internal/driver"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for lidarlogd.
type Config struct {
	// Listen is the HTTP listen address.
	// Default: "0.0.0.0:8000"
	Listen string `yaml:"listen"`

	// DataDir is the root directory; datasets live in <data_dir>/lidar_files.
	// Default: "media"
	DataDir string `yaml:"data_dir"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Sensor configures the ranging sensor. Serial options have no
	// defaults.
	Sensor SensorConfig `yaml:"sensor"`

	// Acquisition configures the polling loop.
	Acquisition AcquisitionConfig `yaml:"acquisition"`

	// Store configures dataset durability.
	Store StoreConfig `yaml:"store"`

	// Export configures dataset exports.
	Export ExportConfig `yaml:"export"`

	// Query configures the DuckDB query service.
	Query QueryConfig `yaml:"query"`

	// Telemetry configures MQTT ingestion. Omit server to disable.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: "text"
	Format string `yaml:"format"`
}

// SensorConfig selects and configures the sensor driver.
type SensorConfig struct {
	// Driver is "ydlidar" or "simulated".
	// Default: "ydlidar"
	Driver string `yaml:"driver"`

	// SimulatedPoints is the revolution size of the simulated driver.
	// Default: 360
	SimulatedPoints int `yaml:"simulated_points"`

	driver.Config `yaml:",inline"`
}

// AcquisitionConfig configures the polling loop.
type AcquisitionConfig struct {
	// PollInterval is the delay between poll cycles.
	// Default: 1s
	PollInterval Duration `yaml:"poll_interval"`

	// PollTimeout bounds one poll.
	// Default: 2s
	PollTimeout Duration `yaml:"poll_timeout"`

	// StopTimeout bounds a stop request.
	// Default: 10s
	StopTimeout Duration `yaml:"stop_timeout"`

	// MaxConsecutivePollFailures ends a run; 0 disables the limit.
	// Default: 30
	MaxConsecutivePollFailures int `yaml:"max_consecutive_poll_failures"`
}

// StoreConfig configures the session store.
type StoreConfig struct {
	// SyncMode is "async", "sync" or "fsync".
	// Default: "sync"
	SyncMode string `yaml:"sync_mode"`

	// BufferSize is the write buffer size.
	// Default: 64KB
	BufferSize ByteSize `yaml:"buffer_size"`
}

// ExportConfig configures dataset exports.
type ExportConfig struct {
	// ParquetCompression is "none", "snappy", "gzip", "lz4" or "zstd".
	// Default: "zstd"
	ParquetCompression string `yaml:"parquet_compression"`

	// ParquetRowGroupSize caps rows per row group; 0 uses the writer default.
	ParquetRowGroupSize int `yaml:"parquet_row_group_size"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// Enabled turns on DuckDB queries over parquet exports.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// MemoryLimit caps DuckDB memory, e.g. "512MB".
	MemoryLimit string `yaml:"memory_limit"`
}

// TelemetryConfig configures MQTT ingestion.
type TelemetryConfig struct {
	// Server is the broker URL, e.g. "tcp://broker:1883".
	// Leave empty to disable ingestion.
	Server string `yaml:"server"`

	// ClientID is the MQTT client id.
	// Default: "lidarlog-ingest"
	ClientID string `yaml:"client_id"`

	// Username and Password authenticate to the broker.
	// Use environment variables: "${LIDARLOG_MQTT_PASSWORD}"
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Topic is the topic prefix.
	// Default: "lidarlog"
	Topic string `yaml:"topic"`

	// AssetName identifies this sensor in topics.
	AssetName string `yaml:"asset_name"`

	// ClientKey is attached to every run.
	ClientKey string `yaml:"client_key"`

	// BatchSize is the number of flows per publish.
	// Default: 500
	BatchSize int `yaml:"batch_size"`

	// PublishTimeout bounds one publish.
	// Default: 10s
	PublishTimeout Duration `yaml:"publish_timeout"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:  config.DefaultListenAddress,
		DataDir: config.DefaultDataDir,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sensor: SensorConfig{
			Driver:          constants.DriverYDLidar,
			SimulatedPoints: 360,
		},
		Acquisition: AcquisitionConfig{
			PollInterval:               Duration(config.DefaultPollInterval),
			PollTimeout:                Duration(config.DefaultPollTimeout),
			StopTimeout:                Duration(config.DefaultStopTimeout),
			MaxConsecutivePollFailures: config.DefaultMaxConsecutivePollFailures,
		},
		Store: StoreConfig{
			SyncMode:   config.DefaultStoreSyncMode,
			BufferSize: ByteSize(config.DefaultStoreBufferSize),
		},
		Export: ExportConfig{
			ParquetCompression: config.DefaultParquetCompression,
		},
		Query: QueryConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			ClientID:       config.DefaultTelemetryClientID,
			Topic:          config.DefaultTelemetryTopic,
			BatchSize:      config.DefaultTelemetryBatchSize,
			PublishTimeout: Duration(config.DefaultTelemetryPublishTimeout),
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	if i, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "64KB", "1MB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered so that longer suffixes are tried first.
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseByteSize parses a size string like "64KB" or "1MB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
