// Package config provides configuration defaults and utilities
// for the lidarlog application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command line flags.
//
// Sensor options (port, baud rate, device mode, scan frequency, sample rate,
// channel mode) deliberately have no defaults here: they must be given
// explicitly in the sensor section of the config file.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP listen address.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:8000"

	// DefaultMaxRequestBody limits JSON request bodies.
	DefaultMaxRequestBody = 1 << 20

	// DefaultShutdownTimeout is how long the HTTP server waits for in-flight
	// requests when the daemon is asked to exit.
	DefaultShutdownTimeout = 10 * time.Second
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for datasets.
	// Override via config: data_dir
	DefaultDataDir = "media"

	// FilesSubdir is the directory under data_dir holding dataset files.
	FilesSubdir = "lidar_files"

	// DefaultStoreSyncMode controls durability of appends.
	// "async" - buffered, flushed on close
	// "sync" - flushed to the OS after each append
	// "fsync" - flushed and fsynced after each append
	// Override via config: store.sync_mode
	DefaultStoreSyncMode = "sync"

	// DefaultStoreBufferSize is the write buffer for the session store.
	// Override via config: store.buffer_size
	DefaultStoreBufferSize = 64 * 1024

	// DefaultParquetCompression is the codec used for parquet exports.
	// Override via config: export.parquet_compression
	DefaultParquetCompression = "zstd"
)

// =============================================================================
// Acquisition Defaults
// =============================================================================

const (
	// DefaultPollInterval is the fixed delay between poll cycles.
	// This is independent of the sensor's scan frequency.
	// Override via config: acquisition.poll_interval
	DefaultPollInterval = time.Second

	// DefaultPollTimeout bounds a single driver poll call. It is also the
	// worst-case extra latency of a stop request.
	// Override via config: acquisition.poll_timeout
	DefaultPollTimeout = 2 * time.Second

	// DefaultStopTimeout bounds how long a stop request waits for the
	// polling loop to exit.
	// Override via config: acquisition.stop_timeout
	DefaultStopTimeout = 10 * time.Second

	// DefaultMaxConsecutivePollFailures ends a run after this many poll
	// failures in a row. Zero disables the limit.
	// Override via config: acquisition.max_consecutive_poll_failures
	DefaultMaxConsecutivePollFailures = 30
)

// =============================================================================
// Telemetry Defaults
// =============================================================================

const (
	// DefaultTelemetryTopic is the MQTT topic prefix for ingested runs.
	// Override via config: telemetry.topic
	DefaultTelemetryTopic = "lidarlog"

	// DefaultTelemetryClientID is the MQTT client id.
	// Override via config: telemetry.client_id
	DefaultTelemetryClientID = "lidarlog-ingest"

	// DefaultTelemetryBatchSize is the number of readings per published flow batch.
	// Override via config: telemetry.batch_size
	DefaultTelemetryBatchSize = 500

	// DefaultTelemetryPublishTimeout bounds a single MQTT publish.
	DefaultTelemetryPublishTimeout = 10 * time.Second
)
