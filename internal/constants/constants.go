// Package constants provides centralized domain-specific constants
// for the entire lidarlog application.
package constants

// =============================================================================
// Acquisition State - reported by the status endpoint
// =============================================================================

const (
	// StateIdle indicates no acquisition is running
	StateIdle = "idle"

	// StateStarting indicates a start request is acquiring the sensor
	StateStarting = "starting"

	// StateRunning indicates the polling loop is appending to a session
	StateRunning = "running"

	// StateStopping indicates a stop request is waiting for the loop to exit
	StateStopping = "stopping"
)

// ValidStates contains all valid acquisition state values
var ValidStates = []string{StateIdle, StateStarting, StateRunning, StateStopping}

// =============================================================================
// Persisted Layout
// =============================================================================

const (
	// DayLayout is the time layout of day group names (2024_01_01).
	DayLayout = "2006_01_02"

	// SessionPrefix is the prefix of session names within a day group.
	SessionPrefix = "session_"

	// SessionNameFormat formats a session sequence number (session_001).
	SessionNameFormat = SessionPrefix + "%03d"

	// DatasetSuffix is appended to dataset file names that lack an extension.
	DatasetSuffix = ".lidar"

	// CSVSuffix is the extension of CSV exports.
	CSVSuffix = ".csv"

	// ParquetSuffix is the extension of parquet exports.
	ParquetSuffix = ".parquet"
)

// CSVHeader is the header row written by the CSV exporter.
var CSVHeader = []string{"Timestamp", "Angle", "Distance"}

// =============================================================================
// Sensor Options
// =============================================================================

const (
	// DeviceModeTOF selects time-of-flight ranging units.
	DeviceModeTOF = "tof"

	// DeviceModeTriangle selects triangulation ranging units.
	DeviceModeTriangle = "triangle"

	// ChannelModeSingle is for units that stream without a command channel.
	ChannelModeSingle = "single"

	// ChannelModeDual is for units that answer commands.
	ChannelModeDual = "dual"

	// DriverYDLidar selects the serial YDLidar driver.
	DriverYDLidar = "ydlidar"

	// DriverSimulated selects the in-process simulated sensor.
	DriverSimulated = "simulated"
)

// ValidDeviceModes contains all valid device mode values
var ValidDeviceModes = []string{DeviceModeTOF, DeviceModeTriangle}

// ValidChannelModes contains all valid channel mode values
var ValidChannelModes = []string{ChannelModeSingle, ChannelModeDual}

// IsValidDeviceMode checks if a device mode is valid
func IsValidDeviceMode(mode string) bool {
	return contains(ValidDeviceModes, mode)
}

// IsValidChannelMode checks if a channel mode is valid
func IsValidChannelMode(mode string) bool {
	return contains(ValidChannelModes, mode)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// =============================================================================
// Telemetry
// =============================================================================

const (
	// TelemetryFlowName is the flow all readings are ingested under.
	TelemetryFlowName = "data"

	// ChannelAngle and ChannelDistance name the ingested channels.
	ChannelAngle    = "angle"
	ChannelDistance = "distance"
)
