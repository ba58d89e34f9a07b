// Package driver defines the contract between the acquisition controller
// and a ranging sensor.
//
// Implementations live in sub-packages: ydlidar talks to a YDLidar unit over
// a serial port, fake replays scripted batches for tests and simulation.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/lidarlog/internal/constants"
	"github.com/xtxerr/lidarlog/internal/errors"
)

// Point is one sample of a scan.
type Point struct {
	// Angle in radians, in [-π, π).
	Angle float64

	// Distance in meters. Zero means the beam had no return.
	Distance float64
}

// Config holds the sensor options. Every field is required: there are no
// silent defaults.
type Config struct {
	Port            string  `yaml:"port" json:"port"`
	BaudRate        int     `yaml:"baud_rate" json:"baud_rate"`
	DeviceMode      string  `yaml:"device_mode" json:"device_mode"`
	ScanFrequencyHz float64 `yaml:"scan_frequency_hz" json:"scan_frequency_hz"`
	SampleRate      int     `yaml:"sample_rate" json:"sample_rate"`
	ChannelMode     string  `yaml:"channel_mode" json:"channel_mode"`
}

// Validate checks that every option is present and in range. All problems
// are reported together.
func (c Config) Validate() error {
	v := errors.NewValidationErrors()

	if c.Port == "" {
		v.AddMissing("sensor.port")
	}
	if c.BaudRate <= 0 {
		v.AddField("sensor.baud_rate", "must be > 0")
	}
	switch {
	case c.DeviceMode == "":
		v.AddMissing("sensor.device_mode")
	case !constants.IsValidDeviceMode(c.DeviceMode):
		v.AddField("sensor.device_mode", fmt.Sprintf("must be one of %v", constants.ValidDeviceModes))
	}
	if c.ScanFrequencyHz <= 0 || c.ScanFrequencyHz > 50 {
		v.AddField("sensor.scan_frequency_hz", "must be in (0, 50]")
	}
	if c.SampleRate <= 0 {
		v.AddField("sensor.sample_rate", "must be > 0")
	}
	switch {
	case c.ChannelMode == "":
		v.AddMissing("sensor.channel_mode")
	case !constants.IsValidChannelMode(c.ChannelMode):
		v.AddField("sensor.channel_mode", fmt.Sprintf("must be one of %v", constants.ValidChannelModes))
	}

	return v.Err()
}

// String returns a short description for logs.
func (c Config) String() string {
	return fmt.Sprintf("%s@%d %s %.1fHz %dK %s",
		c.Port, c.BaudRate, c.DeviceMode, c.ScanFrequencyHz, c.SampleRate, c.ChannelMode)
}

// Driver is an exclusively owned handle to one sensor.
//
// The acquisition controller calls Connect, PowerOn, then Poll repeatedly,
// and finally PowerOff and Disconnect. Calls are never concurrent.
type Driver interface {
	// Connect opens the transport and applies cfg. Failures wrap
	// errors.ErrHardwareInit.
	Connect(ctx context.Context, cfg Config) error

	// PowerOn starts emitting scans. Calling it while on is a no-op.
	PowerOn(ctx context.Context) error

	// PowerOff stops emitting scans. Calling it while off is a no-op.
	PowerOff(ctx context.Context) error

	// Poll blocks up to timeout for the next scan and returns a non-empty
	// batch. Failures wrap errors.ErrPoll.
	Poll(ctx context.Context, timeout time.Duration) ([]Point, error)

	// Disconnect releases the transport. It is a no-op when not connected.
	Disconnect() error
}

// Split turns a batch into the angle and distance columns.
func Split(points []Point) (angles, distances []float64) {
	angles = make([]float64, len(points))
	distances = make([]float64, len(points))
	for i, p := range points {
		angles[i] = p.Angle
		distances[i] = p.Distance
	}
	return angles, distances
}
