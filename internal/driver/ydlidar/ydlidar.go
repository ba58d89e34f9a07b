// Package ydlidar drives YDLidar 2D ranging units over a serial port.
//
// In dual channel mode the unit answers commands: Connect stops any running
// scan, checks device info and health, and steps the motor to the configured
// scan frequency; PowerOn and PowerOff start and stop scanning. In single
// channel mode the unit streams as soon as it has power and no command is
// ever sent.
package ydlidar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"

	"github.com/xtxerr/lidarlog/internal/constants"
	"github.com/xtxerr/lidarlog/internal/driver"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/logging"
)

var log = logging.Component("ydlidar")

const (
	modeTriangle = constants.DeviceModeTriangle

	// commandTimeout bounds each command round trip.
	commandTimeout = time.Second

	// readTimeoutMs is the serial inter-character timeout. Reads return at
	// least this often so deadlines and cancellation are noticed.
	readTimeoutMs = 100

	// maxFrequencySteps bounds the motor frequency adjustment.
	maxFrequencySteps = 200

	readChunk = 512
)

// OpenFunc opens a serial port.
type OpenFunc func(serial.OpenOptions) (io.ReadWriteCloser, error)

// Stats holds driver statistics.
type Stats struct {
	Packets        int64
	BadPackets     int64
	DiscardedBytes int64
	Scans          int64
}

// Driver is a YDLidar unit on a serial port.
type Driver struct {
	mu sync.Mutex

	open OpenFunc
	port io.ReadWriteCloser
	cfg  driver.Config
	info DeviceInfo

	scanning bool
	buf      []byte         // bytes read but not yet parsed
	pending  []driver.Point // points of the revolution in progress

	stats Stats
}

// New returns a driver that opens real serial ports.
func New() *Driver {
	return NewWithOpener(serial.Open)
}

// NewWithOpener returns a driver that opens ports with open.
func NewWithOpener(open OpenFunc) *Driver {
	return &Driver{open: open}
}

var _ driver.Driver = (*Driver)(nil)

// Connect opens the port and, in dual channel mode, configures the unit.
func (d *Driver) Connect(ctx context.Context, cfg driver.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return errors.Kind(errors.ErrHardwareInit, err)
	}
	if d.port != nil {
		return errors.Kind(errors.ErrHardwareInit, fmt.Errorf("already connected to %s", d.cfg.Port))
	}

	opts := serial.OpenOptions{
		PortName:              cfg.Port,
		BaudRate:              uint(cfg.BaudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: readTimeoutMs,
	}

	log.Debug("opening serial port", "port", cfg.Port, "baud", cfg.BaudRate)
	port, err := d.open(opts)
	if err != nil {
		return errors.Kind(errors.ErrHardwareInit, fmt.Errorf("open %s: %w", cfg.Port, err))
	}

	d.port = port
	d.cfg = cfg
	d.buf = d.buf[:0]
	d.pending = nil

	if cfg.ChannelMode == constants.ChannelModeDual {
		if err := d.configureLocked(ctx); err != nil {
			d.port.Close()
			d.port = nil
			return errors.Kind(errors.ErrHardwareInit, err)
		}
	}

	log.Info("lidar connected",
		"port", cfg.Port,
		"config", cfg.String(),
		"model", d.info.Model,
		"firmware", d.info.Firmware)
	return nil
}

// configureLocked stops any running scan, checks the unit and sets the
// motor frequency.
func (d *Driver) configureLocked(ctx context.Context) error {
	if err := d.sendLocked(cmdStop); err != nil {
		return err
	}
	d.buf = d.buf[:0]

	payload, err := d.commandLocked(ctx, cmdDeviceInfo, answerTypeDeviceInfo, deviceInfoSize)
	if err != nil {
		return fmt.Errorf("device info: %w", err)
	}
	d.info = parseDeviceInfo(payload)

	payload, err = d.commandLocked(ctx, cmdHealth, answerTypeHealth, healthSize)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if h := parseHealth(payload); h.Status != 0 {
		return fmt.Errorf("unit reports status %d, error code %#04x", h.Status, h.ErrorCode)
	}

	return d.setFrequencyLocked(ctx, d.cfg.ScanFrequencyHz)
}

// setFrequencyLocked steps the motor frequency in 1 Hz and 0.1 Hz
// increments until it is within 0.05 Hz of target.
func (d *Driver) setFrequencyLocked(ctx context.Context, target float64) error {
	payload, err := d.commandLocked(ctx, cmdGetFreq, answerTypeDeviceInfo, freqSize)
	if err != nil {
		return fmt.Errorf("get scan frequency: %w", err)
	}
	current := parseFrequency(payload)

	for step := 0; step < maxFrequencySteps; step++ {
		diff := target - current
		if math.Abs(diff) < 0.05 {
			log.Debug("scan frequency set", "hz", current)
			return nil
		}

		var cmd byte
		switch {
		case diff >= 1:
			cmd = cmdFreqUp1
		case diff <= -1:
			cmd = cmdFreqDown1
		case diff > 0:
			cmd = cmdFreqUp01
		default:
			cmd = cmdFreqDown01
		}

		payload, err := d.commandLocked(ctx, cmd, answerTypeDeviceInfo, freqSize)
		if err != nil {
			return fmt.Errorf("adjust scan frequency: %w", err)
		}
		next := parseFrequency(payload)
		if next == current {
			return fmt.Errorf("scan frequency stuck at %.2f Hz, want %.2f Hz", current, target)
		}
		current = next
	}
	return fmt.Errorf("scan frequency %.2f Hz not reached after %d steps", target, maxFrequencySteps)
}

// PowerOn starts scanning.
func (d *Driver) PowerOn(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return errors.Kind(errors.ErrHardwareInit, errors.ErrNotConnected)
	}
	if d.scanning {
		return nil
	}

	if d.cfg.ChannelMode == constants.ChannelModeDual {
		if _, err := d.commandLocked(ctx, cmdScan, answerTypeScan, -1); err != nil {
			return errors.Kind(errors.ErrHardwareInit, fmt.Errorf("start scan: %w", err))
		}
	}

	d.scanning = true
	d.pending = nil
	log.Info("scanning started", "port", d.cfg.Port)
	return nil
}

// PowerOff stops scanning.
func (d *Driver) PowerOff(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil || !d.scanning {
		return nil
	}
	d.scanning = false
	d.pending = nil
	d.buf = d.buf[:0]

	if d.cfg.ChannelMode == constants.ChannelModeDual {
		if err := d.sendLocked(cmdStop); err != nil {
			return fmt.Errorf("stop scan: %w", err)
		}
	}

	log.Info("scanning stopped", "port", d.cfg.Port)
	return nil
}

// Poll returns the points of the next full revolution. If timeout expires
// part way through a revolution, the partial revolution is returned.
func (d *Driver) Poll(ctx context.Context, timeout time.Duration) ([]driver.Point, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil || !d.scanning {
		return nil, errors.Kind(errors.ErrPoll, errors.ErrNotConnected)
	}

	deadline := time.Now().Add(timeout)
	for {
		pkt, err := d.nextPacketLocked(ctx, deadline)
		if err != nil {
			if len(d.pending) > 0 && isTimeout(err) {
				return d.takeRevolutionLocked(), nil
			}
			return nil, errors.Kind(errors.ErrPoll, err)
		}

		if pkt.StartOfScan {
			// The start packet carries a single placeholder sample.
			if len(d.pending) > 0 {
				return d.takeRevolutionLocked(), nil
			}
			continue
		}
		d.pending = append(d.pending, pkt.Points...)
	}
}

func (d *Driver) takeRevolutionLocked() []driver.Point {
	out := d.pending
	d.pending = nil
	d.stats.Scans++
	return out
}

// Disconnect closes the port.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	d.scanning = false
	d.pending = nil
	d.buf = d.buf[:0]

	if err != nil {
		return fmt.Errorf("close %s: %w", d.cfg.Port, err)
	}
	log.Info("lidar disconnected", "port", d.cfg.Port)
	return nil
}

// Info returns the device info read by Connect in dual channel mode.
func (d *Driver) Info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Stats returns driver statistics.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// =============================================================================
// Wire I/O
// =============================================================================

var errTimeout = errors.New("serial read timed out")

func isTimeout(err error) bool {
	return errors.Is(err, errTimeout)
}

func (d *Driver) sendLocked(cmd byte) error {
	if _, err := d.port.Write([]byte{cmdSync, cmd}); err != nil {
		return fmt.Errorf("write command %#02x: %w", cmd, err)
	}
	return nil
}

// commandLocked sends cmd and reads its answer. A size of -1 accepts the
// payload length announced by the header.
func (d *Driver) commandLocked(ctx context.Context, cmd, wantType byte, size int) ([]byte, error) {
	if err := d.sendLocked(cmd); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(commandTimeout)

	marker := []byte{cmdSync, answerSyncByte}
	for {
		if i := bytes.Index(d.buf, marker); i >= 0 {
			d.discardLocked(i)
			break
		}
		// Keep a trailing sync byte that may start the header.
		if n := len(d.buf); n > 0 && d.buf[n-1] == cmdSync {
			d.discardLocked(n - 1)
		} else {
			d.discardLocked(n)
		}
		if err := d.readLocked(ctx, deadline); err != nil {
			return nil, err
		}
	}

	if err := d.fillLocked(ctx, deadline, answerHeaderSize); err != nil {
		return nil, err
	}
	hdr, err := parseAnswerHeader(d.buf)
	if err != nil {
		return nil, err
	}
	if hdr.Type != wantType {
		return nil, fmt.Errorf("answer type %#02x, want %#02x", hdr.Type, wantType)
	}
	d.consumeLocked(answerHeaderSize)

	if size < 0 {
		// Scan answers are followed directly by the packet stream.
		return nil, nil
	}
	if hdr.Length < size {
		return nil, fmt.Errorf("answer length %d, want %d", hdr.Length, size)
	}
	if err := d.fillLocked(ctx, deadline, hdr.Length); err != nil {
		return nil, err
	}
	payload := append([]byte(nil), d.buf[:size]...)
	d.consumeLocked(hdr.Length)
	return payload, nil
}

// nextPacketLocked returns the next scan packet that passes its checksum.
func (d *Driver) nextPacketLocked(ctx context.Context, deadline time.Time) (packet, error) {
	marker := []byte{0xAA, 0x55}
	for {
		i := bytes.Index(d.buf, marker)
		if i < 0 {
			keep := 0
			if n := len(d.buf); n > 0 && d.buf[n-1] == 0xAA {
				keep = 1
			}
			d.discardLocked(len(d.buf) - keep)
			if err := d.readLocked(ctx, deadline); err != nil {
				return packet{}, err
			}
			continue
		}
		d.discardLocked(i)

		if err := d.fillLocked(ctx, deadline, packetHeaderSize); err != nil {
			return packet{}, err
		}
		n, err := packetLength(d.buf)
		if err != nil {
			d.stats.BadPackets++
			d.discardLocked(2)
			continue
		}
		if err := d.fillLocked(ctx, deadline, n); err != nil {
			return packet{}, err
		}

		pkt, err := decodePacket(d.buf[:n], d.cfg.DeviceMode)
		if err != nil {
			d.stats.BadPackets++
			log.Debug("dropping scan packet", "error", err)
			d.discardLocked(2)
			continue
		}
		d.consumeLocked(n)
		d.stats.Packets++
		return pkt, nil
	}
}

// fillLocked reads until the buffer holds at least n bytes.
func (d *Driver) fillLocked(ctx context.Context, deadline time.Time, n int) error {
	for len(d.buf) < n {
		if err := d.readLocked(ctx, deadline); err != nil {
			return err
		}
	}
	return nil
}

// readLocked performs one read. A read that returns no data is the serial
// inter-character timeout expiring.
func (d *Driver) readLocked(ctx context.Context, deadline time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return errTimeout
		}

		var chunk [readChunk]byte
		n, err := d.port.Read(chunk[:])
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			return nil
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("read %s: %w", d.cfg.Port, err)
		}
	}
}

// discardLocked drops n bytes that belong to no answer or packet.
func (d *Driver) discardLocked(n int) {
	if n > 0 {
		d.stats.DiscardedBytes += int64(n)
		d.consumeLocked(n)
	}
}

func (d *Driver) consumeLocked(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
}
