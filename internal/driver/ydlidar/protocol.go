package ydlidar

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xtxerr/lidarlog/internal/driver"
)

// Command bytes. Every command is sent as [0xA5, cmd].
const (
	cmdSync        = 0xA5
	cmdScan        = 0x60
	cmdStop        = 0x65
	cmdDeviceInfo  = 0x90
	cmdHealth      = 0x92
	cmdFreqUp1     = 0x09
	cmdFreqDown1   = 0x0A
	cmdFreqUp01    = 0x0B
	cmdFreqDown01  = 0x0C
	cmdGetFreq     = 0x0D
	answerSyncByte = 0x5A
)

// Response types in the answer header.
const (
	answerTypeDeviceInfo = 0x04
	answerTypeHealth     = 0x06
	answerTypeScan       = 0x81
)

const (
	answerHeaderSize = 7  // A5 5A, 30 bit length + 2 bit mode, type
	deviceInfoSize   = 20 // model, firmware (2), hardware, serial (16)
	healthSize       = 3  // status, error code (2)
	freqSize         = 4  // uint32, 1/100 Hz

	packetHeaderSize = 10     // PH (2), CT, LSN, FSA (2), LSA (2), CS (2)
	packetSync       = 0x55AA // PH, little-endian on the wire: AA 55
	sampleSize       = 2
)

// answerHeader precedes every command response.
type answerHeader struct {
	Length int
	Mode   int
	Type   byte
}

func parseAnswerHeader(b []byte) (answerHeader, error) {
	if len(b) < answerHeaderSize {
		return answerHeader{}, fmt.Errorf("answer header: %d bytes", len(b))
	}
	if b[0] != cmdSync || b[1] != answerSyncByte {
		return answerHeader{}, fmt.Errorf("answer header: bad sync %02x %02x", b[0], b[1])
	}
	v := binary.LittleEndian.Uint32(b[2:6])
	return answerHeader{
		Length: int(v & 0x3FFFFFFF),
		Mode:   int(v >> 30),
		Type:   b[6],
	}, nil
}

// DeviceInfo is the answer to the device info command.
type DeviceInfo struct {
	Model    byte
	Firmware string
	Hardware byte
	Serial   string
}

func parseDeviceInfo(b []byte) DeviceInfo {
	serial := make([]byte, 0, 16)
	for _, c := range b[4:20] {
		serial = append(serial, '0'+c%10)
	}
	return DeviceInfo{
		Model:    b[0],
		Firmware: fmt.Sprintf("%d.%d", b[2], b[1]),
		Hardware: b[3],
		Serial:   string(serial),
	}
}

// Health is the answer to the health command. Status 0 is healthy.
type Health struct {
	Status    byte
	ErrorCode uint16
}

func parseHealth(b []byte) Health {
	return Health{Status: b[0], ErrorCode: binary.LittleEndian.Uint16(b[1:3])}
}

func parseFrequency(b []byte) float64 {
	return float64(binary.LittleEndian.Uint32(b[0:4])) / 100
}

// packet is one decoded scan packet.
type packet struct {
	// StartOfScan is set on the first packet of a revolution.
	StartOfScan bool
	Points      []driver.Point
}

// packetLength returns the full packet length for a header, or an error if
// the header is not a scan packet header.
func packetLength(header []byte) (int, error) {
	if binary.LittleEndian.Uint16(header[0:2]) != packetSync {
		return 0, fmt.Errorf("packet sync: %02x %02x", header[0], header[1])
	}
	lsn := int(header[3])
	if lsn == 0 {
		return 0, fmt.Errorf("packet with zero samples")
	}
	return packetHeaderSize + lsn*sampleSize, nil
}

// decodePacket decodes and checks a full scan packet.
//
// Angles: FSA and LSA carry the first and last angle as (deg*64)<<1|1.
// Samples in between are spaced evenly. Triangle units report distance in
// quarter millimeters and need an angle correction; time of flight units
// report millimeters.
func decodePacket(b []byte, mode string) (packet, error) {
	n, err := packetLength(b)
	if err != nil {
		return packet{}, err
	}
	if len(b) < n {
		return packet{}, fmt.Errorf("packet: %d bytes, want %d", len(b), n)
	}

	ct := b[2]
	lsn := int(b[3])
	fsa := binary.LittleEndian.Uint16(b[4:6])
	lsa := binary.LittleEndian.Uint16(b[6:8])
	cs := binary.LittleEndian.Uint16(b[8:10])

	check := uint16(packetSync) ^ fsa ^ (uint16(ct) | uint16(lsn)<<8) ^ lsa
	samples := b[packetHeaderSize:n]
	for i := 0; i < lsn; i++ {
		check ^= binary.LittleEndian.Uint16(samples[i*2:])
	}
	if check != cs {
		return packet{}, fmt.Errorf("packet checksum: got %04x, want %04x", check, cs)
	}

	first := float64(fsa>>1) / 64
	last := float64(lsa>>1) / 64
	diff := last - first
	if diff < 0 {
		diff += 360
	}

	p := packet{StartOfScan: ct&0x01 == 1, Points: make([]driver.Point, lsn)}
	for i := 0; i < lsn; i++ {
		raw := float64(binary.LittleEndian.Uint16(samples[i*2:]))
		deg := first
		if lsn > 1 {
			deg += diff / float64(lsn-1) * float64(i)
		}

		var mm float64
		if mode == modeTriangle {
			mm = raw / 4
			if mm > 0 {
				deg += math.Atan(21.8*(155.3-mm)/(155.3*mm)) * 180 / math.Pi
			}
		} else {
			mm = raw
		}

		p.Points[i] = driver.Point{Angle: normalizeAngle(deg), Distance: mm / 1000}
	}
	return p, nil
}

// normalizeAngle converts degrees to radians in [-π, π).
func normalizeAngle(deg float64) float64 {
	rad := math.Mod(deg, 360) * math.Pi / 180
	if rad < 0 {
		rad += 2 * math.Pi
	}
	if rad >= math.Pi {
		rad -= 2 * math.Pi
	}
	return rad
}
