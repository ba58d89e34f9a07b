package ydlidar

import (
	"encoding/binary"
	"math"
	"testing"
)

// encodePacket builds a scan packet. It is the inverse of decodePacket for
// time of flight units and is used by the simulated serial port in tests.
func encodePacket(startOfScan bool, firstDeg, lastDeg float64, raw []uint16) []byte {
	ct := byte(0)
	if startOfScan {
		ct = 1
	}
	fsa := uint16(firstDeg*64)<<1 | 1
	lsa := uint16(lastDeg*64)<<1 | 1

	b := make([]byte, packetHeaderSize+len(raw)*sampleSize)
	binary.LittleEndian.PutUint16(b[0:2], packetSync)
	b[2] = ct
	b[3] = byte(len(raw))
	binary.LittleEndian.PutUint16(b[4:6], fsa)
	binary.LittleEndian.PutUint16(b[6:8], lsa)

	cs := uint16(packetSync) ^ fsa ^ (uint16(ct) | uint16(len(raw))<<8) ^ lsa
	for i, v := range raw {
		binary.LittleEndian.PutUint16(b[packetHeaderSize+i*2:], v)
		cs ^= v
	}
	binary.LittleEndian.PutUint16(b[8:10], cs)
	return b
}

// encodeAnswer builds a response header plus payload.
func encodeAnswer(typ byte, payload []byte) []byte {
	b := make([]byte, answerHeaderSize, answerHeaderSize+len(payload))
	b[0] = cmdSync
	b[1] = answerSyncByte
	binary.LittleEndian.PutUint32(b[2:6], uint32(len(payload)))
	b[6] = typ
	return append(b, payload...)
}

func freqPayload(hz float64) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(math.Round(hz*100)))
	return b
}

func TestDecodePacket_TimeOfFlight(t *testing.T) {
	b := encodePacket(false, 0, 90, []uint16{1000, 2000, 3000, 4000})

	p, err := decodePacket(b, "tof")
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if p.StartOfScan {
		t.Error("unexpected start of scan")
	}
	if len(p.Points) != 4 {
		t.Fatalf("got %d points, want 4", len(p.Points))
	}

	for i, pt := range p.Points {
		wantAngle := float64(i) * 30 * math.Pi / 180
		if math.Abs(pt.Angle-wantAngle) > 1e-3 {
			t.Errorf("point %d angle = %v, want %v", i, pt.Angle, wantAngle)
		}
		wantDist := float64(i + 1)
		if pt.Distance != wantDist {
			t.Errorf("point %d distance = %v, want %v", i, pt.Distance, wantDist)
		}
	}
}

func TestDecodePacket_Triangle(t *testing.T) {
	b := encodePacket(false, 10, 10, []uint16{4000})

	p, err := decodePacket(b, "triangle")
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if got := p.Points[0].Distance; got != 1 {
		t.Errorf("distance = %v, want 1 (quarter millimeters)", got)
	}
	if p.Points[0].Angle == normalizeAngle(10) {
		t.Error("expected triangle angle correction to be applied")
	}
}

func TestDecodePacket_BadChecksum(t *testing.T) {
	b := encodePacket(true, 0, 0, []uint16{0})
	b[len(b)-1] ^= 0xFF
	if _, err := decodePacket(b, "tof"); err == nil {
		t.Error("expected checksum error")
	}
}

func TestNormalizeAngle(t *testing.T) {
	tests := []struct {
		deg  float64
		want float64
	}{
		{0, 0},
		{90, math.Pi / 2},
		{180, -math.Pi},
		{270, -math.Pi / 2},
		{360, 0},
		{-90, -math.Pi / 2},
	}
	for _, tt := range tests {
		if got := normalizeAngle(tt.deg); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("normalizeAngle(%v) = %v, want %v", tt.deg, got, tt.want)
		}
	}
}

func TestParseAnswerHeader(t *testing.T) {
	h, err := parseAnswerHeader(encodeAnswer(answerTypeHealth, []byte{0, 0, 0}))
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != answerTypeHealth || h.Length != 3 {
		t.Errorf("header = %+v", h)
	}

	if _, err := parseAnswerHeader([]byte{0xA5, 0x00, 0, 0, 0, 0, 0}); err == nil {
		t.Error("expected bad sync error")
	}
}
