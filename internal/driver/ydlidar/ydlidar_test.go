package ydlidar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/go-serial/serial"

	"github.com/xtxerr/lidarlog/internal/driver"
	"github.com/xtxerr/lidarlog/internal/errors"
)

// fakePort is a serial port that answers commands from a script and
// otherwise serves queued bytes.
type fakePort struct {
	mu      sync.Mutex
	in      bytes.Buffer
	written []byte
	answers map[byte][][]byte // command -> queued answers
	closed  bool
}

func newFakePort() *fakePort {
	return &fakePort{answers: make(map[byte][][]byte)}
}

func (p *fakePort) answer(cmd byte, reply []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers[cmd] = append(p.answers[cmd], reply)
}

func (p *fakePort) feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(b)
}

func (p *fakePort) commands() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var cmds []byte
	for i := 0; i+1 < len(p.written); i += 2 {
		cmds = append(cmds, p.written[i+1])
	}
	return cmds
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.in.Len() == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	defer p.mu.Unlock()
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("port closed")
	}
	p.written = append(p.written, b...)
	if len(b) == 2 && b[0] == cmdSync {
		if q := p.answers[b[1]]; len(q) > 0 {
			p.in.Write(q[0])
			p.answers[b[1]] = q[1:]
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func opener(p *fakePort) OpenFunc {
	return func(serial.OpenOptions) (io.ReadWriteCloser, error) { return p, nil }
}

func testConfig(channel string) driver.Config {
	return driver.Config{
		Port:            "/dev/ttyUSB0",
		BaudRate:        128000,
		DeviceMode:      "tof",
		ScanFrequencyHz: 10,
		SampleRate:      5,
		ChannelMode:     channel,
	}
}

// revolution queues a start packet, two data packets, and the next start
// packet that completes the revolution.
func revolution(p *fakePort) {
	p.feed(encodePacket(true, 0, 0, []uint16{0}))
	p.feed(encodePacket(false, 0, 90, []uint16{1000, 1000, 1000}))
	p.feed([]byte{0x13, 0x37}) // line noise between packets
	p.feed(encodePacket(false, 100, 180, []uint16{2000, 2000}))
	p.feed(encodePacket(true, 0, 0, []uint16{0}))
}

func TestDriver_SingleChannelSendsNoCommands(t *testing.T) {
	port := newFakePort()
	d := NewWithOpener(opener(port))
	ctx := context.Background()

	if err := d.Connect(ctx, testConfig("single")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.PowerOn(ctx); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}

	revolution(port)
	points, err := d.Poll(ctx, time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(points) != 5 {
		t.Errorf("got %d points, want 5", len(points))
	}

	if err := d.PowerOff(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if cmds := port.commands(); len(cmds) != 0 {
		t.Errorf("single channel mode wrote commands %x", cmds)
	}
	if !port.closed {
		t.Error("port not closed")
	}
	if s := d.Stats(); s.Scans != 1 || s.DiscardedBytes == 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDriver_DualChannelConfiguresUnit(t *testing.T) {
	port := newFakePort()
	port.answer(cmdDeviceInfo, encodeAnswer(answerTypeDeviceInfo, append([]byte{24, 3, 1, 2}, make([]byte, 16)...)))
	port.answer(cmdHealth, encodeAnswer(answerTypeHealth, []byte{0, 0, 0}))
	port.answer(cmdGetFreq, encodeAnswer(answerTypeDeviceInfo, freqPayload(8.9)))
	port.answer(cmdFreqUp1, encodeAnswer(answerTypeDeviceInfo, freqPayload(9.9)))
	port.answer(cmdFreqUp01, encodeAnswer(answerTypeDeviceInfo, freqPayload(10.0)))
	port.answer(cmdScan, encodeAnswer(answerTypeScan, nil)[:answerHeaderSize])

	d := NewWithOpener(opener(port))
	ctx := context.Background()

	if err := d.Connect(ctx, testConfig("dual")); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info := d.Info(); info.Model != 24 || info.Firmware != "1.3" {
		t.Errorf("device info = %+v", info)
	}
	if err := d.PowerOn(ctx); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	if err := d.PowerOn(ctx); err != nil {
		t.Fatalf("second PowerOn: %v", err)
	}

	revolution(port)
	if _, err := d.Poll(ctx, time.Second); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if err := d.PowerOff(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.PowerOff(ctx); err != nil {
		t.Fatal(err)
	}

	want := []byte{cmdStop, cmdDeviceInfo, cmdHealth, cmdGetFreq, cmdFreqUp1, cmdFreqUp01, cmdScan, cmdStop}
	if got := port.commands(); !bytes.Equal(got, want) {
		t.Errorf("commands = %x, want %x", got, want)
	}
}

func TestDriver_UnhealthyUnitFailsConnect(t *testing.T) {
	port := newFakePort()
	port.answer(cmdDeviceInfo, encodeAnswer(answerTypeDeviceInfo, make([]byte, 20)))
	port.answer(cmdHealth, encodeAnswer(answerTypeHealth, []byte{2, 0x01, 0x80}))

	d := NewWithOpener(opener(port))
	err := d.Connect(context.Background(), testConfig("dual"))
	if !errors.Is(err, errors.ErrHardwareInit) {
		t.Fatalf("Connect = %v, want ErrHardwareInit", err)
	}
	if !port.closed {
		t.Error("port left open after failed connect")
	}
	if err := d.Disconnect(); err != nil {
		t.Errorf("Disconnect after failed connect = %v", err)
	}
}

func TestDriver_OpenFailure(t *testing.T) {
	d := NewWithOpener(func(serial.OpenOptions) (io.ReadWriteCloser, error) {
		return nil, fmt.Errorf("no such file or directory")
	})
	err := d.Connect(context.Background(), testConfig("single"))
	if !errors.Is(err, errors.ErrHardwareInit) {
		t.Errorf("Connect = %v, want ErrHardwareInit", err)
	}
}

func TestDriver_InvalidConfig(t *testing.T) {
	d := NewWithOpener(opener(newFakePort()))
	cfg := testConfig("single")
	cfg.DeviceMode = ""
	err := d.Connect(context.Background(), cfg)
	if !errors.Is(err, errors.ErrHardwareInit) || !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("Connect = %v, want ErrHardwareInit wrapping ErrMissingField", err)
	}
}

func TestDriver_PollTimeout(t *testing.T) {
	port := newFakePort()
	d := NewWithOpener(opener(port))
	ctx := context.Background()

	if _, err := d.Poll(ctx, 10*time.Millisecond); !errors.Is(err, errors.ErrPoll) {
		t.Errorf("Poll before connect = %v, want ErrPoll", err)
	}

	if err := d.Connect(ctx, testConfig("single")); err != nil {
		t.Fatal(err)
	}
	if err := d.PowerOn(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := d.Poll(ctx, 20*time.Millisecond)
	if !errors.Is(err, errors.ErrPoll) {
		t.Errorf("Poll with no data = %v, want ErrPoll", err)
	}

	// A partial revolution is returned when the deadline passes.
	port.feed(encodePacket(false, 0, 10, []uint16{500, 500}))
	points, err := d.Poll(ctx, 50*time.Millisecond)
	if err != nil || len(points) != 2 {
		t.Errorf("Poll partial = %d points, %v", len(points), err)
	}
}

func TestDriver_PollHonorsCancellation(t *testing.T) {
	d := NewWithOpener(opener(newFakePort()))
	ctx, cancel := context.WithCancel(context.Background())

	if err := d.Connect(ctx, testConfig("single")); err != nil {
		t.Fatal(err)
	}
	if err := d.PowerOn(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	start := time.Now()
	_, err := d.Poll(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Poll = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Poll ignored cancellation")
	}
}
