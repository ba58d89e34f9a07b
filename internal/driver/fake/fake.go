// Package fake provides an in-process sensor that replays scripted batches.
//
// It backs the simulated driver of the daemon and the acquisition tests.
// Every call is counted so tests can assert on the hardware lifecycle.
package fake

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/xtxerr/lidarlog/internal/driver"
	"github.com/xtxerr/lidarlog/internal/errors"
)

// Step is one scripted Poll result. Exactly one of Points and Err is used.
type Step struct {
	Points []driver.Point
	Err    error
}

// Counts records how often each lifecycle call was made.
type Counts struct {
	Connect    int
	PowerOn    int
	PowerOff   int
	Poll       int
	Disconnect int
}

// Driver is a scripted sensor.
type Driver struct {
	mu sync.Mutex

	script []Step
	// Repeat replays the last step once the script is exhausted. Without it
	// an exhausted script blocks Poll until timeout.
	repeat bool

	connectErr error
	powerOnErr error

	// pollGate, if set, is received from before each Poll returns.
	pollGate <-chan struct{}

	connected bool
	powered   bool
	cfg       driver.Config
	counts    Counts
}

// Option configures a Driver.
type Option func(*Driver)

// WithScript sets the Poll results in order.
func WithScript(steps ...Step) Option {
	return func(d *Driver) { d.script = append(d.script, steps...) }
}

// WithRepeat replays the last scripted step forever.
func WithRepeat() Option {
	return func(d *Driver) { d.repeat = true }
}

// WithConnectError makes Connect fail with err.
func WithConnectError(err error) Option {
	return func(d *Driver) { d.connectErr = err }
}

// WithPowerOnError makes PowerOn fail with err.
func WithPowerOnError(err error) Option {
	return func(d *Driver) { d.powerOnErr = err }
}

// WithPollGate makes each Poll wait for a value on gate (or its timeout).
func WithPollGate(gate <-chan struct{}) Option {
	return func(d *Driver) { d.pollGate = gate }
}

// New returns a scripted driver.
func New(opts ...Option) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Simulated returns a driver that emits one synthetic revolution of n points
// per poll: a room-like contour whose distance varies with angle.
func Simulated(n int) *Driver {
	points := make([]driver.Point, n)
	for i := range points {
		angle := -math.Pi + 2*math.Pi*float64(i)/float64(n)
		points[i] = driver.Point{
			Angle:    angle,
			Distance: 2 + 0.5*math.Cos(2*angle) + 0.1*math.Sin(7*angle),
		}
	}
	return New(WithScript(Step{Points: points}), WithRepeat())
}

var _ driver.Driver = (*Driver)(nil)

// Connect records the config and fails if configured to.
func (d *Driver) Connect(ctx context.Context, cfg driver.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts.Connect++
	if err := cfg.Validate(); err != nil {
		return errors.Kind(errors.ErrHardwareInit, err)
	}
	if d.connectErr != nil {
		return errors.Kind(errors.ErrHardwareInit, d.connectErr)
	}
	if d.connected {
		return errors.Kind(errors.ErrHardwareInit, fmt.Errorf("already connected to %s", d.cfg.Port))
	}
	d.connected = true
	d.cfg = cfg
	return nil
}

// PowerOn starts the scripted stream.
func (d *Driver) PowerOn(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts.PowerOn++
	if !d.connected {
		return errors.Kind(errors.ErrHardwareInit, errors.ErrNotConnected)
	}
	if d.powerOnErr != nil {
		return errors.Kind(errors.ErrHardwareInit, d.powerOnErr)
	}
	d.powered = true
	return nil
}

// PowerOff stops the stream.
func (d *Driver) PowerOff(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts.PowerOff++
	d.powered = false
	return nil
}

// Poll returns the next scripted step.
func (d *Driver) Poll(ctx context.Context, timeout time.Duration) ([]driver.Point, error) {
	d.mu.Lock()
	d.counts.Poll++
	if !d.powered {
		d.mu.Unlock()
		return nil, errors.Kind(errors.ErrPoll, errors.ErrNotConnected)
	}
	gate := d.pollGate
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if gate != nil {
		select {
		case <-gate:
		case <-timer.C:
			return nil, errors.Kind(errors.ErrPoll, context.DeadlineExceeded)
		case <-ctx.Done():
			return nil, errors.Kind(errors.ErrPoll, ctx.Err())
		}
	}

	d.mu.Lock()
	step, ok := d.nextLocked()
	d.mu.Unlock()

	if !ok {
		select {
		case <-timer.C:
			return nil, errors.Kind(errors.ErrPoll, context.DeadlineExceeded)
		case <-ctx.Done():
			return nil, errors.Kind(errors.ErrPoll, ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, errors.Kind(errors.ErrPoll, step.Err)
	}
	if len(step.Points) == 0 {
		return nil, errors.Kind(errors.ErrPoll, fmt.Errorf("empty scan"))
	}
	return append([]driver.Point(nil), step.Points...), nil
}

func (d *Driver) nextLocked() (Step, bool) {
	if len(d.script) == 0 {
		return Step{}, false
	}
	step := d.script[0]
	if len(d.script) > 1 || !d.repeat {
		d.script = d.script[1:]
	}
	return step, true
}

// Disconnect releases the simulated port.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts.Disconnect++
	d.connected = false
	d.powered = false
	return nil
}

// Counts returns the lifecycle call counts.
func (d *Driver) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

// Connected reports whether the driver is connected.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Powered reports whether the driver is powered on.
func (d *Driver) Powered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powered
}

// Remaining returns the number of scripted steps not yet consumed.
func (d *Driver) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.script)
}
