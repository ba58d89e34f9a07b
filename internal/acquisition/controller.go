// Package acquisition owns the lidar and records its scans into a dataset.
//
// A Controller runs at most one acquisition at a time. Start acquires the
// sensor, begins a new session in the requested dataset and spawns the
// polling loop; Stop cancels the loop, waits for it to exit and releases
// the sensor. Both are safe to call from any number of goroutines: the
// state transition that admits a caller is a single compare-and-swap.
package acquisition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/lidarlog/config"
	"github.com/xtxerr/lidarlog/internal/driver"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/logging"
	"github.com/xtxerr/lidarlog/internal/storage/sessionstore"
	syncx "github.com/xtxerr/lidarlog/internal/sync"
)

var log = logging.Component("acquisition")

// Config configures a Controller.
type Config struct {
	// Sensor is passed to Driver.Connect on every Start.
	Sensor driver.Config

	// PollInterval is the delay between the end of one poll cycle and the
	// start of the next. It is independent of the sensor's scan frequency.
	PollInterval time.Duration

	// PollTimeout bounds each Driver.Poll call.
	PollTimeout time.Duration

	// StopTimeout bounds how long Stop waits for the loop to exit.
	StopTimeout time.Duration

	// MaxConsecutivePollFailures ends the run after this many failed polls
	// in a row. Zero disables the limit.
	MaxConsecutivePollFailures int

	// Store configures the dataset opened by Start.
	Store sessionstore.Options
}

// DefaultConfig returns the acquisition defaults. Sensor is left empty.
func DefaultConfig() Config {
	return Config{
		PollInterval:               config.DefaultPollInterval,
		PollTimeout:                config.DefaultPollTimeout,
		StopTimeout:                config.DefaultStopTimeout,
		MaxConsecutivePollFailures: config.DefaultMaxConsecutivePollFailures,
		Store:                      sessionstore.DefaultOptions(),
	}
}

// Resolver maps a dataset filename to its path. It returns an error
// satisfying errors.IsNotFound when the dataset does not exist.
type Resolver func(filename string) (string, error)

// Recorder receives acquisition events. internal/metrics implements it.
type Recorder interface {
	SessionStarted()
	PollSucceeded(points int)
	PollFailed()
	StoreFailed()
	SetRunning(running bool)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted()   {}
func (nopRecorder) PollSucceeded(int) {}
func (nopRecorder) PollFailed()       {}
func (nopRecorder) StoreFailed()      {}
func (nopRecorder) SetRunning(bool)   {}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder sets the event recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

// WithClock sets the clock used for batch timestamps and session days.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs acquisitions. The zero value is not usable; call New.
type Controller struct {
	cfg     Config
	drv     driver.Driver
	resolve Resolver
	rec     Recorder
	now     func() time.Time

	state atomic.Int32

	// release powers off and disconnects the sensor and closes the
	// session. It is armed by a successful Start.
	release syncx.ArmedOnce

	// startMu is held by Start from resolving the dataset until the run
	// is published, and by WhileNotRecording.
	startMu sync.Mutex

	mu      sync.Mutex
	current *run
	lastErr error
}

// run is one acquisition, from Start until its cleanup.
type run struct {
	handle  SessionHandle
	store   *sessionstore.Store
	session *sessionstore.Session
	cancel  context.CancelFunc
	done    chan struct{}

	// err is the loop's exit error. It is written before done is closed.
	err error

	rows         atomic.Int64
	polls        atomic.Int64
	pollFailures atomic.Int64
}

// New returns an idle controller for drv.
func New(cfg Config, drv driver.Driver, resolve Resolver, opts ...Option) *Controller {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = config.DefaultPollTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = config.DefaultStopTimeout
	}
	if cfg.PollInterval < 0 {
		cfg.PollInterval = 0
	}

	c := &Controller{
		cfg:     cfg,
		drv:     drv,
		resolve: resolve,
		rec:     nopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Store.Now == nil {
		c.cfg.Store.Now = c.now
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Start begins a new session in the dataset filename and starts polling.
// It returns as soon as the loop is running.
//
// On any failure the controller is back to Idle, the sensor is released
// and no session was created.
func (c *Controller) Start(ctx context.Context, filename string) (SessionHandle, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return SessionHandle{}, errors.ErrAlreadyRunning
	}

	c.startMu.Lock()
	r, err := c.acquire(ctx, filename)
	if err != nil {
		c.startMu.Unlock()
		c.state.Store(int32(StateIdle))
		log.Warn("start failed", "file", filename, "error", err)
		return SessionHandle{}, err
	}

	c.mu.Lock()
	c.current = r
	c.lastErr = nil
	c.mu.Unlock()
	c.startMu.Unlock()

	// The loop context is not derived from ctx: the run outlives the
	// request that started it.
	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	c.release.Arm()
	c.state.Store(int32(StateRunning))
	c.rec.SessionStarted()
	c.rec.SetRunning(true)

	go c.loop(loopCtx, r)

	log.Info("acquisition started",
		"file", filename,
		"session", r.handle.Path())
	return r.handle, nil
}

// acquire connects the sensor and begins the session, undoing every step
// that succeeded if a later one fails.
func (c *Controller) acquire(ctx context.Context, filename string) (*run, error) {
	path, err := c.resolve(filename)
	if err != nil {
		return nil, err
	}

	if err := c.drv.Connect(ctx, c.cfg.Sensor); err != nil {
		return nil, hardwareError(err)
	}
	if err := c.drv.PowerOn(ctx); err != nil {
		c.drv.Disconnect()
		return nil, hardwareError(err)
	}

	store, err := sessionstore.Open(path, c.cfg.Store)
	if err != nil {
		c.releaseHardware()
		return nil, storeError(err)
	}

	sess, err := store.BeginSession(c.now(), filename)
	if err != nil {
		store.Close()
		c.releaseHardware()
		return nil, storeError(err)
	}

	return &run{
		handle: SessionHandle{
			Filename:  filename,
			Day:       sess.Day(),
			Session:   sess.Name(),
			StartTime: sess.StartTime(),
		},
		store:   store,
		session: sess,
		done:    make(chan struct{}),
	}, nil
}

// Stop cancels the loop and waits up to StopTimeout for it to exit, then
// releases the sensor and closes the session.
//
// If the wait times out the controller stays Running with the loop
// cancelled, and Stop may be called again. If the loop had already ended
// with a fatal error, that error is returned wrapped after cleanup.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return errors.ErrNotRunning
	}

	c.mu.Lock()
	r := c.current
	c.mu.Unlock()

	r.cancel()

	if err := c.waitLoop(ctx, r); err != nil {
		return c.resumeAfterTimeout(r, err)
	}
	return c.stopped(r)
}

// stopped finishes a run whose loop has exited. The caller must hold the
// Stopping state.
func (c *Controller) stopped(r *run) error {
	c.finish(r)

	log.Info("acquisition stopped",
		"session", r.handle.Path(),
		"rows", r.rows.Load())

	if r.err != nil {
		return fmt.Errorf("acquisition ended with error: %w", r.err)
	}
	return nil
}

// resumeAfterTimeout hands a timed-out Stop back to Running. A loop that
// exited after the wait gave up found the state Stopping and left the
// cleanup to Stop, so in that case the stop completes here.
func (c *Controller) resumeAfterTimeout(r *run, timeoutErr error) error {
	c.state.Store(int32(StateRunning))

	select {
	case <-r.done:
		if c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			return c.stopped(r)
		}
	default:
	}

	log.Error("stop timed out", "session", r.handle.Path(), "timeout", c.cfg.StopTimeout)
	return timeoutErr
}

// waitLoop waits for the loop goroutine to exit, bounded by StopTimeout
// and ctx.
func (c *Controller) waitLoop(ctx context.Context, r *run) error {
	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-r.done:
		return nil
	case <-timer.C:
		err = errors.ErrShutdownTimeout
	case <-ctx.Done():
		err = errors.Join(errors.ErrShutdownTimeout, ctx.Err())
	}

	// The loop may have exited in the same instant.
	select {
	case <-r.done:
		return nil
	default:
		return err
	}
}

// loopExited runs on the loop goroutine after the loop returns. If no
// Stop is waiting for the loop, it performs the cleanup Stop would have.
func (c *Controller) loopExited(r *run) {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	c.finish(r)

	if r.err != nil {
		log.Error("acquisition ended on error", "session", r.handle.Path(), "error", r.err)
	} else {
		log.Info("acquisition ended after cancelled stop", "session", r.handle.Path())
	}
}

// finish releases the run's resources exactly once and returns the
// controller to Idle. The caller must hold the Stopping state.
func (c *Controller) finish(r *run) {
	if err := c.cleanup(r); err != nil {
		log.Warn("cleanup incomplete", "session", r.handle.Path(), "error", err)
	}

	c.mu.Lock()
	if r.err != nil {
		c.lastErr = r.err
	}
	if c.current == r {
		c.current = nil
	}
	c.mu.Unlock()

	c.rec.SetRunning(false)
	c.state.Store(int32(StateIdle))
}

// cleanup powers off and disconnects the sensor and closes the session
// and dataset. It runs at most once per successful Start; a second call
// logs and returns errors.ErrNoDriver.
func (c *Controller) cleanup(r *run) error {
	ran, err := c.release.Run(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		defer cancel()

		var errs []error
		if err := c.drv.PowerOff(ctx); err != nil {
			errs = append(errs, fmt.Errorf("power off: %w", err))
		}
		if err := c.drv.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
		if err := r.store.CloseSession(r.session); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dataset: %w", err))
		}
		return errors.Join(errs...)
	})
	if !ran {
		log.Warn("cleanup skipped", "error", errors.ErrNoDriver)
		return errors.ErrNoDriver
	}
	return err
}

// releaseHardware undoes Connect and PowerOn during a failed Start.
func (c *Controller) releaseHardware() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()

	if err := c.drv.PowerOff(ctx); err != nil {
		log.Warn("power off after failed start", "error", err)
	}
	if err := c.drv.Disconnect(); err != nil {
		log.Warn("disconnect after failed start", "error", err)
	}
}

// LastError returns the error that ended the most recent run, or nil.
// It is cleared by the next successful Start.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Current returns the handle of the running session.
func (c *Controller) Current() (SessionHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return SessionHandle{}, false
	}
	return c.current.handle, true
}

// InUse reports whether filename is the dataset being recorded.
func (c *Controller) InUse(filename string) bool {
	h, ok := c.Current()
	return ok && h.Filename == filename
}

// WhileNotRecording runs fn unless filename is being recorded, in which
// case it returns ErrDatasetInUse. No Start can begin recording any
// dataset until fn returns.
func (c *Controller) WhileNotRecording(filename string, fn func() error) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.InUse(filename) {
		return errors.Wrapf(errors.ErrDatasetInUse, "%s", filename)
	}
	return fn()
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	st := Status{State: c.State().String()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r := c.current; r != nil {
		h := r.handle
		st.Session = &h
		st.Rows = r.rows.Load()
		st.Polls = r.polls.Load()
		st.PollFailures = r.pollFailures.Load()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func hardwareError(err error) error {
	if errors.Is(err, errors.ErrHardwareInit) {
		return err
	}
	return errors.Kind(errors.ErrHardwareInit, err)
}

func storeError(err error) error {
	if errors.Is(err, errors.ErrStoreIO) {
		return err
	}
	return errors.Kind(errors.ErrStoreIO, err)
}
