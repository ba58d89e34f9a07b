// Package sync provides synchronization primitives used by the acquisition
// controller.
package sync

import (
	"sync"
	"sync/atomic"
)

// ArmedOnce runs a function at most once per arming.
//
// Unlike sync.Once it can be re-armed, which matches resources that are
// acquired repeatedly (a sensor connected on every start) but must be
// released exactly once per acquisition. Unlike a retrying once, a failed
// run still consumes the arming: releasing hardware twice is worse than
// reporting a failed release.
//
// ArmedOnce is safe for concurrent use. The zero value is disarmed.
//
// Example usage:
//
//	var release ArmedOnce
//
//	release.Arm()                           // resource acquired
//	ran, err := release.Run(closeResource)  // ran == true
//	ran, _ = release.Run(closeResource)     // ran == false, no second close
type ArmedOnce struct {
	mu    sync.Mutex
	armed atomic.Bool
}

// Arm allows the next Run to execute its function.
//
// If a Run is in progress, Arm blocks until it completes.
func (o *ArmedOnce) Arm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.armed.Store(true)
}

// Disarm cancels a pending arming without running anything.
func (o *ArmedOnce) Disarm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.armed.Store(false)
}

// Run calls f if the once is armed and disarms it. It reports whether f
// was called and returns f's error.
//
// Concurrent callers serialize: exactly one of them runs f, the others
// return (false, nil) after it finishes.
func (o *ArmedOnce) Run(f func() error) (bool, error) {
	if !o.armed.Load() {
		return false, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.armed.Load() {
		return false, nil
	}
	o.armed.Store(false)
	return true, f()
}

// Armed reports whether the next Run would execute.
func (o *ArmedOnce) Armed() bool {
	return o.armed.Load()
}
