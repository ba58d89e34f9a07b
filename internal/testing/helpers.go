// Package testing provides test helpers for lidarlog.
//
// Using t.Fatal() or t.FailNow() in goroutines causes undefined behavior because
// these methods call runtime.Goexit() which only terminates the current goroutine,
// not the test goroutine. The helpers here collect errors from goroutines and
// report them from the test goroutine instead.
package testing

import (
	"fmt"
	"sync"
	"testing"
)

// =============================================================================
// Error Channel Pattern
// =============================================================================

// TestHelper manages error collection from goroutines.
//
// Usage:
//
//	h := NewTestHelper(t)
//	for i := 0; i < callers; i++ {
//	    h.Add(1)
//	    go func(id int) {
//	        defer h.Done()
//	        if _, err := ctrl.Start(ctx, "run.lidar"); err != nil {
//	            h.Errorf("caller %d: %v", id, err)
//	        }
//	    }(i)
//	}
//	h.Wait()
type TestHelper struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
}

// NewTestHelper creates a new test helper.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		t:      t,
		errors: make(chan error, 100),
	}
}

// Add increments the goroutine counter.
func (h *TestHelper) Add(delta int) {
	h.wg.Add(delta)
}

// Done decrements the goroutine counter.
func (h *TestHelper) Done() {
	h.wg.Done()
}

// Errorf records a test error from a goroutine.
// This is safe to call from any goroutine.
func (h *TestHelper) Errorf(format string, args ...interface{}) {
	h.Error(fmt.Errorf(format, args...))
}

// Error records a test error from a goroutine.
func (h *TestHelper) Error(err error) {
	if err == nil {
		return
	}
	select {
	case h.errors <- err:
	default:
		// Buffer full, error will be lost but test will still fail
	}
}

// Wait waits for all goroutines and reports any errors.
// Must be called from the test goroutine.
func (h *TestHelper) Wait() {
	h.wg.Wait()
	close(h.errors)

	var failed bool
	for err := range h.errors {
		h.t.Errorf("goroutine error: %v", err)
		failed = true
	}

	if failed {
		h.t.FailNow()
	}
}
