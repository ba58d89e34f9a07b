package testing

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Goroutine Test
// =============================================================================

// GoroutineTest runs functions in goroutines and fails the test with every
// error they return.
//
//	gt := NewGoroutineTest(t)
//	for i := 0; i < 8; i++ {
//	    gt.Go(func() error { return postStart(srv) })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t    *testing.T
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewGoroutineTest creates a new GoroutineTest helper.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	return &GoroutineTest{t: t}
}

// Go runs fn in a goroutine and collects its error.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
	}()
}

// Wait waits for all goroutines and fails the test if any returned an error.
func (gt *GoroutineTest) Wait() {
	gt.wg.Wait()

	if len(gt.errs) > 0 {
		gt.t.Errorf("goroutine test failed with %d error(s):", len(gt.errs))
		for i, err := range gt.errs {
			gt.t.Errorf("  [%d] %v", i+1, err)
		}
		gt.t.FailNow()
	}
}

// =============================================================================
// Waiting Helpers
// =============================================================================

// Eventually waits for a condition to become true.
//
//	err := Eventually(2*time.Second, 5*time.Millisecond, func() bool {
//	    return ctrl.State() == acquisition.StateIdle
//	})
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition not met within %v", timeout)
}
