package acquisition

import (
	"context"
	"time"

	"github.com/xtxerr/lidarlog/internal/driver"
	"github.com/xtxerr/lidarlog/internal/errors"
	"github.com/xtxerr/lidarlog/internal/storage/types"
)

// loop is the body of the polling goroutine.
func (c *Controller) loop(ctx context.Context, r *run) {
	defer c.loopExited(r)
	defer close(r.done)

	r.err = c.poll(ctx, r)
}

// poll runs poll cycles until ctx is cancelled or a fatal error occurs.
// Poll failures are logged and retried; any store failure is fatal.
func (c *Controller) poll(ctx context.Context, r *run) error {
	log := log.With("session", r.handle.Path())

	pace := time.NewTimer(0)
	if !pace.Stop() {
		<-pace.C
	}
	defer pace.Stop()

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		points, err := c.drv.Poll(ctx, c.cfg.PollTimeout)
		r.polls.Add(1)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			failures++
			r.pollFailures.Add(1)
			c.rec.PollFailed()
			log.Warn("poll failed", "error", err, "consecutive", failures)

			if c.cfg.MaxConsecutivePollFailures > 0 && failures >= c.cfg.MaxConsecutivePollFailures {
				return errors.Join(errors.ErrPollExhausted, err)
			}

		default:
			failures = 0
			if err := c.record(r, points); err != nil {
				c.rec.StoreFailed()
				return err
			}
			c.rec.PollSucceeded(len(points))
		}

		if c.cfg.PollInterval > 0 {
			pace.Reset(c.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return nil
			case <-pace.C:
			}
		}
	}
}

// record appends one batch. Every point of the batch gets the same
// timestamp, taken once after the poll returned.
func (c *Controller) record(r *run, points []driver.Point) error {
	ts := types.EpochSeconds(c.now())

	timestamps := make([]float64, len(points))
	for i := range timestamps {
		timestamps[i] = ts
	}
	angles, distances := driver.Split(points)

	if err := r.store.Append(r.session, timestamps, angles, distances); err != nil {
		return storeError(err)
	}
	r.rows.Add(int64(len(points)))
	return nil
}
