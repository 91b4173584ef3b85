// Package resource bounds the impact of maintenance work (backup, restore,
// filesystem check) on foreground operations.
package resource

import (
	"context"
	"io"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds maintenance resource limits.
type Config struct {
	// MaxBackgroundJobs caps concurrent maintenance jobs. 0 defaults to 1.
	MaxBackgroundJobs int64

	// IOLimitBytesPerSec throttles maintenance streams. 0 is unlimited.
	IOLimitBytesPerSec int64
}

// Controller admits maintenance jobs and meters their IO.
type Controller struct {
	jobs    *semaphore.Weighted
	limiter *rate.Limiter
}

// NewController creates a controller for cfg.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundJobs <= 0 {
		cfg.MaxBackgroundJobs = 1
	}
	c := &Controller{
		jobs: semaphore.NewWeighted(cfg.MaxBackgroundJobs),
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// AcquireJob blocks until a maintenance slot is free or ctx is done.
func (c *Controller) AcquireJob(ctx context.Context) error {
	return c.jobs.Acquire(ctx, 1)
}

// ReleaseJob returns a maintenance slot.
func (c *Controller) ReleaseJob() {
	c.jobs.Release(1)
}

// WaitIO blocks until n bytes of IO budget are available.
func (c *Controller) WaitIO(ctx context.Context, n int) error {
	if c.limiter == nil || n <= 0 {
		return nil
	}
	burst := c.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// MeterReader wraps r so every read consumes IO budget.
func (c *Controller) MeterReader(ctx context.Context, r io.Reader) io.Reader {
	if c.limiter == nil {
		return r
	}
	return &meteredReader{ctx: ctx, ctrl: c, r: r}
}

type meteredReader struct {
	ctx  context.Context
	ctrl *Controller
	r    io.Reader
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		if werr := m.ctrl.WaitIO(m.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
