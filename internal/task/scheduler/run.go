package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "tweetfwd/pkg/logx"
)

// trigger starts one run of d unless the previous run is still in flight.
func (s *Service) trigger(d scheduleDef) bool {
	if !d.state.running.CompareAndSwap(false, true) {
		d.state.skipped.Add(1)
		s.log.Debug("schedule trigger skipped", logx.String("schedule", d.name), logx.String("reason", "running"))
		return false
	}

	s.mu.Lock()
	ctx := s.runCtx
	defTimeout := s.cfg.DefaultTimeout
	if ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		d.state.running.Store(false)
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	timeout := d.timeout
	if timeout <= 0 {
		timeout = defTimeout
	}
	go func() {
		defer s.wg.Done()
		defer d.state.running.Store(false)
		s.run(ctx, d, timeout)
	}()
	return true
}

func (s *Service) run(parent context.Context, d scheduleDef, timeout time.Duration) {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", logx.String("schedule", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.job(ctx)
	}()
	took := time.Since(start)

	d.state.runs.Add(1)
	d.state.mu.Lock()
	d.state.lastErr = err
	d.state.lastRun = start
	d.state.lastDur = took
	d.state.mu.Unlock()

	switch {
	case err == nil:
		s.log.Debug("job done", logx.String("schedule", d.name), logx.Duration("took", took))
	case errors.Is(err, context.Canceled) && parent.Err() != nil:
		s.log.Debug("job canceled by stop", logx.String("schedule", d.name))
	default:
		d.state.failures.Add(1)
		s.log.Warn("job failed", logx.String("schedule", d.name), logx.Duration("took", took), logx.Err(err))
	}
}
