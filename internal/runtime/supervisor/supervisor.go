package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"chrono/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second

	// A run that stays up this long counts as healthy; the next failure
	// backs off from the minimum again.
	backoffResetAfter = 30 * time.Second
)

// Supervisor runs named goroutines under one shared context. Panics are
// recovered, the first failure is retained for Wait, and with
// WithCancelOnError that first failure also cancels every sibling.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Accounting, not synchronization: started counts every goroutine ever
	// launched, active the ones still running, restarts the failed runs
	// GoRestart loops have cycled through.
	started  atomic.Uint64
	active   atomic.Int64
	restarts atomic.Uint64

	log         logx.Logger
	cancelOnErr bool
	firstErr    atomic.Pointer[error]

	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first goroutine failure cancel the shared
// context, taking the remaining goroutines down with it.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// Counters is a point-in-time snapshot of the goroutine accounting.
type Counters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Restarts uint64 `json:"restarts"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Context is the shared context every supervised goroutine receives.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel ends the shared context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err reports the first recorded failure, nil before any.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Counters returns a snapshot of the goroutine accounting. Safe on nil.
func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:   s.active.Load(),
		Started:  s.started.Load(),
		Restarts: s.restarts.Load(),
	}
}

// Go launches fn under the shared context. A panic or a non-cancellation
// error becomes the supervisor's first error; returning context.Canceled
// is a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		if !s.log.IsZero() {
			s.log.Debug("goroutine started", logx.String("name", name))
		}
		err := s.runShielded(s.ctx, name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		if !s.log.IsZero() {
			s.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

// Go0 is Go for functions with no error to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts caps how many failed runs the loop tolerates before it
// gives up. The initial run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and, on error or panic, runs it again after a jittered
// exponential backoff until ctx ends or the restart cap is hit. Meant for
// long-lived loops that should ride out transient failures, like watchers
// and bus consumers. A nil return stops the loop for good.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		failures := 0
		for ctx.Err() == nil {
			startedAt := time.Now()
			err := s.runShielded(ctx, name, fn)

			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}

			// Failures here are remembered but never fatal to the group;
			// the restart loop is the recovery.
			s.remember(fmt.Errorf("%s: %w", name, err))
			s.restarts.Add(1)
			failures++
			if time.Since(startedAt) >= backoffResetAfter {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && failures > cfg.maxRestarts {
				if !s.log.IsZero() {
					s.log.Error("goroutine gave up after restarts",
						logx.String("name", name), logx.Int("restarts", failures), logx.Any("err", err))
				}
				return
			}

			wait := backoff
			if wait > cfg.maxBackoff {
				wait = cfg.maxBackoff
			}
			// Up to 20% jitter keeps sibling loops from thundering together.
			if j := wait / 5; j > 0 {
				wait += rand.N(j)
			}
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting",
					logx.String("name", name), logx.Duration("backoff", wait), logx.Any("err", err))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

// Stop cancels the shared context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every supervised goroutine has exited, then reports the
// first recorded failure. A ctx deadline bounds the wait; the goroutines
// keep running and a later Wait can pick them up again.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

// runShielded executes one fn run, folding a panic into the returned error.
func (s *Supervisor) runShielded(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// remember retains err as the first error without tearing anything down.
func (s *Supervisor) remember(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
}

// fail retains err and, with cancel-on-error set, cancels the group.
func (s *Supervisor) fail(err error) {
	s.remember(err)
	if s.cancelOnErr {
		s.cancel()
	}
}
