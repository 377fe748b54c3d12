// Package watchdog terminates a worker that stops making progress. A counter
// is bumped on every tick and cleared by Beat; once it reaches the timeout the
// watchdog asks the process to stop and force-exits after a grace window.
package watchdog

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ExitCode is the process exit status after a watchdog termination.
const ExitCode = 3

// LivenessState is the counter and its limit, both in ticks.
type LivenessState struct {
	Counter int64
	Timeout int64
}

// Expired reports whether the counter reached the timeout.
func (s LivenessState) Expired() bool {
	return s.Timeout > 0 && s.Counter >= s.Timeout
}

// Options configures a Watchdog.
type Options struct {
	// Timeout without a Beat before the worker is terminated. Zero disables.
	Timeout time.Duration
	// Grace between the stop request and the forced exit.
	Grace time.Duration
	// Tick defaults to one second.
	Tick time.Duration
	// ParentPID, when set, is compared with the current parent on every
	// tick; a change counts as a liveness failure.
	ParentPID int

	// Terminate requests a clean stop. Defaults to SIGTERM to self.
	Terminate func()
	// Exit ends the process. Defaults to os.Exit.
	Exit func(code int)
	// Getppid defaults to os.Getppid.
	Getppid func() int
}

// Watchdog is a liveness timer. Beat is safe to call from any goroutine.
type Watchdog struct {
	opts    Options
	timeout int64
	counter atomic.Int64
	fired   atomic.Bool
	once    sync.Once
	done    chan struct{}
	log     *zap.Logger
}

// New creates a watchdog. Call Run to start ticking.
func New(opts Options) *Watchdog {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.Terminate == nil {
		opts.Terminate = func() {
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Getppid == nil {
		opts.Getppid = os.Getppid
	}
	var timeout int64
	if opts.Timeout > 0 {
		timeout = int64((opts.Timeout + opts.Tick - 1) / opts.Tick)
	}
	return &Watchdog{
		opts:    opts,
		timeout: timeout,
		done:    make(chan struct{}),
		log:     zap.L().With(zap.String("component", "watchdog")),
	}
}

// Beat records progress.
func (w *Watchdog) Beat() {
	w.counter.Store(0)
}

// State returns the current liveness state.
func (w *Watchdog) State() LivenessState {
	return LivenessState{Counter: w.counter.Load(), Timeout: w.timeout}
}

// Expired reports whether the watchdog has fired.
func (w *Watchdog) Expired() bool {
	return w.fired.Load()
}

// Done is closed when the watchdog fires.
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}

// Run ticks until ctx is done. After firing it keeps running only to force
// the exit if the process is still alive when the grace window closes.
func (w *Watchdog) Run(ctx context.Context) {
	if w.timeout == 0 && w.opts.ParentPID == 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(w.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n := w.counter.Add(1)
		if w.opts.ParentPID != 0 {
			if ppid := w.opts.Getppid(); ppid != w.opts.ParentPID {
				w.log.Error("parent process changed",
					zap.Int("expected", w.opts.ParentPID),
					zap.Int("actual", ppid),
				)
				w.fire()
				return
			}
		}
		if w.timeout > 0 && n >= w.timeout {
			w.log.Error("watchdog timeout, no progress",
				zap.Int64("ticks", n),
				zap.Duration("timeout", w.opts.Timeout),
			)
			w.fire()
			return
		}
		if n > 1 && n%60 == 0 {
			w.log.Debug("watchdog idle", zap.Int64("ticks", n))
		}
	}
}

// fire requests a stop, then force-exits after the grace window.
func (w *Watchdog) fire() {
	w.once.Do(func() {
		w.fired.Store(true)
		close(w.done)
		w.opts.Terminate()

		timer := time.NewTimer(w.opts.Grace)
		defer timer.Stop()
		<-timer.C
		w.log.Error("worker did not stop within grace, forcing exit", zap.Duration("grace", w.opts.Grace))
		_ = zap.L().Sync()
		w.opts.Exit(ExitCode)
	})
}
