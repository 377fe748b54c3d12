// Package supervisor keeps up to two worker processes alive: a forward worker
// tailing the feed and an optional backward worker walking it in descending
// order. A worker that crashes is restarted; one that exits cleanly stays
// stopped.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/complaints-queue/internal/resilience"
)

// Slot is one worker position.
type Slot struct {
	Name       string
	Descending bool
}

// Slots returns the worker positions for a worker count of 1 or 2.
func Slots(count int) []Slot {
	slots := []Slot{{Name: "forward"}}
	if count > 1 {
		slots = append(slots, Slot{Name: "backward", Descending: true})
	}
	return slots
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Wait blocks until the process exits. A non-zero exit is reported as an
	// error carrying ExitCode.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, slot Slot) (Process, error)
}

// Options configures the supervisor.
type Options struct {
	Workers      int
	RestartDelay time.Duration
	StopGrace    time.Duration
}

// Supervisor runs and restarts worker processes.
type Supervisor struct {
	spawner Spawner
	opts    Options
	log     *zap.Logger
}

// New creates a supervisor.
func New(spawner Spawner, opts Options) *Supervisor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	return &Supervisor{
		spawner: spawner,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "supervisor")),
	}
}

// Run returns when every worker has stopped cleanly or ctx is done. On ctx
// cancellation every worker gets SIGTERM and, after the stop grace, SIGKILL.
func (s *Supervisor) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, slot := range Slots(s.opts.Workers) {
		g.Go(func() error {
			return s.runSlot(ctx, slot)
		})
	}
	err := g.Wait()
	s.log.Info("leave supervisor")
	return err
}

func (s *Supervisor) runSlot(ctx context.Context, slot Slot) error {
	log := s.log.With(zap.String("worker", slot.Name))

	for ctx.Err() == nil {
		proc, err := s.spawner.Spawn(ctx, slot)
		if err != nil {
			log.Error("start worker", zap.Error(err))
			if resilience.Sleep(ctx, s.opts.RestartDelay) != nil {
				return nil
			}
			continue
		}
		log.Info("worker started", zap.Int("pid", proc.Pid()))

		exited := make(chan error, 1)
		go func() { exited <- proc.Wait() }()

		select {
		case err := <-exited:
			code := ExitCode(err)
			if code == 0 {
				log.Info("worker stopped", zap.Int("pid", proc.Pid()))
				return nil
			}
			log.Warn("worker exited with error, restarting",
				zap.Int("pid", proc.Pid()),
				zap.Int("exit_code", code),
				zap.Duration("delay", s.opts.RestartDelay),
			)
			if resilience.Sleep(ctx, s.opts.RestartDelay) != nil {
				return nil
			}
		case <-ctx.Done():
			s.stop(log, proc, exited)
			return nil
		}
	}
	return nil
}

// stop sends SIGTERM and escalates to SIGKILL after the grace period.
func (s *Supervisor) stop(log *zap.Logger, proc Process, exited <-chan error) {
	log.Info("stop worker", zap.Int("pid", proc.Pid()))
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Warn("signal worker", zap.Error(err))
	}

	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()
	select {
	case err := <-exited:
		log.Info("worker stopped", zap.Int("exit_code", ExitCode(err)))
	case <-timer.C:
		log.Warn("worker ignored SIGTERM, killing", zap.Duration("grace", s.opts.StopGrace))
		if err := proc.Kill(); err != nil {
			log.Error("kill worker", zap.Error(err))
		}
		<-exited
	}
}

// ExitCode extracts the exit status from a Wait error: 0 for nil, -1 when
// the error carries no code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}

// ExecSpawner starts workers as child processes of the current binary.
type ExecSpawner struct {
	// Path to the executable. Defaults to os.Executable().
	Path string
	// Args builds the command line for a slot.
	Args func(slot Slot) []string
}

// Spawn starts the worker with stdout and stderr shared with the parent.
// The child does not inherit ctx; it is stopped through Signal/Kill.
func (e ExecSpawner) Spawn(_ context.Context, slot Slot) (Process, error) {
	path := e.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, eris.Wrap(err, "supervisor: resolve executable")
		}
		path = exe
	}
	var args []string
	if e.Args != nil {
		args = e.Args(slot)
	}

	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, eris.Wrapf(err, "supervisor: start %s worker", slot.Name)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
