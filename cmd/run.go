package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/complaints-queue/internal/monitoring"
	"github.com/sells-group/complaints-queue/internal/store"
	"github.com/sells-group/complaints-queue/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the complaint mirror",
	Long:  "With --workers 0 the synchronization loop runs in this process. With 1 or 2 a supervisor spawns a forward and optionally a backward worker process and restarts them when they crash.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		if cfg.Pidfile != "" {
			pf, err := acquirePidfile(cfg.Pidfile)
			if err != nil {
				return err
			}
			defer func() {
				if err := pf.Release(); err != nil {
					zap.L().Warn("release pidfile", zap.Error(err))
				}
			}()
		}

		if cfg.Workers.Count == 0 {
			return runWorker(ctx, false, 0)
		}
		return runSupervisor(ctx)
	},
}

func init() {
	runCmd.Flags().IntP("workers", "w", 0, "worker processes: 0 runs in-process, 1 forward, 2 forward and backward")
	runCmd.Flags().BoolP("daemon", "d", false, "detach from the terminal (unsupported, logged and ignored)")
	runCmd.Flags().StringP("pidfile", "p", "", "lock file holding the supervisor pid")
	rootCmd.AddCommand(runCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// workerArgs is the command line handed to each spawned worker.
func workerArgs(slot supervisor.Slot, parentPID int, configPath, logFile string) []string {
	args := []string{"worker", "--direction", slot.Name, "--parent-pid", strconv.Itoa(parentPID)}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if logFile != "" {
		args = append(args, "--logfile", logFile)
	}
	return args
}

// runSupervisor spawns the worker processes and, when configured, serves the
// status endpoint and runs the alert checker alongside them.
func runSupervisor(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "run"))

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return eris.Wrap(err, "open store")
	}
	defer st.Close() //nolint:errcheck

	if err := st.Migrate(ctx); err != nil {
		return eris.Wrap(err, "migrate store")
	}

	pid := os.Getpid()
	sup := supervisor.New(supervisor.ExecSpawner{
		Args: func(slot supervisor.Slot) []string {
			return workerArgs(slot, pid, cfgFile, cfg.Log.File)
		},
	}, supervisor.Options{
		Workers:      cfg.Workers.Count,
		RestartDelay: time.Duration(cfg.Workers.RestartDelaySecs) * time.Second,
		StopGrace:    time.Duration(cfg.Workers.StopGraceSecs) * time.Second,
	})

	collector := monitoring.NewCollector(st, time.Duration(cfg.Monitoring.StaleAfterSecs)*time.Second)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Side services stop once every worker has exited.
		defer cancel()
		return sup.Run(gctx)
	})

	if cfg.Server.Addr != "" {
		handler := monitoring.Router(collector, st, cfg.Server.CORSOrigins)
		g.Go(func() error {
			return monitoring.Serve(gctx, cfg.Server.Addr, handler)
		})
	}

	if cfg.Monitoring.WebhookURL != "" {
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
	}

	log.Info("supervisor started",
		zap.Int("workers", cfg.Workers.Count),
		zap.Int("pid", pid),
		zap.String("status_addr", cfg.Server.Addr),
	)
	return g.Wait()
}
