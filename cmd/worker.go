package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/complaints-queue/internal/complaint"
	"github.com/sells-group/complaints-queue/internal/cursor"
	"github.com/sells-group/complaints-queue/internal/store"
	"github.com/sells-group/complaints-queue/internal/syncer"
	"github.com/sells-group/complaints-queue/internal/watchdog"
)

var (
	workerDirection string
	workerParentPID int
)

// workerCmd is what the supervisor spawns for each slot.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single synchronization worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var descending bool
		switch workerDirection {
		case "forward":
		case "backward":
			descending = true
		default:
			return eris.Errorf("worker: unknown direction %q", workerDirection)
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		return runWorker(ctx, descending, workerParentPID)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerDirection, "direction", "forward", "feed direction (forward|backward)")
	workerCmd.Flags().IntVar(&workerParentPID, "parent-pid", 0, "exit when the parent process changes")
	rootCmd.AddCommand(workerCmd)
}

// runWorker wires one synchronization loop and runs it until ctx is done or
// the watchdog fires.
func runWorker(ctx context.Context, descending bool, parentPID int) error {
	log := zap.L().With(
		zap.String("component", "worker"),
		zap.String("worker", cursor.WorkerName(descending)),
	)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return eris.Wrap(err, "open store")
	}
	defer st.Close() //nolint:errcheck

	if err := st.Migrate(ctx); err != nil {
		return eris.Wrap(err, "migrate store")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wd := watchdog.New(watchdog.Options{
		Timeout:   time.Duration(cfg.Watchdog.TimeoutSecs) * time.Second,
		Grace:     time.Duration(cfg.Watchdog.GraceSecs) * time.Second,
		ParentPID: parentPID,
		Terminate: cancel,
	})
	go wd.Run(ctx)

	cur := cursor.New(cursor.OptionsFromConfig(cfg, descending), cursor.HTTPSessionFactory(cfg.Feed), st)
	defer cur.Close()

	filter := complaint.Filter{
		StoreClaim: cfg.Sync.StoreClaim,
		StoreDraft: cfg.Sync.StoreDraft,
	}
	s := syncer.New(cur, st, filter, wd, syncer.OptionsFromConfig(cfg))

	log.Info("worker starting",
		zap.Bool("descending", descending),
		zap.Int("parent_pid", parentPID),
	)
	runErr := s.Run(ctx)

	stats := s.Stats()
	log.Info("worker stopped",
		zap.Int("pages", stats.Pages),
		zap.Int("tenders", stats.Tenders),
		zap.Int("stored", stats.Stored),
		zap.Int("errors", stats.Errors),
		zap.Int("resets", stats.Resets),
	)

	if wd.Expired() {
		return &exitError{code: watchdog.ExitCode, err: eris.New("watchdog: worker made no progress")}
	}
	return runErr
}
