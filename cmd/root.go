package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/complaints-queue/internal/config"
)

var (
	cfg     *config.Config
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "complaints-queue",
	Short: "Mirror procurement complaints from the OpenProcurement feed",
	Long:  "Tails the OpenProcurement tender feed, extracts every complaint attached to a tender, its awards and qualifications, and upserts them into a local database.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyFlagOverrides(cmd, c)
		warnings := c.Validate()
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		for _, w := range warnings {
			zap.L().Warn("config: " + w)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringP("logfile", "l", "", "write logs to this file instead of stderr")
}

// applyFlagOverrides copies explicitly set command-line flags over the loaded
// configuration. Flags a command does not define are ignored.
func applyFlagOverrides(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("logfile") {
		c.Log.File, _ = flags.GetString("logfile")
	}
	if flags.Changed("workers") {
		c.Workers.Count, _ = flags.GetInt("workers")
	}
	if flags.Changed("daemon") {
		c.Daemon, _ = flags.GetBool("daemon")
	}
	if flags.Changed("pidfile") {
		c.Pidfile, _ = flags.GetString("pidfile")
	}
}

// exitError carries a specific process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}
