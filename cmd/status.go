package main

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/complaints-queue/internal/monitoring"
	"github.com/sells-group/complaints-queue/internal/store"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored complaint counts and worker cursors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		collector := monitoring.NewCollector(st, time.Duration(cfg.Monitoring.StaleAfterSecs)*time.Second)
		snap, err := collector.Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		renderStatus(os.Stdout, snap)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}

// renderStatus writes the record counts and cursor tables to out.
func renderStatus(out io.Writer, snap *monitoring.StatusSnapshot) {
	statuses := make([]string, 0, len(snap.RecordsByStatus))
	for s := range snap.RecordsByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	counts := table.NewWriter()
	counts.SetOutputMirror(out)
	counts.SetTitle("Complaints")
	counts.AppendHeader(table.Row{"Status", "Records"})
	for _, s := range statuses {
		counts.AppendRow(table.Row{s, snap.RecordsByStatus[s]})
	}
	counts.AppendFooter(table.Row{"Total", snap.RecordsTotal})
	counts.Render()

	workers := table.NewWriter()
	workers.SetOutputMirror(out)
	workers.SetTitle("Workers")
	workers.AppendHeader(table.Row{"Worker", "Offset", "Skip Until", "Session", "Updated", "Age", "Stale"})
	for _, w := range snap.Workers {
		updated := "-"
		if !w.UpdatedAt.IsZero() {
			updated = w.UpdatedAt.UTC().Format(time.DateTime)
		}
		stale := ""
		if w.Stale {
			stale = "yes"
		}
		workers.AppendRow(table.Row{
			w.Worker,
			w.Offset,
			w.SkipUntil,
			w.SessionID,
			updated,
			(time.Duration(w.AgeSecs) * time.Second).String(),
			stale,
		})
	}
	workers.Render()
}
