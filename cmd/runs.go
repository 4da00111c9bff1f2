package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mining-intel/internal/config"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect crawl run history",
	Long:  "Commands for listing, viewing, and summarizing crawl runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crawl runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
			Offset: offset,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("runs list: unknown status %q", status)
		}

		st, err := openStore(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		filter.Job = cfg.Schedule.Job

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs, time.Now())
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		runs, err := st.ListRuns(ctx, store.RunFilter{
			Job:   cfg.Schedule.Job,
			Limit: 10000, // high limit for stats
		})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		now := time.Now()
		if since > 0 {
			runs = createdSince(runs, now.Add(-since))
		}
		formatRunStats(os.Stdout, computeRunStats(runs, now))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (pending, running, completed, failed, cancelled)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "number of runs to skip")

	runsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "time window for stats (e.g. 24h, 168h, 0 for all)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// createdSince keeps runs created at or after cutoff. Input order is kept.
func createdSince(runs []model.CrawlRun, cutoff time.Time) []model.CrawlRun {
	out := runs[:0:0]
	for _, r := range runs {
		if !r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Completed  int
	Failed     int
	Cancelled  int
	Active     int
	Checked    int64
	Imported   int64
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs. Average
// duration covers completed runs only.
func computeRunStats(runs []model.CrawlRun, now time.Time) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		s.Checked += r.Counters.Checked
		s.Imported += r.Counters.Imported
		switch r.Status {
		case model.RunStatusCompleted:
			s.Completed++
			totalDur += r.Duration(now)
			durCount++
		case model.RunStatusFailed:
			s.Failed++
		case model.RunStatusCancelled:
			s.Cancelled++
		default:
			s.Active++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.CrawlRun, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tWINDOW\tCHECKED\tFOUND\tIMPORTED\tFAILED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-------\t-----\t--------\t------\t-------\t--------")

	for _, r := range runs {
		window := "-"
		if r.DateFrom != nil && r.DateTo != nil {
			window = model.DateRange{From: *r.DateFrom, To: *r.DateTo}.String()
		}
		dur := "-"
		if r.StartedAt != nil {
			dur = r.Duration(now).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.Status,
			window,
			r.Counters.Checked,
			r.Counters.Found,
			r.Counters.Imported,
			r.Counters.Failed,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	_, _ = fmt.Fprintf(w, "Pending or running:\t%d\n", s.Active)
	_, _ = fmt.Fprintf(w, "Filings checked:\t%d\n", s.Checked)
	_, _ = fmt.Fprintf(w, "Documents imported:\t%d\n", s.Imported)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
