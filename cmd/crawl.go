package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/config"
	"github.com/sells-group/mining-intel/internal/crawler"
	"github.com/sells-group/mining-intel/internal/jobs"
	"github.com/sells-group/mining-intel/internal/metrics"
	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/internal/store"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Discover technical report exhibits on EDGAR",
	Long:  "Commands for running a crawl in the foreground, previewing what it would inspect, and resolving its date window.",
}

// -- crawl run --

var crawlRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one crawl in the foreground",
	Long:  "Creates a run, crawls the resolved window, and prints the finished run. Interrupting the command finishes the run as cancelled.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req, err := crawlRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, config.ModeCrawl)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := initCrawler(st, metrics.New(prometheus.NewRegistry()))
		if err != nil {
			return err
		}

		final, runErr := runForeground(ctx, st, c, cfg.Schedule.Job, req)
		if final != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(final); err != nil {
				return err
			}
		}
		if final != nil && errors.Is(runErr, context.Canceled) {
			zap.L().Warn("crawl interrupted, run finished as cancelled", zap.String("run_id", final.ID))
			return nil
		}
		if runErr != nil {
			return eris.Wrap(runErr, "crawl run")
		}
		return nil
	},
}

// runForeground creates a run for req and executes it with r. A run that
// never started, typically because another run of the job holds the claim,
// is cancelled so a serve worker does not pick it up later.
func runForeground(ctx context.Context, st store.Store, r jobs.Runner, job string, req model.CrawlRequest) (*model.CrawlRun, error) {
	run, err := st.CreateRun(ctx, job, req)
	if err != nil {
		return nil, eris.Wrap(err, "crawl run: create run")
	}
	zap.L().Info("crawl started", zap.String("run_id", run.ID))

	final, err := r.Run(ctx, run)
	if final == nil && err != nil {
		if cerr := st.CancelPending(context.WithoutCancel(ctx), run.ID, "not started: "+err.Error()); cerr != nil {
			zap.L().Error("crawl run: cancel unstarted run", zap.String("run_id", run.ID), zap.Error(cerr))
		}
	}
	return final, err
}

// -- crawl preview --

var crawlPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "List the filings a crawl would inspect without recording anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req, err := crawlRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, config.ModeCrawl)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := initCrawler(st, nil)
		if err != nil {
			return err
		}

		plan, err := c.Plan(ctx, req)
		if err != nil {
			return eris.Wrap(err, "crawl preview")
		}
		formatPlan(os.Stdout, plan)
		return nil
	},
}

// -- crawl window --

var crawlWindowCmd = &cobra.Command{
	Use:   "window",
	Short: "Print the date window a crawl would cover",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := crawlRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		window, err := crawler.ResolveWindow(ctx, st, req, time.Now(), cfg.Edgar.Lookback)
		if err != nil {
			return eris.Wrap(err, "crawl window")
		}
		_, err = fmt.Fprintln(os.Stdout, window.String())
		return err
	},
}

func addCrawlFlags(c *cobra.Command) {
	c.Flags().String("from", "", "first filing date to crawl (YYYY-MM-DD)")
	c.Flags().String("to", "", "end of the window, exclusive (YYYY-MM-DD, default today)")
	c.Flags().Bool("refresh", false, "start the day after the latest stored filing")
	c.Flags().StringSlice("cik", nil, "company CIKs to crawl (default from config, else full-text search)")
}

func init() {
	for _, c := range []*cobra.Command{crawlRunCmd, crawlPreviewCmd, crawlWindowCmd} {
		addCrawlFlags(c)
		crawlCmd.AddCommand(c)
	}
	rootCmd.AddCommand(crawlCmd)
}

// crawlRequestFromFlags builds and validates a request from the crawl flags.
func crawlRequestFromFlags(cmd *cobra.Command) (model.CrawlRequest, error) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	refresh, _ := cmd.Flags().GetBool("refresh")
	ciks, _ := cmd.Flags().GetStringSlice("cik")

	req := model.CrawlRequest{Refresh: refresh, CIKs: ciks}
	if from != "" {
		t, err := model.ParseDate(from)
		if err != nil {
			return req, eris.Wrap(err, "--from")
		}
		req.DateFrom = &t
	}
	if to != "" {
		t, err := model.ParseDate(to)
		if err != nil {
			return req, eris.Wrap(err, "--to")
		}
		req.DateTo = &t
	}
	if err := jobs.ValidateRequest(req); err != nil {
		return req, err
	}
	return req, nil
}

// formatPlan writes a dry-run plan to w.
func formatPlan(out io.Writer, plan *crawler.Plan) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%s\n", plan.Window)
	_, _ = fmt.Fprintf(w, "Companies:\t%d\n", plan.Companies)
	_, _ = fmt.Fprintf(w, "Filings:\t%d\n", len(plan.Pairs))
	if len(plan.Failed) > 0 {
		_, _ = fmt.Fprintf(w, "Failed companies:\t%d\n", len(plan.Failed))
	}
	_ = w.Flush()

	if len(plan.Pairs) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CIK\tCOMPANY\tFORM\tFILED\tACCESSION")
	_, _ = fmt.Fprintln(w, "---\t-------\t----\t-----\t---------")
	for _, p := range plan.Pairs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.Company.CIK,
			truncate(p.Company.Name, 30),
			p.Filing.FormType,
			p.Filing.FilingDate.Format(model.DateLayout),
			p.Filing.AccessionNumber,
		)
	}
	_ = w.Flush()
}

// truncate shortens s to n runes for column display.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
