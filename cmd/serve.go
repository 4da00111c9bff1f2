package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mining-intel/internal/api"
	"github.com/sells-group/mining-intel/internal/config"
	"github.com/sells-group/mining-intel/internal/jobs"
	"github.com/sells-group/mining-intel/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the crawl API, queue worker, and refresh scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		st, err := openStore(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.New(reg)

		c, err := initCrawler(st, m)
		if err != nil {
			return err
		}

		queue := jobs.NewQueue(st, cfg.Schedule.Job)
		worker := jobs.NewWorker(queue, st, c, jobs.WorkerOptions{PollInterval: cfg.Schedule.PollInterval})

		if cfg.Schedule.RefreshCron != "" {
			sched, err := jobs.NewScheduler(queue, cfg.Schedule.RefreshCron)
			if err != nil {
				return err
			}
			sched.Start()
			zap.L().Info("next scheduled refresh", zap.Time("at", sched.Next()))
			defer func() { <-sched.Stop().Done() }()
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: api.New(queue, st, worker, api.Options{
				CORSOrigins: cfg.Server.CORSOrigins,
				Gatherer:    reg,
			}).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return worker.Run(gctx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
