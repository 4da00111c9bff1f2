package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/config"
	"github.com/sells-group/mining-intel/internal/extract"
	"github.com/sells-group/mining-intel/internal/metrics"
	"github.com/sells-group/mining-intel/internal/store"
	anthropicpkg "github.com/sells-group/mining-intel/pkg/anthropic"
	"github.com/sells-group/mining-intel/pkg/firecrawl"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract headline economics from discovered documents",
}

// -- extract run --

var extractRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract metrics from unprocessed documents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx, config.ModeExtract)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner := initExtractRunner(st, metrics.New(prometheus.NewRegistry()))
		summary, err := runner.Run(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "extract run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	extractRunCmd.Flags().Int("limit", 50, "max number of documents to process")
	extractCmd.AddCommand(extractRunCmd)
	rootCmd.AddCommand(extractCmd)
}

// initExtractRunner wires text sources and strategies from config. Firecrawl
// and the LLM strategy are enabled only when their keys are set.
func initExtractRunner(st store.Store, m *metrics.Metrics) *extract.Runner {
	sources := []extract.TextSource{extract.NewHTMLSource(newFetcher(m))}
	if cfg.Firecrawl.Key != "" {
		sources = append(sources, extract.NewFirecrawlSource(
			firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL)),
		))
	} else {
		zap.L().Debug("MINING_FIRECRAWL_KEY not set, PDF exhibits will be skipped")
	}

	strategies := []extract.Strategy{extract.RegexStrategy{}}
	if cfg.Anthropic.Key != "" {
		strategies = append(strategies, extract.NewLLMStrategy(
			anthropicpkg.NewClient(cfg.Anthropic.Key),
			cfg.Anthropic.Model,
			cfg.Extract.MaxChars,
		))
	} else {
		zap.L().Debug("MINING_ANTHROPIC_KEY not set, using regex extraction only")
	}

	return extract.NewRunner(st,
		extract.NewSourceChain(sources...),
		extract.NewChain(cfg.Extract.MinConfidence, strategies...),
		extract.RunnerOptions{
			Concurrency: cfg.Extract.Concurrency,
			Label:       cfg.Extract.Label,
			Metrics:     m,
		},
	)
}
