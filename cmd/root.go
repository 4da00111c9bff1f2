package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "mining-intel",
	Short: "EDGAR technical report discovery crawler",
	Long:  "Walks SEC EDGAR filing indexes for mining issuers, detects technical report summary exhibits, records them once, and extracts headline economics.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
