package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adlens/adlens/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "adlens",
	Short: "Video advertising disclosure analysis service",
	Long:  "Analyzes video content for advertising: brand appearances, spoken keywords, and sponsorship disclosures, aggregated into a confidence score streamed live to clients.",
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
