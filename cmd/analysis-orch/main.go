package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "analysis-orch",
		Short: "Chess analysis orchestrator - batch engine analysis for imported games",
		Long: `Chess analysis orchestrator runs a pool of UCI engines over users' games.
It admits single-game and batch requests, tracks job progress in SQLite,
and pushes completion events to subscribers over SSE, websockets or NATS.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override general.log_level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
