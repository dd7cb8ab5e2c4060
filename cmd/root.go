// Package cmd implements the tariffscout command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netzbureau/tariffscout/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tariffscout",
		Short: "Discovery and crawl engine for German grid tariff documents.",
		Long: `tariffscout locates, verifies, and archives the tariff documents German
distribution network operators publish: price sheets (Netzentgelte) and
peak-load time windows (Hochlastzeitfenster). Each crawl job runs an
eight-step pipeline from strategy planning through discovery, download,
and verification to archival and event publishing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newRecoverCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
