package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netzbureau/tariffscout/internal/app"
)

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reset orphaned jobs and expired crawl locks, then exit.",
		Long: `recover sweeps the store for jobs stuck in a running state past the
staleness threshold and for expired target locks. The serve command runs
the same sweep at startup; this command exists for manual cleanup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			application, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer application.Close(cmd.Context())

			return application.RecoverJobs(cmd.Context())
		},
	}
}
