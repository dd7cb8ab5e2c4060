package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netzbureau/tariffscout/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and crawl workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			application, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}

			if err := application.SeedTargets(cmd.Context()); err != nil {
				application.Close(cmd.Context())
				return err
			}
			if err := application.RecoverJobs(cmd.Context()); err != nil {
				application.Close(cmd.Context())
				return err
			}

			// Run blocks until shutdown and closes the application itself.
			return application.Run(cmd.Context())
		},
	}
}
