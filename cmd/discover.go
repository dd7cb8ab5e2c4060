package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netzbureau/tariffscout/internal/app"
	"github.com/netzbureau/tariffscout/internal/crawler"
	"github.com/netzbureau/tariffscout/internal/id/uuid"
	"github.com/netzbureau/tariffscout/internal/store"
)

func newDiscoverCmd() *cobra.Command {
	var (
		targetID string
		dataType string
		year     int
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run a single crawl job in the foreground.",
		Long: `discover runs one crawl job synchronously and prints the outcome. It is
meant for trying out a target configuration without starting the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dt := crawler.DataType(dataType)
			if !dt.Valid() {
				return fmt.Errorf("unsupported data type %q", dataType)
			}
			if year == 0 {
				year = time.Now().UTC().Year()
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			application, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer application.Close(cmd.Context())

			if err := application.SeedTargets(cmd.Context()); err != nil {
				return err
			}
			if err := application.RecoverJobs(cmd.Context()); err != nil {
				return err
			}

			jobID, err := uuid.NewUUIDGenerator().NewID()
			if err != nil {
				return fmt.Errorf("generate job id: %w", err)
			}
			job := store.CrawlJob{
				ID:         jobID,
				TargetID:   targetID,
				DataType:   dt,
				TargetYear: year,
				Status:     store.JobPending,
				CreatedAt:  time.Now().UTC(),
			}
			if err := application.Store().CreateJob(cmd.Context(), job); err != nil {
				return fmt.Errorf("create job: %w", err)
			}

			result, err := application.RunJob(cmd.Context(), jobID)
			if err != nil {
				return fmt.Errorf("run job %s: %w", jobID, err)
			}
			cmd.Printf("job %s finished with status %s: %s\n", jobID, result.Status, result.Message)

			docs, err := application.Store().ListJobDocuments(cmd.Context(), jobID)
			if err != nil {
				return fmt.Errorf("list documents: %w", err)
			}
			for _, doc := range docs {
				cmd.Printf("  %s %s sha256=%s (%d bytes)\n", doc.FileType, doc.ArchiveURI, doc.SHA256, doc.SizeBytes)
			}

			if result.Status != store.JobCompleted {
				return fmt.Errorf("job %s ended with status %s", jobID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&targetID, "target", "", "target slug to crawl")
	cmd.Flags().StringVar(&dataType, "type", string(crawler.DataTypeNetzentgelte), "data type to crawl (netzentgelte or hlzf)")
	cmd.Flags().IntVar(&year, "year", 0, "tariff year (defaults to the current year)")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}
