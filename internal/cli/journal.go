package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/scrap/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show the request lifecycle journal",
	Long: `Print the records written to the journal (SCRAP_JOURNAL or 'journal.path'
in the config file), optionally for a single request.`,
	Args: cobra.NoArgs,
	RunE: runJournal,
}

func init() {
	journalCmd.Flags().String("request-id", "", "Only show records for this request")
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return errors.New("no journal configured\n\nHint: set SCRAP_JOURNAL=/path/to/journal.ndjson before starting 'scrap serve'")
	}

	file, err := os.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	requestID, _ := cmd.Flags().GetString("request-id")
	records, err := journal.Read(file, requestID, logger)
	if err != nil {
		return fmt.Errorf("failed to read journal %s: %w", cfg.Journal.Path, err)
	}

	out := cmd.OutOrStdout()
	for _, rec := range records {
		line := fmt.Sprintf("%s  %-20s  %s", rec.Time.UTC().Format(time.RFC3339), rec.Kind, rec.RequestID)
		if rec.Detail != "" {
			line += "  " + rec.Detail
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
