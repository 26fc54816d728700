package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List agent requests still waiting for a reply",
	Long: `List the request ids the backend is still waiting on, oldest first. Any of
them can be completed with 'scrap callback <request-id>'.`,
	Args: cobra.NoArgs,
	RunE: runPending,
}

func init() {
	addBackendFlag(pendingCmd)
}

func runPending(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd, os.Getenv("LOG_LEVEL"))
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	resp, err := newBackendClient(cmd, logger).Pending(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Pending) == 0 {
		fmt.Fprintln(out, "No pending requests.")
		return nil
	}
	for _, p := range resp.Pending {
		fmt.Fprintf(out, "%s\t%s\n", p.RequestID, p.CreatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}
