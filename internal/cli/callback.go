package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/scrap/internal/client"
)

var callbackCmd = &cobra.Command{
	Use:   "callback <request-id> [reply]",
	Short: "Submit the agent's reply for a pending request",
	Long: `Complete a pending agent request with a reply copied from Messages. When
no reply argument is given it is read from stdin.

Submitting for an unknown or already completed request is not an error:
there is simply nothing left to submit.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCallback,
}

func init() {
	addBackendFlag(callbackCmd)
}

func runCallback(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd, os.Getenv("LOG_LEVEL"))
	if err != nil {
		return err
	}

	requestID := args[0]
	reply := strings.Join(args[1:], " ")
	if len(args) == 1 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read reply from stdin: %w", err)
		}
		reply = string(data)
	}
	reply = strings.TrimSpace(reply)

	ctx, cancel := commandContext(cmd)
	defer cancel()

	err = newBackendClient(cmd, logger).Callback(ctx, requestID, reply)
	if client.IsNotFound(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "Nothing to submit: request %s is unknown or already completed.\n", requestID)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Reply submitted for request %s.\n", requestID)
	return nil
}
