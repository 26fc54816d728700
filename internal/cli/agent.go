package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/scrap/internal/client"
	"github.com/iambrandonn/scrap/internal/protocol"
)

var agentCmd = &cobra.Command{
	Use:   "agent [message]",
	Short: "Ask the Poke agent something and wait for the reply",
	Long: `Send a message to the Poke agent through a running backend and print the
agent's reply. Without a message the default weekly summary prompt is used.

If the reply is not seen in time the request stays open; complete it later
with 'scrap callback <request-id> <reply>'.`,
	RunE: runAgent,
}

func init() {
	addBackendFlag(agentCmd)
	agentCmd.Flags().String("request-id", "", "Correlation id (default: generated by the backend)")
	agentCmd.Flags().Bool("include-messages", false, "Prefix the prompt with recent Messages history")
	agentCmd.Flags().Int("hours", 168, "Messages history to include, in hours")
	agentCmd.Flags().String("contact", "", "Only include Messages history with this contact")
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd, os.Getenv("LOG_LEVEL"))
	if err != nil {
		return err
	}

	requestID, _ := cmd.Flags().GetString("request-id")
	includeMessages, _ := cmd.Flags().GetBool("include-messages")
	hours, _ := cmd.Flags().GetInt("hours")
	contact, _ := cmd.Flags().GetString("contact")

	ctx, cancel := commandContext(cmd)
	defer cancel()

	backend := newBackendClient(cmd, logger)
	resp, err := backend.Agent(ctx, protocol.AgentRequest{
		RequestID:       requestID,
		Message:         strings.Join(args, " "),
		IncludeMessages: protocol.StrictTrue(includeMessages),
		MessageHours:    protocol.LooseInt(hours),
		MessageContact:  contact,
	})

	var timeout *client.TimeoutResponse
	if errors.As(err, &timeout) {
		fmt.Fprintf(cmd.ErrOrStderr(), "No reply from Poke yet (request %s).\n", timeout.RequestID)
		fmt.Fprintf(cmd.ErrOrStderr(), "When you have it, run:\n  scrap callback %s \"<reply>\"\n", timeout.RequestID)
		return err
	}
	if err != nil {
		return err
	}

	logger.Debug("agent replied", "request_id", resp.RequestID, "resolved_by", resp.ResolvedBy)
	fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	return nil
}
