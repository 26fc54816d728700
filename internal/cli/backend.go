package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/scrap/internal/client"
)

func addBackendFlag(cmd *cobra.Command) {
	cmd.Flags().String("backend", "", "Backend base URL (default: $POKE_BACKEND_URL or "+client.DefaultBaseURL+")")
}

// newBackendClient resolves --backend, then POKE_BACKEND_URL. Env files are
// loaded by the time this runs.
func newBackendClient(cmd *cobra.Command, logger *slog.Logger) *client.Client {
	baseURL, _ := cmd.Flags().GetString("backend")
	if baseURL == "" {
		baseURL = os.Getenv("POKE_BACKEND_URL")
	}
	return client.New(client.Options{
		BaseURL: baseURL,
		Logger:  logger,
	})
}
