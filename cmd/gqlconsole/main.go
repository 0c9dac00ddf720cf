package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alexjbarnes/gqlconsole/internal/app"
	"github.com/alexjbarnes/gqlconsole/internal/config"
	"github.com/alexjbarnes/gqlconsole/internal/logging"
	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gqlconsole",
	Short: "Explore and test GraphQL environments through an OAuth proxy",
	Long: `gqlconsole runs GraphQL operations against configured environments.
Tokens are obtained with the client-credentials grant through the proxy
started by "gqlconsole serve" and cached between runs.

Example usage:
  gqlconsole serve                          # Start the token and GraphQL proxy
  gqlconsole query -e dev -q '{ version }'  # Run one operation
  gqlconsole fields -e dev                  # List root query fields
  gqlconsole build-query missionary -e dev  # Generate a query from the schema
  gqlconsole compare dev prod -f q.graphql  # Diff two environments
  gqlconsole token status                   # Show cached tokens`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error

		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger = logging.NewLogger(cfg.Environment, cfg.LogLevel)

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openApp opens the shared resources for a one-shot command.
func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, cfg, logger, app.Hooks{})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
