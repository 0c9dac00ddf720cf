package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/events"
	"github.com/alexjbarnes/gqlconsole/internal/server"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and manage cached tokens",
}

var tokenStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached token state of every environment",
	Args:  cobra.NoArgs,
	RunE:  runTokenStatus,
}

var tokenInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop the cached token of one environment",
	Args:  cobra.NoArgs,
	RunE:  runTokenInvalidate,
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached token",
	Args:  cobra.NoArgs,
	RunE:  runTokenClear,
}

var tokenWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream token cache events from a running proxy",
	Args:  cobra.NoArgs,
	RunE:  runTokenWatch,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenStatusCmd, tokenInvalidateCmd, tokenClearCmd, tokenWatchCmd)

	tokenStatusCmd.Flags().Bool("json", false, "output as JSON")
	tokenInvalidateCmd.Flags().StringP("env", "e", "", "environment key (defaults to the saved selection)")
}

func runTokenStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	status := a.Console.TokenStatus(cmd.Context())

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), status)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENVIRONMENT\tCLIENT ID\tCACHED\tEXPIRES")

	for _, st := range status {
		expires := "-"
		if st.Cached {
			expires = st.ExpiresAt.Local().Format(time.DateTime) + " (in " + st.ExpiresIn + ")"
		}

		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", st.Environment, st.ClientID, st.Cached, expires)
	}

	return tw.Flush()
}

func runTokenInvalidate(cmd *cobra.Command, _ []string) error {
	envKey, _ := cmd.Flags().GetString("env")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	resolved, err := a.Console.ResolveEnvironment(envKey)
	if err != nil {
		return err
	}

	if err := a.Console.InvalidateToken(cmd.Context(), resolved); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "invalidated token for %s\n", resolved)

	return nil
}

func runTokenClear(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	a.Console.ClearSession(cmd.Context())
	fmt.Fprintln(cmd.OutOrStdout(), "cleared all cached tokens")

	return nil
}

func runTokenWatch(cmd *cobra.Command, _ []string) error {
	base := cfg.ProxyBaseURL

	var url string

	switch {
	case strings.HasPrefix(base, "https://"):
		url = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		url = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return errors.New("PROXY_BASE_URL must be http(s)")
	}

	w := cmd.OutOrStdout()

	return events.Watch(cmd.Context(), url+server.PathEvents, cfg.ProxyAPIKey, func(ev events.Event) {
		_ = printJSON(w, ev)
	})
}
