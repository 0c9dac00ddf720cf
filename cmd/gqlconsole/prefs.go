package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change saved preferences",
}

var prefsProxyClientCmd = &cobra.Command{
	Use:   "proxy-client [ID]",
	Short: "Show, set or (with --clear) remove the saved proxy-client identity",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPrefsProxyClient,
}

var prefsEnvironmentCmd = &cobra.Command{
	Use:   "environment [KEY]",
	Short: "Show, set or (with --clear) remove the selected environment",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPrefsEnvironment,
}

var prefsListCmd = &cobra.Command{
	Use:   "environments",
	Short: "List configured environment keys",
	Args:  cobra.NoArgs,
	RunE:  runPrefsList,
}

func init() {
	rootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsProxyClientCmd, prefsEnvironmentCmd, prefsListCmd)

	prefsProxyClientCmd.Flags().Bool("clear", false, "remove the saved value")
	prefsEnvironmentCmd.Flags().Bool("clear", false, "remove the saved value")
}

func runPrefsProxyClient(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	reset, _ := cmd.Flags().GetBool("clear")

	switch {
	case reset:
		return a.Console.SetProxyClient("")
	case len(args) == 1:
		return a.Console.SetProxyClient(args[0])
	default:
		fmt.Fprintln(cmd.OutOrStdout(), a.Console.ProxyClient())
		return nil
	}
}

func runPrefsEnvironment(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	reset, _ := cmd.Flags().GetBool("clear")

	switch {
	case reset:
		return a.Console.SelectEnvironment("")
	case len(args) == 1:
		return a.Console.SelectEnvironment(args[0])
	default:
		fmt.Fprintln(cmd.OutOrStdout(), a.Console.SelectedEnvironment())
		return nil
	}
}

func runPrefsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	selected := a.Console.SelectedEnvironment()

	for _, k := range a.Console.Environments() {
		marker := " "
		if k == selected {
			marker = "*"
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, k)
	}

	return nil
}
