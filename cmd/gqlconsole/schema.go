package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/alexjbarnes/gqlconsole/internal/querybuilder"
	"github.com/spf13/cobra"
)

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "List the root query fields of an environment's schema",
	Args:  cobra.NoArgs,
	RunE:  runFields,
}

var buildQueryCmd = &cobra.Command{
	Use:   "build-query FIELD",
	Short: "Generate a complete query for a root field",
	Long: `Introspect the environment and print a query for FIELD with every
argument bound to a variable, followed by a variables template.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuildQuery,
}

func init() {
	rootCmd.AddCommand(fieldsCmd, buildQueryCmd)

	fieldsCmd.Flags().StringP("env", "e", "", "environment key (defaults to the saved selection)")
	fieldsCmd.Flags().Bool("json", false, "output as JSON")

	buildQueryCmd.Flags().StringP("env", "e", "", "environment key (defaults to the saved selection)")
	buildQueryCmd.Flags().Int("max-depth", 0, "maximum object nesting (0 = unlimited)")
	buildQueryCmd.Flags().Bool("compact", false, "print the single-line form")
	buildQueryCmd.Flags().Bool("json", false, "output as JSON")
}

func runFields(cmd *cobra.Command, _ []string) error {
	envKey, _ := cmd.Flags().GetString("env")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	fields, err := a.Console.RootFields(cmd.Context(), envKey)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), fields)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tTYPE\tARGUMENTS")

	for _, f := range fields {
		args := make([]string, 0, len(f.Args))
		for _, arg := range f.Args {
			args = append(args, arg.Name+": "+querybuilder.TypeString(&arg.Type))
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Name, querybuilder.TypeString(&f.Type), strings.Join(args, ", "))
	}

	return tw.Flush()
}

func runBuildQuery(cmd *cobra.Command, args []string) error {
	envKey, _ := cmd.Flags().GetString("env")
	maxDepth, _ := cmd.Flags().GetInt("max-depth")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := a.Console.BuildQuery(cmd.Context(), envKey, args[0], maxDepth)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), q)
	}

	w := cmd.OutOrStdout()

	if compact, _ := cmd.Flags().GetBool("compact"); compact {
		fmt.Fprintln(w, q.Query)
	} else {
		fmt.Fprint(w, q.Pretty)
	}

	if len(q.Variables) > 0 {
		fmt.Fprintln(w)
		return printJSON(w, q.Variables)
	}

	return nil
}
