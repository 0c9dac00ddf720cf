package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alexjbarnes/gqlconsole/internal/console"
	"github.com/alexjbarnes/gqlconsole/internal/graphql"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Execute a GraphQL operation",
	Long: `Execute one operation and print the normalised response as JSON.
HTTP and GraphQL errors are part of the output; the exit status is non-zero
only when no token could be obtained.

Examples:
  gqlconsole query -e dev -q '{ version }'
  gqlconsole query -e dev -f missionary.graphql --vars '{"id":"42"}'
  gqlconsole query -e dev -q '{ a }' -H x-trace-id:1 --proxy-client batch`,
	Args: cobra.NoArgs,
	RunE: runQuery,
}

var runAllCmd = &cobra.Command{
	Use:   "run-all FILE",
	Short: "Execute every request listed in a YAML file concurrently",
	Long: `FILE lists named requests:

  requests:
    - name: dev version
      environment: dev
      query: "{ version }"
    - name: prod missionary
      environment: prod
      query_file: missionary.graphql
      variables: {id: "42"}`,
	Args: cobra.ExactArgs(1),
	RunE: runRunAll,
}

var compareCmd = &cobra.Command{
	Use:   "compare ENV_A ENV_B",
	Short: "Run one operation against two environments and diff the data",
	Args:  cobra.ExactArgs(2),
	RunE:  runCompare,
}

func init() {
	rootCmd.AddCommand(queryCmd, runAllCmd, compareCmd)

	for _, c := range []*cobra.Command{queryCmd, compareCmd} {
		c.Flags().StringP("query", "q", "", "GraphQL document")
		c.Flags().StringP("file", "f", "", "read the document from a file (- for stdin)")
		c.Flags().String("vars", "", "variables as a JSON object")
	}

	queryCmd.Flags().StringP("env", "e", "", "environment key (defaults to the saved selection)")
	queryCmd.Flags().StringArrayP("header", "H", nil, "extra header name:value (repeatable)")
	queryCmd.Flags().String("proxy-client", "", "proxy-client identity for this call")

	compareCmd.Flags().Bool("json", false, "output as JSON")
}

func readDocument(cmd *cobra.Command) (string, error) {
	q, _ := cmd.Flags().GetString("query")
	file, _ := cmd.Flags().GetString("file")

	switch {
	case q != "" && file != "":
		return "", errors.New("use either --query or --file, not both")
	case q != "":
		return q, nil
	case file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}

		return string(data), nil
	case file != "":
		data, err := os.ReadFile(file) // #nosec G304 -- operator-supplied path
		if err != nil {
			return "", fmt.Errorf("reading query file: %w", err)
		}

		return string(data), nil
	default:
		return "", errors.New("a query is required (--query or --file)")
	}
}

func readVariables(cmd *cobra.Command) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString("vars")
	if raw == "" {
		return nil, nil
	}

	var vars map[string]any
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, fmt.Errorf("parsing --vars: %w", err)
	}

	return vars, nil
}

func parseHeaders(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	headers := make(map[string]string, len(pairs))

	for _, p := range pairs {
		name, value, ok := strings.Cut(p, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q (want name:value)", p)
		}

		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	return headers, nil
}

func runQuery(cmd *cobra.Command, _ []string) error {
	doc, err := readDocument(cmd)
	if err != nil {
		return err
	}

	vars, err := readVariables(cmd)
	if err != nil {
		return err
	}

	headerPairs, _ := cmd.Flags().GetStringArray("header")

	headers, err := parseHeaders(headerPairs)
	if err != nil {
		return err
	}

	envKey, _ := cmd.Flags().GetString("env")
	proxyClient, _ := cmd.Flags().GetString("proxy-client")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.Console.Execute(cmd.Context(), console.Request{
		Environment: envKey,
		Query:       doc,
		Variables:   vars,
		Headers:     headers,
		ProxyClient: proxyClient,
	})
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), resp)
}

type batchFile struct {
	Requests []struct {
		Name        string            `yaml:"name"`
		Environment string            `yaml:"environment"`
		Query       string            `yaml:"query"`
		QueryFile   string            `yaml:"query_file"`
		Variables   map[string]any    `yaml:"variables"`
		Headers     map[string]string `yaml:"headers"`
		ProxyClient string            `yaml:"proxy_client"`
	} `yaml:"requests"`
}

type batchOutput struct {
	Name        string            `json:"name"`
	Environment string            `json:"environment,omitempty"`
	Elapsed     string            `json:"elapsed"`
	Error       string            `json:"error,omitempty"`
	Response    *graphql.Response `json:"response,omitempty"`
}

func runRunAll(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0]) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("reading batch file: %w", err)
	}

	var bf batchFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return fmt.Errorf("decoding batch file: %w", err)
	}

	reqs := make([]console.Named, 0, len(bf.Requests))

	for i, r := range bf.Requests {
		q := r.Query
		if r.QueryFile != "" {
			b, err := os.ReadFile(r.QueryFile) // #nosec G304 -- operator-supplied path
			if err != nil {
				return fmt.Errorf("request %d: reading query file: %w", i+1, err)
			}

			q = string(b)
		}

		name := r.Name
		if name == "" {
			name = fmt.Sprintf("request-%d", i+1)
		}

		reqs = append(reqs, console.Named{
			Name: name,
			Request: console.Request{
				Environment: r.Environment,
				Query:       q,
				Variables:   r.Variables,
				Headers:     r.Headers,
				ProxyClient: r.ProxyClient,
			},
		})
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	results := a.Console.RunAll(cmd.Context(), reqs)

	out := make([]batchOutput, 0, len(results))
	for _, r := range results {
		o := batchOutput{
			Name:        r.Name,
			Environment: r.Request.Environment,
			Elapsed:     r.Elapsed.String(),
			Response:    r.Response,
		}
		if r.Err != nil {
			o.Error = r.Err.Error()
		}

		out = append(out, o)
	}

	return printJSON(cmd.OutOrStdout(), out)
}

func runCompare(cmd *cobra.Command, args []string) error {
	doc, err := readDocument(cmd)
	if err != nil {
		return err
	}

	vars, err := readVariables(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	cmp, err := a.Console.Compare(cmd.Context(), args[0], args[1], doc, vars)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), cmp)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: HTTP %d, %d error(s)\n", cmp.EnvironmentA, cmp.A.Status, len(cmp.A.Errors))
	fmt.Fprintf(w, "%s: HTTP %d, %d error(s)\n", cmp.EnvironmentB, cmp.B.Status, len(cmp.B.Errors))

	if cmp.Equal {
		fmt.Fprintln(w, "data is identical")
		return nil
	}

	fmt.Fprintf(w, "--- %s\n+++ %s\n%s", cmp.EnvironmentA, cmp.EnvironmentB, cmp.Diff)

	return nil
}
