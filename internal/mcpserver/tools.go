// Package mcpserver registers MCP tools that expose console operations.
// It adapts the console package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/console"
	"github.com/alexjbarnes/gqlconsole/internal/querybuilder"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all console tools to the given MCP server.
func RegisterTools(server *mcp.Server, c *console.Console) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "graphql_environments",
		Description: "List configured environments, the saved selection and the saved proxy-client identity. Use this first to learn which environment keys exist.",
	}, environmentsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "graphql_query",
		Description: "Execute a GraphQL operation against an environment through the proxy. HTTP and GraphQL errors are returned in the errors array, never as a tool failure.",
	}, queryHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "graphql_root_fields",
		Description: "List the root query fields of an environment's schema with their argument and return types.",
	}, rootFieldsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "graphql_build_query",
		Description: "Generate a complete query for one root field from the schema, with every argument bound to a variable and a variables template.",
	}, buildQueryHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "graphql_compare",
		Description: "Run the same operation against two environments and return a line diff of the data.",
	}, compareHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "token_status",
		Description: "Show, per environment, whether a token is cached and when it expires. Token values are never returned.",
	}, tokenStatusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "token_invalidate",
		Description: "Drop the cached token of one environment so the next query acquires a fresh one.",
	}, tokenInvalidateHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EnvironmentsInput has no parameters.
type EnvironmentsInput struct{}

// QueryInput holds parameters for graphql_query.
type QueryInput struct {
	Environment string            `json:"environment,omitempty" jsonschema:"environment key, defaults to the saved selection"`
	Query       string            `json:"query" jsonschema:"required,GraphQL document"`
	Variables   map[string]any    `json:"variables,omitempty" jsonschema:"operation variables"`
	Headers     map[string]string `json:"headers,omitempty" jsonschema:"extra request headers"`
	ProxyClient string            `json:"proxy_client,omitempty" jsonschema:"proxy-client identity for this call only"`
}

// EnvironmentInput names one environment.
type EnvironmentInput struct {
	Environment string `json:"environment,omitempty" jsonschema:"environment key, defaults to the saved selection"`
}

// BuildQueryInput holds parameters for graphql_build_query.
type BuildQueryInput struct {
	Environment string `json:"environment,omitempty" jsonschema:"environment key, defaults to the saved selection"`
	Field       string `json:"field" jsonschema:"required,root query field name"`
	MaxDepth    int    `json:"max_depth,omitempty" jsonschema:"maximum object nesting, 0 means unlimited"`
}

// CompareInput holds parameters for graphql_compare.
type CompareInput struct {
	EnvironmentA string         `json:"environment_a" jsonschema:"required,first environment key"`
	EnvironmentB string         `json:"environment_b" jsonschema:"required,second environment key"`
	Query        string         `json:"query" jsonschema:"required,GraphQL document"`
	Variables    map[string]any `json:"variables,omitempty" jsonschema:"operation variables"`
}

// TokenStatusInput has no parameters.
type TokenStatusInput struct{}

// --- Output types ---

// EnvironmentsResult is the output of graphql_environments.
type EnvironmentsResult struct {
	Environments []string `json:"environments"`
	Selected     string   `json:"selected,omitempty"`
	ProxyClient  string   `json:"proxy_client,omitempty"`
}

// QueryResult is the output of graphql_query.
type QueryResult struct {
	Environment string `json:"environment"`
	Status      int    `json:"status"`
	OK          bool   `json:"ok"`
	Data        any    `json:"data"`
	Errors      []any  `json:"errors,omitempty"`
}

// ArgumentInfo describes one field argument.
type ArgumentInfo struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	DefaultValue string `json:"default_value,omitempty"`
}

// FieldInfo describes one root field.
type FieldInfo struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Arguments   []ArgumentInfo `json:"arguments,omitempty"`
	Deprecated  bool           `json:"deprecated,omitempty"`
}

// RootFieldsResult is the output of graphql_root_fields.
type RootFieldsResult struct {
	Environment string      `json:"environment"`
	Fields      []FieldInfo `json:"fields"`
}

// CompareResult is the output of graphql_compare.
type CompareResult struct {
	EnvironmentA string `json:"environment_a"`
	EnvironmentB string `json:"environment_b"`
	StatusA      int    `json:"status_a"`
	StatusB      int    `json:"status_b"`
	ErrorsA      int    `json:"errors_a"`
	ErrorsB      int    `json:"errors_b"`
	Equal        bool   `json:"equal"`
	Diff         string `json:"diff,omitempty"`
}

// TokenInfo describes the cached token of one environment.
type TokenInfo struct {
	Environment string `json:"environment"`
	ClientID    string `json:"client_id"`
	Cached      bool   `json:"cached"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	ExpiresIn   string `json:"expires_in,omitempty"`
}

// TokenStatusResult is the output of token_status.
type TokenStatusResult struct {
	Tokens []TokenInfo `json:"tokens"`
}

// InvalidateResult is the output of token_invalidate.
type InvalidateResult struct {
	Environment string `json:"environment"`
	Invalidated bool   `json:"invalidated"`
}

// --- Handlers ---

func environmentsHandler(c *console.Console) mcp.ToolHandlerFor[EnvironmentsInput, *EnvironmentsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EnvironmentsInput) (*mcp.CallToolResult, *EnvironmentsResult, error) {
		result := &EnvironmentsResult{
			Environments: c.Environments(),
			Selected:     c.SelectedEnvironment(),
			ProxyClient:  c.ProxyClient(),
		}
		return textResult(result), result, nil
	}
}

func queryHandler(c *console.Console) mcp.ToolHandlerFor[QueryInput, *QueryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input QueryInput) (*mcp.CallToolResult, *QueryResult, error) {
		envKey, err := c.ResolveEnvironment(input.Environment)
		if err != nil {
			return nil, nil, err
		}

		resp, err := c.Execute(ctx, console.Request{
			Environment: envKey,
			Query:       input.Query,
			Variables:   input.Variables,
			Headers:     input.Headers,
			ProxyClient: input.ProxyClient,
		})
		if err != nil {
			return nil, nil, err
		}

		result := &QueryResult{
			Environment: envKey,
			Status:      resp.Status,
			OK:          resp.OK(),
		}

		for _, e := range resp.Errors {
			var v any
			if err := json.Unmarshal(e.Raw(), &v); err != nil {
				return nil, nil, fmt.Errorf("decoding errors: %w", err)
			}

			result.Errors = append(result.Errors, v)
		}

		if !resp.DataIsNull() {
			if err := json.Unmarshal(resp.Data, &result.Data); err != nil {
				return nil, nil, fmt.Errorf("decoding data: %w", err)
			}
		}

		return textResult(result), result, nil
	}
}

func rootFieldsHandler(c *console.Console) mcp.ToolHandlerFor[EnvironmentInput, *RootFieldsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EnvironmentInput) (*mcp.CallToolResult, *RootFieldsResult, error) {
		envKey, err := c.ResolveEnvironment(input.Environment)
		if err != nil {
			return nil, nil, err
		}

		fields, err := c.RootFields(ctx, envKey)
		if err != nil {
			return nil, nil, err
		}

		result := &RootFieldsResult{Environment: envKey, Fields: make([]FieldInfo, 0, len(fields))}
		for _, f := range fields {
			result.Fields = append(result.Fields, fieldInfo(f))
		}

		return textResult(result), result, nil
	}
}

func buildQueryHandler(c *console.Console) mcp.ToolHandlerFor[BuildQueryInput, *console.BuiltQuery] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input BuildQueryInput) (*mcp.CallToolResult, *console.BuiltQuery, error) {
		result, err := c.BuildQuery(ctx, input.Environment, input.Field, input.MaxDepth)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

func compareHandler(c *console.Console) mcp.ToolHandlerFor[CompareInput, *CompareResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CompareInput) (*mcp.CallToolResult, *CompareResult, error) {
		cmp, err := c.Compare(ctx, input.EnvironmentA, input.EnvironmentB, input.Query, input.Variables)
		if err != nil {
			return nil, nil, err
		}

		result := &CompareResult{
			EnvironmentA: cmp.EnvironmentA,
			EnvironmentB: cmp.EnvironmentB,
			StatusA:      cmp.A.Status,
			StatusB:      cmp.B.Status,
			ErrorsA:      len(cmp.A.Errors),
			ErrorsB:      len(cmp.B.Errors),
			Equal:        cmp.Equal,
			Diff:         cmp.Diff,
		}
		return textResult(result), result, nil
	}
}

func tokenStatusHandler(c *console.Console) mcp.ToolHandlerFor[TokenStatusInput, *TokenStatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ TokenStatusInput) (*mcp.CallToolResult, *TokenStatusResult, error) {
		status := c.TokenStatus(ctx)

		result := &TokenStatusResult{Tokens: make([]TokenInfo, 0, len(status))}
		for _, st := range status {
			info := TokenInfo{Environment: st.Environment, ClientID: st.ClientID, Cached: st.Cached}
			if st.Cached {
				info.ExpiresAt = st.ExpiresAt.UTC().Format(time.RFC3339)
				info.ExpiresIn = st.ExpiresIn
			}

			result.Tokens = append(result.Tokens, info)
		}

		return textResult(result), result, nil
	}
}

func tokenInvalidateHandler(c *console.Console) mcp.ToolHandlerFor[EnvironmentInput, *InvalidateResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EnvironmentInput) (*mcp.CallToolResult, *InvalidateResult, error) {
		envKey, err := c.ResolveEnvironment(input.Environment)
		if err != nil {
			return nil, nil, err
		}

		if err := c.InvalidateToken(ctx, envKey); err != nil {
			return nil, nil, err
		}

		result := &InvalidateResult{Environment: envKey, Invalidated: true}
		return textResult(result), result, nil
	}
}

func fieldInfo(f querybuilder.Field) FieldInfo {
	info := FieldInfo{
		Name:        f.Name,
		Type:        querybuilder.TypeString(&f.Type),
		Description: f.Description,
		Deprecated:  f.IsDeprecated,
	}

	for _, a := range f.Args {
		arg := ArgumentInfo{Name: a.Name, Type: querybuilder.TypeString(&a.Type)}
		if a.DefaultValue != nil {
			arg.DefaultValue = *a.DefaultValue
		}

		info.Arguments = append(info.Arguments, arg)
	}

	return info
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
