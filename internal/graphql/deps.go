package graphql

import (
	"context"
	"time"

	"github.com/alexjbarnes/gqlconsole/internal/environments"
)

//go:generate mockgen -source=deps.go -destination=mock_deps_test.go -package=graphql

// TokenSource supplies bearer tokens. *auth.Acquirer satisfies it.
type TokenSource interface {
	Token(ctx context.Context, cfg environments.EnvironmentConfig, envKey string) (string, error)
}

// Preferences exposes the operator's saved proxy-client identity.
// *state.State satisfies it.
type Preferences interface {
	ProxyClient() string
}

// Recorder receives one observation per Execute call.
type Recorder interface {
	GraphQLRequest(envKey, outcome string, elapsed time.Duration)
}
