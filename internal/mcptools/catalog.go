package mcptools

import (
	"context"
	"errors"
)

// ErrUnknownServer is returned when an invoke names a server that is not
// registered with the catalog.
var ErrUnknownServer = errors.New("unknown tool server")

// Tool describes one invokable tool as reported by its owning server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Catalog is the boundary to the remote tool servers. Both calls are
// best-effort: discovery failures degrade to empty tool sets and a failed
// invocation is recorded per call, never escalated.
type Catalog interface {
	// Discover lists the tools offered by the named server, or by every
	// registered server when server is empty. Servers that cannot be
	// reached contribute an empty list.
	Discover(ctx context.Context, server string) (map[string][]Tool, error)

	// Invoke executes a tool on its owning server and returns the textual
	// result.
	Invoke(ctx context.Context, server, tool string, args map[string]any) (string, error)

	// Servers returns the registered server names and their descriptions.
	Servers(ctx context.Context) (map[string]string, error)
}
