package generation

import "context"

// Message is a single chat turn sent to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSchema describes one invokable tool in the form the backend expects:
// a name, a human description, and a JSON-schema parameter object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is the backend's answer to a generation call.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Generator is the boundary to the remote text-generation backend. It
// keeps the application core independent of any specific LLM service.
type Generator interface {
	// Probe verifies the backend is reachable and able to serve requests.
	Probe(ctx context.Context) error

	// Generate sends the conversation and tool schemas to the backend and
	// returns its content and any requested tool calls.
	Generate(ctx context.Context, messages []Message, tools []ToolSchema) (*Response, error)
}

// StreamGenerator is implemented by backends that can report token-level
// progress. onToken is called with the cumulative token count as chunks
// arrive. Callers discover the capability with a type assertion and fall
// back to Generate when it is absent.
type StreamGenerator interface {
	Generator

	GenerateStream(
		ctx context.Context,
		messages []Message,
		tools []ToolSchema,
		onToken func(tokensSoFar int),
	) (*Response, error)
}
