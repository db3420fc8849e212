// Package ollama implements the generation backend against a local or
// remote Ollama server. It supports the health probe, tool-aware chat,
// and token-level streaming.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/promptlab/promptq/internal/generation"
)

// Default generation options, matching how the analysis prompt is tuned:
// low temperature, bounded output.
const (
	defaultTemperature = 0.1
	defaultTopP        = 0.9
	defaultNumPredict  = 2048
)

// Client talks to the Ollama HTTP API. It implements
// generation.StreamGenerator.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an Ollama client.
func New(baseURL, model string, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: ollama URL cannot be empty", generation.ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}
	return &Client{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger.With("component", "ollama"),
	}, nil
}

// Probe checks that the server responds and has at least one model
// loaded.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", generation.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned HTTP %d",
			generation.ErrBackendUnavailable, resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("%w: %v", generation.ErrInvalidResponse, err)
	}
	if len(tags.Models) == 0 {
		return fmt.Errorf("%w: no models loaded", generation.ErrBackendUnavailable)
	}

	c.logger.Debug("ollama health check passed", "models", len(tags.Models))
	return nil
}

// Generate performs a non-streaming chat call.
func (c *Client) Generate(
	ctx context.Context,
	messages []generation.Message,
	tools []generation.ToolSchema,
) (*generation.Response, error) {
	body, err := c.chatRequest(messages, tools, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var chunk chatChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrInvalidResponse, err)
	}
	return &generation.Response{
		Content:   chunk.Message.Content,
		ToolCalls: chunk.Message.toolCalls(),
	}, nil
}

// GenerateStream performs a streaming chat call, reporting the cumulative
// chunk count through onToken as content arrives.
func (c *Client) GenerateStream(
	ctx context.Context,
	messages []generation.Message,
	tools []generation.ToolSchema,
	onToken func(tokensSoFar int),
) (*generation.Response, error) {
	body, err := c.chatRequest(messages, tools, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var (
		content   bytes.Buffer
		toolCalls []generation.ToolCall
		tokens    int
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("%w: %v", generation.ErrInvalidResponse, err)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			tokens++
			if onToken != nil {
				onToken(tokens)
			}
		}
		toolCalls = append(toolCalls, chunk.Message.toolCalls()...)

		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrBackendUnavailable, err)
	}

	return &generation.Response{Content: content.String(), ToolCalls: toolCalls}, nil
}

func (c *Client) chatRequest(
	messages []generation.Message,
	tools []generation.ToolSchema,
	stream bool,
) ([]byte, error) {
	type toolDef struct {
		Type     string `json:"type"`
		Function struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters,omitempty"`
		} `json:"function"`
	}

	defs := make([]toolDef, 0, len(tools))
	for _, t := range tools {
		var d toolDef
		d.Type = "function"
		d.Function.Name = t.Name
		d.Function.Description = t.Description
		d.Function.Parameters = t.Parameters
		defs = append(defs, d)
	}

	payload := map[string]any{
		"model":    c.model,
		"messages": messages,
		"stream":   stream,
		"options": map[string]any{
			"temperature": defaultTemperature,
			"top_p":       defaultTopP,
			"num_predict": defaultNumPredict,
		},
	}
	if len(defs) > 0 {
		payload["tools"] = defs
	}
	return json.Marshal(payload)
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrBackendUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: chat returned HTTP %d",
			generation.ErrBackendUnavailable, resp.StatusCode)
	}
	return resp, nil
}

// chatChunk is one Ollama chat response object: the whole reply when
// stream=false, or one NDJSON line when streaming.
type chatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

type chatMessage struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		Function struct {
			Name      string       `json:"name"`
			Arguments toolCallArgs `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

func (m chatMessage) toolCalls() []generation.ToolCall {
	if len(m.ToolCalls) == 0 {
		return nil
	}
	calls := make([]generation.ToolCall, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		calls = append(calls, generation.ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return calls
}

// toolCallArgs tolerates both forms Ollama emits: a JSON object or a
// string containing JSON. Undecodable arguments degrade to an empty map
// so the call is still recorded.
type toolCallArgs map[string]any

func (a *toolCallArgs) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		*a = obj
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*a = map[string]any{}
		return nil
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		*a = map[string]any{}
		return nil
	}
	*a = obj
	return nil
}

var _ generation.StreamGenerator = (*Client)(nil)
