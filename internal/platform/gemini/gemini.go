// Package gemini implements the generation backend using Google's Gemini
// API. It does not support token streaming; the pipeline falls back to
// the non-streaming progress jump.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/promptlab/promptq/internal/generation"
)

// Client implements generation.Generator against the Gemini API.
type Client struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// New creates a Gemini-backed generator.
func New(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v",
			generation.ErrInvalidConfig, err)
	}

	return &Client{
		client: client,
		model:  model,
		logger: logger.With("component", "gemini"),
	}, nil
}

// Probe verifies the configured model is reachable.
func (c *Client) Probe(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, c.model, nil); err != nil {
		return fmt.Errorf("%w: %v", generation.ErrBackendUnavailable, err)
	}
	return nil
}

// Generate sends the conversation and tool schemas to Gemini.
func (c *Client) Generate(
	ctx context.Context,
	messages []generation.Message,
	tools []generation.ToolSchema,
) (*generation.Response, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.1),
		TopP:            genai.Ptr[float32](0.9),
		MaxOutputTokens: 2048,
	}

	var userParts []string
	for _, m := range messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		default:
			userParts = append(userParts, m.Content)
		}
	}

	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decl := &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
			}
			if schema, err := toSchema(t.Parameters); err == nil {
				decl.Parameters = schema
			} else {
				c.logger.Warn("skipping unconvertible tool schema", "tool", t.Name, "error", err)
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model,
		genai.Text(strings.Join(userParts, "\n\n")), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrBackendUnavailable, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}

	out := &generation.Response{Content: resp.Text()}
	for _, fc := range resp.FunctionCalls() {
		out.ToolCalls = append(out.ToolCalls, generation.ToolCall{
			Name:      fc.Name,
			Arguments: fc.Args,
		})
	}
	return out, nil
}

// toSchema converts a JSON-schema map into the genai schema type via a
// JSON round-trip.
func toSchema(params map[string]any) (*genai.Schema, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var schema genai.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

var _ generation.Generator = (*Client)(nil)
