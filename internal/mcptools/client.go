package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ServerConfig registers one remote tool server with the HTTP client.
type ServerConfig struct {
	Name        string
	URL         string
	Description string
}

// HTTPClient talks to remote tool servers over their HTTP interface:
// GET {base}/tools to enumerate, POST {base}/tools/{name} to invoke.
type HTTPClient struct {
	servers    map[string]ServerConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a catalog client for the given servers.
func NewHTTPClient(servers []ServerConfig, logger *slog.Logger) *HTTPClient {
	byName := make(map[string]ServerConfig, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}
	return &HTTPClient{
		servers:    byName,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "tool_catalog"),
	}
}

// Discover lists tools per server. Unreachable servers contribute an empty
// list rather than an error; the caller decides whether that matters.
func (c *HTTPClient) Discover(ctx context.Context, server string) (map[string][]Tool, error) {
	names := make([]string, 0, len(c.servers))
	if server != "" {
		if _, ok := c.servers[server]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
		}
		names = append(names, server)
	} else {
		for name := range c.servers {
			names = append(names, name)
		}
	}

	result := make(map[string][]Tool, len(names))
	for _, name := range names {
		tools, err := c.listTools(ctx, c.servers[name])
		if err != nil {
			c.logger.Debug("tool discovery failed", "server", name, "error", err)
			result[name] = []Tool{}
			continue
		}
		result[name] = tools
	}
	return result, nil
}

// Invoke executes a tool and returns the server's textual result.
func (c *HTTPClient) Invoke(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	cfg, ok := c.servers[server]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	body, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments for %s.%s: %w", server, tool, err)
	}

	endpoint := fmt.Sprintf("%s/tools/%s", cfg.URL, url.PathEscape(tool))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoke %s.%s: %w", server, tool, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var payload struct {
		Content string `json:"content"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode result from %s.%s: %w", server, tool, err)
	}
	if resp.StatusCode != http.StatusOK || payload.Error != "" {
		return "", fmt.Errorf("invoke %s.%s: %s", server, tool, payload.Error)
	}
	if payload.Content == "" {
		return "Tool executed successfully (no content returned)", nil
	}
	return payload.Content, nil
}

// Servers returns the registered server names and descriptions.
func (c *HTTPClient) Servers(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(c.servers))
	for name, cfg := range c.servers {
		out[name] = cfg.Description
	}
	return out, nil
}

func (c *HTTPClient) listTools(ctx context.Context, cfg ServerConfig) ([]Tool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL+"/tools", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tools: HTTP %d", resp.StatusCode)
	}

	var tools []Tool
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return tools, nil
}
