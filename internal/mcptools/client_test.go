package mcptools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newToolServer serves a fixed tool list and echoes invocations.
func newToolServer(t *testing.T, tools []Tool, invoke http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(tools))
	})
	if invoke != nil {
		mux.HandleFunc("POST /tools/", invoke)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverAllServers(t *testing.T) {
	scanner := newToolServer(t, []Tool{
		{Name: "port_scan", Description: "scan ports"},
		{Name: "ping", Description: "ping a host"},
	}, nil)
	dns := newToolServer(t, []Tool{
		{Name: "dns_lookup", Description: "resolve names"},
	}, nil)

	c := NewHTTPClient([]ServerConfig{
		{Name: "scanner", URL: scanner.URL, Description: "network scanner"},
		{Name: "dns", URL: dns.URL, Description: "dns tools"},
	}, testLogger())

	got, err := c.Discover(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got["scanner"], 2)
	assert.Len(t, got["dns"], 1)
	assert.Equal(t, "dns_lookup", got["dns"][0].Name)
}

func TestDiscoverSingleServer(t *testing.T) {
	scanner := newToolServer(t, []Tool{{Name: "port_scan"}}, nil)

	c := NewHTTPClient([]ServerConfig{
		{Name: "scanner", URL: scanner.URL},
	}, testLogger())

	got, err := c.Discover(context.Background(), "scanner")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got["scanner"], 1)
}

func TestDiscoverUnknownServer(t *testing.T) {
	c := NewHTTPClient(nil, testLogger())

	_, err := c.Discover(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestDiscoverUnreachableServerDegradesToEmpty(t *testing.T) {
	scanner := newToolServer(t, []Tool{{Name: "port_scan"}}, nil)

	c := NewHTTPClient([]ServerConfig{
		{Name: "scanner", URL: scanner.URL},
		{Name: "down", URL: "http://127.0.0.1:1"},
	}, testLogger())

	got, err := c.Discover(context.Background(), "")
	require.NoError(t, err, "an unreachable server must not fail discovery")
	assert.Len(t, got["scanner"], 1)
	assert.Empty(t, got["down"])
}

func TestInvokeReturnsContent(t *testing.T) {
	var gotArgs map[string]any
	srv := newToolServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotArgs))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "22/tcp open"})
	})

	c := NewHTTPClient([]ServerConfig{{Name: "scanner", URL: srv.URL}}, testLogger())

	result, err := c.Invoke(context.Background(), "scanner", "port_scan",
		map[string]any{"target": "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "22/tcp open", result)
	assert.Equal(t, map[string]any{"target": "10.0.0.1"}, gotArgs)
}

func TestInvokeEmptyContentFallback(t *testing.T) {
	srv := newToolServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"content": ""})
	})

	c := NewHTTPClient([]ServerConfig{{Name: "srv", URL: srv.URL}}, testLogger())

	result, err := c.Invoke(context.Background(), "srv", "noop", nil)
	require.NoError(t, err)
	assert.Equal(t, "Tool executed successfully (no content returned)", result)
}

func TestInvokeServerError(t *testing.T) {
	srv := newToolServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "tool crashed"})
	})

	c := NewHTTPClient([]ServerConfig{{Name: "srv", URL: srv.URL}}, testLogger())

	_, err := c.Invoke(context.Background(), "srv", "bad_tool", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool crashed")
}

func TestInvokeUnknownServer(t *testing.T) {
	c := NewHTTPClient(nil, testLogger())

	_, err := c.Invoke(context.Background(), "ghost", "tool", nil)
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestServers(t *testing.T) {
	c := NewHTTPClient([]ServerConfig{
		{Name: "scanner", URL: "http://scanner", Description: "network scanner"},
		{Name: "dns", URL: "http://dns", Description: "dns tools"},
	}, testLogger())

	got, err := c.Servers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"scanner": "network scanner",
		"dns":     "dns tools",
	}, got)
}
