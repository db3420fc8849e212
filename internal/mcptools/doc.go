// Package mcptools defines the tool-catalog collaborator: discovery and
// invocation of tools hosted on remote servers. Everything here is
// best-effort; the pipeline treats tool use as optional.
package mcptools
