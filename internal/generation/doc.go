// Package generation defines the interface to the remote text-generation
// backend and its error taxonomy. Concrete clients live under
// internal/platform.
package generation
