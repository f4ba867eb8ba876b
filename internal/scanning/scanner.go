package scanning

import "context"

// Backend is a language model reachable over a request/response protocol
type Backend interface {
	// Generate sends a prompt and returns the raw model answer
	Generate(ctx context.Context, prompt string) (string, error)
	// ListModels is a lightweight connectivity probe
	ListModels(ctx context.Context) ([]string, error)
	// Close releases backend resources
	Close() error
}
