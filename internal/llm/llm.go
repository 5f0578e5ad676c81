package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the provider produced no text.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// Client defines the interface for LLM providers.
type Client interface {
	// StreamResponse answers question, calling onFragment for every text
	// fragment in the order the provider produced it. An error returned by
	// onFragment stops the stream and is returned.
	StreamResponse(ctx context.Context, question string, onFragment func(string) error) error

	// Generate answers question in a single call.
	Generate(ctx context.Context, question string) (string, error)
}
