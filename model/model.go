// Package model defines the completion client seam the AI agents call
// through. Provider adapters live in model/anthropic and model/openai; the
// engine never imports a vendor SDK directly.
package model

import "context"

type (
	// Request is a single completion request.
	Request struct {
		// System is the optional system prompt.
		System string
		// Prompt is the rendered user prompt.
		Prompt string
		// Model optionally overrides the provider's default model.
		Model string
		// MaxTokens caps the completion length. Zero uses the provider default.
		MaxTokens int
		// Temperature controls sampling when non-zero.
		Temperature float64
	}

	// Response is the provider's completion.
	Response struct {
		// Text is the concatenated text content of the completion.
		Text string
	}

	// Client issues completions. Implementations must be safe for concurrent
	// use and must honor context cancellation.
	Client interface {
		Complete(ctx context.Context, req *Request) (*Response, error)
	}
)
