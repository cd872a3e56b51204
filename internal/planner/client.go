// File: internal/planner/client.go
package planner

import "context"

// GenerationOptions holds parameters for controlling LLM generation.
type GenerationOptions struct {
	// Temperature controls the creativity of the response. Lower is more
	// deterministic, which is what action planning wants.
	Temperature float32
	// MaxTokens sets the maximum length of the generated response.
	MaxTokens int
	// ForceJSONFormat asks the provider to enforce JSON output mode.
	ForceJSONFormat bool
}

// GenerationRequest encapsulates all inputs for a single LLM API call.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Options      GenerationOptions
}

// LLMClient abstracts the reasoning-service provider away from the planning
// logic so the state machine can be tested against a deterministic fake.
type LLMClient interface {
	// GenerateResponse sends a structured request and returns the text
	// content. Implementations enforce their own API timeout and retry
	// policy; a returned error means the exchange is unusable.
	GenerateResponse(ctx context.Context, req GenerationRequest) (string, error)
}
