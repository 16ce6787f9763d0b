package agentrt

import (
	"context"
)

// ModelOptions mirrors the per-request knobs a provider client accepts.
type ModelOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// ModelResponse is what a model client returns on success.
type ModelResponse struct {
	Content string
	Model   string
}

// ModelClient is the thin seam between the agent runtime and a concrete
// model provider; production wiring plugs in a real provider client,
// tests use MockClient.
type ModelClient interface {
	Generate(ctx context.Context, prompt string, opts *ModelOptions) (*ModelResponse, error)
}

// MockClient is a scriptable ModelClient for tests: it returns Errors[i]
// (if non-nil) or Responses[i] for the i-th call to this client, counted
// across all agents that share it. Past the end of Errors no error is
// returned; past the end of Responses the last entry is repeated.
type MockClient struct {
	Responses []string
	Errors    []error
	CallCount int
	LastPrompt string
}

// NewMockClient builds a client that always succeeds with "mock response"
// unless Responses/Errors are set by the caller afterward.
func NewMockClient() *MockClient {
	return &MockClient{Responses: []string{"mock response"}}
}

// Generate returns the scripted response or error for this call index.
func (c *MockClient) Generate(ctx context.Context, prompt string, opts *ModelOptions) (*ModelResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	idx := c.CallCount
	c.CallCount++
	c.LastPrompt = prompt

	if idx < len(c.Errors) && c.Errors[idx] != nil {
		return nil, c.Errors[idx]
	}

	content := "mock response"
	if len(c.Responses) > 0 {
		if idx < len(c.Responses) {
			content = c.Responses[idx]
		} else {
			content = c.Responses[len(c.Responses)-1]
		}
	}
	model := ""
	if opts != nil {
		model = opts.Model
	}
	return &ModelResponse{Content: content, Model: model}, nil
}

