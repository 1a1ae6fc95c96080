// Package llm provides the generative-language backend used by the
// gateway. A Backend performs exactly one request with one credential;
// choosing credentials and retrying is the caller's business.
package llm

import "context"

// Backend sends a single generation request using the given credential.
type Backend interface {
	Generate(ctx context.Context, credential string, req Request) (*Response, error)
}

// Role identifies who authored a Message in the request payload.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one turn of the request payload.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is a provider-neutral generation request.
type Request struct {
	Model       string
	Temperature float32
	Messages    []Message
}

// Response is the result of a successful request. Text holds the first
// candidate's text and is empty when the backend produced no candidate.
type Response struct {
	Model        string
	Text         string
	InputTokens  int
	OutputTokens int
}
