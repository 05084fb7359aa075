// Package model is the boundary between the tool loop and the language
// model provider. The orchestrator speaks these domain types; the genkit
// adapter translates them to provider calls.
package model

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kompose-ai/kompose/internal/chat"
)

// ToolSpec declares a tool to the model: name, natural-language purpose
// and the JSON schema of its input.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Request is one model call within a turn: the canonical message context
// plus the tools the model may request.
type Request struct {
	Messages []*chat.Message
	Tools    []ToolSpec
}

// Delta is a streamed fragment of model output. Reasoning deltas carry the
// model's thinking; they are relayed but excluded from the text content.
type Delta struct {
	Reasoning bool
	Text      string
}

// ToolRequest is the model asking for a tool execution. Ref is the
// provider-assigned call id that ties the eventual result back to this
// request.
type ToolRequest struct {
	Ref   string
	Name  string
	Input json.RawMessage
}

// Response is the completed output of one model call. A response with
// tool requests continues the loop; one without ends the turn.
type Response struct {
	Text         string
	ToolRequests []ToolRequest
}

// Client generates one model step. Implementations must invoke onDelta
// sequentially and stop generating when it returns an error. Provider
// failures are reported wrapped in chat.ErrProvider.
type Client interface {
	Generate(ctx context.Context, req *Request, onDelta func(Delta) error) (*Response, error)
}
