package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
)

// GenkitClient implements Client on top of a genkit instance. Tools are
// registered with genkit at construction so the provider sees their
// schemas, but generation always uses WithReturnToolRequests: the tool
// loop executes tools itself, never genkit.
type GenkitClient struct {
	g         *genkit.Genkit
	modelName string
	toolRefs  []ai.ToolRef
	logger    log.Logger
}

// NewGenkitClient registers the tool specs with genkit and returns a
// client bound to the named model.
func NewGenkitClient(g *genkit.Genkit, modelName string, specs []ToolSpec, logger log.Logger) *GenkitClient {
	refs := make([]ai.ToolRef, 0, len(specs))
	for _, spec := range specs {
		tool := genkit.DefineToolWithInputSchema(g, spec.Name, spec.Description, schemaToMap(spec.InputSchema),
			func(_ *ai.ToolContext, _ any) (any, error) {
				// Unreachable: generation returns tool requests instead of
				// executing them.
				return nil, fmt.Errorf("tool %s must be executed by the tool loop", spec.Name)
			})
		refs = append(refs, tool)
	}
	return &GenkitClient{g: g, modelName: modelName, toolRefs: refs, logger: logger}
}

// schemaToMap converts a JSON schema to the map form genkit's
// DefineToolWithInputSchema expects.
func schemaToMap(s *jsonschema.Schema) map[string]any {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// Generate runs one model step, streaming deltas through onDelta.
func (c *GenkitClient) Generate(ctx context.Context, req *Request, onDelta func(Delta) error) (*Response, error) {
	messages, err := toProviderMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrValidation, err)
	}

	opts := []ai.GenerateOption{
		ai.WithMessages(messages...),
		ai.WithTools(c.toolRefs...),
		ai.WithReturnToolRequests(true),
	}
	if c.modelName != "" {
		opts = append(opts, ai.WithModelName(c.modelName))
	}
	if onDelta != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			return streamChunk(chunk, onDelta)
		}))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", chat.ErrProvider, err)
	}

	out := &Response{Text: resp.Text()}
	for _, tr := range resp.ToolRequests() {
		input, err := json.Marshal(tr.Input)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal tool input for %s: %v", chat.ErrProvider, tr.Name, err)
		}
		out.ToolRequests = append(out.ToolRequests, ToolRequest{
			Ref:   tr.Ref,
			Name:  tr.Name,
			Input: input,
		})
	}

	c.logger.Debug("model step completed",
		"model", c.modelName,
		"text_len", len(out.Text),
		"tool_requests", len(out.ToolRequests))
	return out, nil
}

func streamChunk(chunk *ai.ModelResponseChunk, onDelta func(Delta) error) error {
	for _, p := range chunk.Content {
		switch p.Kind {
		case ai.PartText:
			if p.Text == "" {
				continue
			}
			if err := onDelta(Delta{Text: p.Text}); err != nil {
				return err
			}
		case ai.PartReasoning:
			if p.Text == "" {
				continue
			}
			if err := onDelta(Delta{Reasoning: true, Text: p.Text}); err != nil {
				return err
			}
		default:
			// Tool request parts surface on the final response.
		}
	}
	return nil
}

// toProviderMessages converts stored history to the provider's message
// shape. Completed tool invocations expand to a request part on the model
// message plus a tool-role response message, so the model sees its own
// prior calls and their results.
func toProviderMessages(msgs []*chat.Message) ([]*ai.Message, error) {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, ai.NewSystemTextMessage(m.Content()))

		case chat.RoleUser:
			parts := make([]*ai.Part, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case chat.PartText:
					parts = append(parts, ai.NewTextPart(p.Text))
				case chat.PartFile:
					parts = append(parts, ai.NewMediaPart(p.File.MediaType, p.File.URL))
				default:
					return nil, fmt.Errorf("user message carries %s part", p.Type)
				}
			}
			out = append(out, ai.NewUserMessage(parts...))

		case chat.RoleAssistant:
			var modelParts []*ai.Part
			var toolParts []*ai.Part
			for _, p := range m.Parts {
				switch p.Type {
				case chat.PartText:
					modelParts = append(modelParts, ai.NewTextPart(p.Text))
				case chat.PartReasoning:
					// Prior reasoning is not replayed to the provider.
				case chat.PartToolInvocation:
					request, response, err := invocationParts(p.Invocation)
					if err != nil {
						return nil, err
					}
					modelParts = append(modelParts, request)
					if response != nil {
						toolParts = append(toolParts, response)
					}
				default:
					return nil, fmt.Errorf("assistant message carries %s part", p.Type)
				}
			}
			if len(modelParts) > 0 {
				out = append(out, ai.NewModelMessage(modelParts...))
			}
			if len(toolParts) > 0 {
				out = append(out, ai.NewMessage(ai.RoleTool, nil, toolParts...))
			}
		}
	}
	return out, nil
}

func invocationParts(inv *chat.ToolInvocation) (*ai.Part, *ai.Part, error) {
	var input any
	if len(inv.Input) > 0 {
		if err := json.Unmarshal(inv.Input, &input); err != nil {
			return nil, nil, fmt.Errorf("tool %s input: %w", inv.ToolCallID, err)
		}
	}
	request := ai.NewToolRequestPart(&ai.ToolRequest{
		Ref:   inv.ToolCallID,
		Name:  inv.ToolName,
		Input: input,
	})

	var output any
	switch inv.State {
	case chat.StateOutputAvailable, chat.StateOutputError:
		if len(inv.Output) > 0 {
			if err := json.Unmarshal(inv.Output, &output); err != nil {
				return nil, nil, fmt.Errorf("tool %s output: %w", inv.ToolCallID, err)
			}
		}
	case chat.StateOutputDenied:
		reason := "user denied the tool call"
		if inv.Approval != nil && inv.Approval.Reason != "" {
			reason = inv.Approval.Reason
		}
		output = map[string]any{"denied": true, "reason": reason}
	default:
		// No result yet; only the request is replayed.
		return request, nil, nil
	}

	response := ai.NewToolResponsePart(&ai.ToolResponse{
		Ref:    inv.ToolCallID,
		Name:   inv.ToolName,
		Output: output,
	})
	return request, response, nil
}
