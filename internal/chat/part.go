package chat

import (
	"encoding/json"
	"fmt"
)

// PartType discriminates the closed set of message part variants.
type PartType string

// Part type constants. The set is closed: decoding an unknown type fails
// instead of silently passing an untyped part downstream.
const (
	PartText           PartType = "text"
	PartReasoning      PartType = "reasoning"
	PartFile           PartType = "file"
	PartToolInvocation PartType = "tool-invocation"
)

// InvocationState tracks a tool invocation through its approval/execution
// lifecycle.
type InvocationState string

// Tool invocation states.
const (
	StateInputStreaming    InvocationState = "input-streaming"
	StateInputAvailable    InvocationState = "input-available"
	StateApprovalRequested InvocationState = "approval-requested"
	StateApprovalResponded InvocationState = "approval-responded"
	StateOutputAvailable   InvocationState = "output-available"
	StateOutputDenied      InvocationState = "output-denied"
	StateOutputError       InvocationState = "output-error"
)

// transitions enumerates every legal state edge. Anything not listed here
// is rejected by Transition.
var transitions = map[InvocationState][]InvocationState{
	StateInputStreaming:    {StateInputAvailable},
	StateInputAvailable:    {StateApprovalRequested, StateOutputAvailable, StateOutputError},
	StateApprovalRequested: {StateApprovalResponded},
	StateApprovalResponded: {StateOutputAvailable, StateOutputDenied, StateOutputError},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s InvocationState) CanTransition(next InvocationState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s InvocationState) Terminal() bool {
	return len(transitions[s]) == 0
}

// Approval records the human decision attached to a tool invocation.
type Approval struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ToolInvocation is the stateful payload of a tool-invocation part.
// Input and Output are opaque JSON owned by the tool executor.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
	State      InvocationState `json:"state"`
	Output     json.RawMessage `json:"output,omitempty"`
	Approval   *Approval       `json:"approval,omitempty"`
}

// Transition moves the invocation to next, enforcing the state machine.
// Illegal edges return *InvalidTransitionError and leave State unchanged.
func (inv *ToolInvocation) Transition(next InvocationState) error {
	if !inv.State.CanTransition(next) {
		return &InvalidTransitionError{ToolCallID: inv.ToolCallID, From: inv.State, To: next}
	}
	inv.State = next
	return nil
}

// Clone returns an independent copy of the invocation.
func (inv *ToolInvocation) Clone() *ToolInvocation {
	cp := *inv
	if inv.Input != nil {
		cp.Input = append(json.RawMessage(nil), inv.Input...)
	}
	if inv.Output != nil {
		cp.Output = append(json.RawMessage(nil), inv.Output...)
	}
	if inv.Approval != nil {
		a := *inv.Approval
		cp.Approval = &a
	}
	return &cp
}

// FilePart is an attachment-like part referencing external content.
type FilePart struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

// Part is a closed tagged union: exactly one variant payload is set,
// selected by Type. Use the constructors; the zero value is not valid.
type Part struct {
	Type PartType

	// Text carries the payload for text and reasoning parts.
	Text string

	// File is set only for file parts.
	File *FilePart

	// Invocation is set only for tool-invocation parts.
	Invocation *ToolInvocation
}

// NewTextPart returns a text part.
func NewTextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// NewReasoningPart returns a reasoning part.
func NewReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

// NewFilePart returns a file attachment part.
func NewFilePart(f FilePart) Part {
	return Part{Type: PartFile, File: &f}
}

// NewToolInvocationPart returns a tool-invocation part wrapping inv.
func NewToolInvocationPart(inv *ToolInvocation) Part {
	return Part{Type: PartToolInvocation, Invocation: inv}
}

// partJSON is the wire/storage form of Part: a flat object tagged by "type".
type partJSON struct {
	Type PartType `json:"type"`

	// text | reasoning
	Text string `json:"text,omitempty"`

	// file
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`

	// tool-invocation
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	State      InvocationState `json:"state,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Approval   *Approval       `json:"approval,omitempty"`
}

// MarshalJSON encodes the part in its tagged wire form.
func (p Part) MarshalJSON() ([]byte, error) {
	out := partJSON{Type: p.Type}
	switch p.Type {
	case PartText, PartReasoning:
		out.Text = p.Text
	case PartFile:
		if p.File == nil {
			return nil, fmt.Errorf("file part has no payload")
		}
		out.Name = p.File.Name
		out.MediaType = p.File.MediaType
		out.URL = p.File.URL
	case PartToolInvocation:
		if p.Invocation == nil {
			return nil, fmt.Errorf("tool-invocation part has no payload")
		}
		out.ToolCallID = p.Invocation.ToolCallID
		out.ToolName = p.Invocation.ToolName
		out.Input = p.Invocation.Input
		out.State = p.Invocation.State
		out.Output = p.Invocation.Output
		out.Approval = p.Invocation.Approval
	default:
		return nil, fmt.Errorf("unknown part type %q", p.Type)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the tagged wire form, rejecting unknown types.
func (p *Part) UnmarshalJSON(data []byte) error {
	var in partJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Type {
	case PartText, PartReasoning:
		*p = Part{Type: in.Type, Text: in.Text}
	case PartFile:
		*p = Part{Type: PartFile, File: &FilePart{
			Name:      in.Name,
			MediaType: in.MediaType,
			URL:       in.URL,
		}}
	case PartToolInvocation:
		*p = Part{Type: PartToolInvocation, Invocation: &ToolInvocation{
			ToolCallID: in.ToolCallID,
			ToolName:   in.ToolName,
			Input:      in.Input,
			State:      in.State,
			Output:     in.Output,
			Approval:   in.Approval,
		}}
	default:
		return fmt.Errorf("unknown part type %q", in.Type)
	}
	return nil
}

// Clone returns an independent copy of the part.
func (p Part) Clone() Part {
	cp := p
	if p.File != nil {
		f := *p.File
		cp.File = &f
	}
	if p.Invocation != nil {
		cp.Invocation = p.Invocation.Clone()
	}
	return cp
}
