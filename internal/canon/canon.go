// Package canon validates client-submitted message arrays and builds the
// canonical model context for a turn.
//
// The durable history is the source of truth across devices: a client that
// missed writes from another device, or reconnected mid-turn, must not be
// able to shrink or reorder the context the model sees. The only client
// state that is trusted is the in-flight turn's own assistant message,
// because its transient approval fields may not be durable yet.
package canon

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kompose-ai/kompose/internal/chat"
)

// maxMessages bounds the submitted array; anything larger is a malformed
// client, not a conversation.
const maxMessages = 10000

// Validate checks the client-submitted message array for shape errors.
// It fails with a *chat.ValidationError before any model call; no state is
// changed by a rejected request.
func Validate(msgs []*chat.Message) error {
	if len(msgs) == 0 {
		return &chat.ValidationError{Index: -1, Reason: "message array is empty"}
	}
	if len(msgs) > maxMessages {
		return &chat.ValidationError{Index: -1, Reason: fmt.Sprintf("message array exceeds %d entries", maxMessages)}
	}

	for i, m := range msgs {
		if m == nil {
			return &chat.ValidationError{Index: i, Reason: "message is null"}
		}
		if !m.Role.Valid() {
			return &chat.ValidationError{Index: i, Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
		if len(m.Parts) == 0 && m.Role != chat.RoleAssistant {
			// An in-flight assistant message may legitimately be empty.
			return &chat.ValidationError{Index: i, Reason: "message has no parts"}
		}
		for j, p := range m.Parts {
			if err := validatePart(p); err != nil {
				return &chat.ValidationError{Index: i, Reason: fmt.Sprintf("part %d: %v", j, err)}
			}
		}
	}
	return nil
}

// validatePart checks that the part's payload matches its tag. The closed
// union is matched exhaustively; a new part kind must be handled here.
func validatePart(p chat.Part) error {
	switch p.Type {
	case chat.PartText, chat.PartReasoning:
		return nil
	case chat.PartFile:
		if p.File == nil || p.File.URL == "" {
			return fmt.Errorf("file part missing url")
		}
		return nil
	case chat.PartToolInvocation:
		inv := p.Invocation
		if inv == nil {
			return fmt.Errorf("tool-invocation part missing payload")
		}
		if inv.ToolCallID == "" {
			return fmt.Errorf("tool invocation missing toolCallId")
		}
		if inv.ToolName == "" {
			return fmt.Errorf("tool invocation missing toolName")
		}
		if !knownState(inv.State) {
			return fmt.Errorf("unknown invocation state %q", inv.State)
		}
		return nil
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
}

func knownState(s chat.InvocationState) bool {
	switch s {
	case chat.StateInputStreaming, chat.StateInputAvailable,
		chat.StateApprovalRequested, chat.StateApprovalResponded,
		chat.StateOutputAvailable, chat.StateOutputDenied, chat.StateOutputError:
		return true
	}
	return false
}

// BuildContext assembles the canonical model context for a turn.
//
// The base is always the durable history (stored). When the request is an
// approval round-trip for turnID and the client's last message is its view
// of that turn's assistant message, that single message is spliced in over
// the stored row — its approval-responded state is not durable yet. For a
// fresh turn, stored already ends with the newly persisted user message and
// is returned as-is.
//
// The result is deep-copied: the model boundary mutates message content in
// place and must never share parts with cached history.
func BuildContext(stored, submitted []*chat.Message, turnID uuid.UUID) []*chat.Message {
	context := chat.CloneMessages(stored)

	if turnID == uuid.Nil || len(submitted) == 0 {
		return context
	}

	last := submitted[len(submitted)-1]
	if last == nil || last.Role != chat.RoleAssistant || last.TurnID != turnID {
		return context
	}

	clientView := last.Clone()
	for i := range context {
		if context[i].Role == chat.RoleAssistant && context[i].TurnID == turnID {
			// Keep the durable row's identity; trust the client's parts.
			clientView.ID = context[i].ID
			clientView.CreatedAt = context[i].CreatedAt
			context[i] = clientView
			return context
		}
	}

	// The durable row is missing (flush raced the resume): append the
	// client's view rather than dropping the in-flight turn.
	return append(context, clientView)
}
