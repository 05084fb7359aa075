package chat

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvocationTransitions(t *testing.T) {
	t.Run("direct execution path", func(t *testing.T) {
		inv := &ToolInvocation{ToolCallID: "call-1", ToolName: "list_calendar_events", State: StateInputStreaming}

		require.NoError(t, inv.Transition(StateInputAvailable))
		require.NoError(t, inv.Transition(StateOutputAvailable))
		assert.True(t, inv.State.Terminal())
	})

	t.Run("approval path", func(t *testing.T) {
		inv := &ToolInvocation{ToolCallID: "call-2", ToolName: "create_calendar_event", State: StateInputAvailable}

		require.NoError(t, inv.Transition(StateApprovalRequested))
		require.NoError(t, inv.Transition(StateApprovalResponded))
		require.NoError(t, inv.Transition(StateOutputDenied))
	})

	t.Run("skipping approval-responded is rejected", func(t *testing.T) {
		inv := &ToolInvocation{ToolCallID: "call-3", State: StateApprovalRequested}

		err := inv.Transition(StateOutputAvailable)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		// State unchanged on rejection.
		assert.Equal(t, StateApprovalRequested, inv.State)
	})

	t.Run("terminal states admit nothing", func(t *testing.T) {
		for _, s := range []InvocationState{StateOutputAvailable, StateOutputDenied, StateOutputError} {
			inv := &ToolInvocation{State: s}
			err := inv.Transition(StateInputAvailable)
			assert.ErrorIs(t, err, ErrInvalidTransition, "from %s", s)
		}
	})

	t.Run("transition error carries endpoints", func(t *testing.T) {
		inv := &ToolInvocation{ToolCallID: "call-4", State: StateOutputAvailable}
		err := inv.Transition(StateApprovalRequested)

		var tErr *InvalidTransitionError
		require.True(t, errors.As(err, &tErr))
		assert.Equal(t, StateOutputAvailable, tErr.From)
		assert.Equal(t, StateApprovalRequested, tErr.To)
	})
}

func TestPartJSON(t *testing.T) {
	t.Run("tool invocation round trip", func(t *testing.T) {
		part := NewToolInvocationPart(&ToolInvocation{
			ToolCallID: "call-9",
			ToolName:   "create_calendar_event",
			Input:      json.RawMessage(`{"title":"Standup","start":"2026-09-01T15:00:00Z"}`),
			State:      StateApprovalRequested,
		})

		data, err := json.Marshal(part)
		require.NoError(t, err)

		var decoded Part
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, PartToolInvocation, decoded.Type)
		assert.Equal(t, "call-9", decoded.Invocation.ToolCallID)
		assert.Equal(t, StateApprovalRequested, decoded.Invocation.State)
		assert.JSONEq(t, string(part.Invocation.Input), string(decoded.Invocation.Input))
	})

	t.Run("text and reasoning keep their tag", func(t *testing.T) {
		data, err := json.Marshal([]Part{NewTextPart("hi"), NewReasoningPart("thinking")})
		require.NoError(t, err)

		var decoded []Part
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Len(t, decoded, 2)
		assert.Equal(t, PartText, decoded[0].Type)
		assert.Equal(t, PartReasoning, decoded[1].Type)
		assert.Equal(t, "thinking", decoded[1].Text)
	})

	t.Run("unknown tag fails to decode", func(t *testing.T) {
		var p Part
		err := json.Unmarshal([]byte(`{"type":"sticker","text":"x"}`), &p)
		require.Error(t, err)
	})

	t.Run("empty union payload fails to encode", func(t *testing.T) {
		_, err := json.Marshal(Part{Type: PartToolInvocation})
		require.Error(t, err)
	})
}

func TestMessageContent(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Parts: []Part{
			NewReasoningPart("the user wants a meeting"),
			NewTextPart("Scheduled "),
			NewToolInvocationPart(&ToolInvocation{ToolCallID: "c1", State: StateOutputAvailable}),
			NewTextPart("for 3pm."),
		},
	}

	// Only text parts contribute to the projection.
	assert.Equal(t, "Scheduled for 3pm.", msg.Content())
}

func TestMessageClone(t *testing.T) {
	inv := &ToolInvocation{ToolCallID: "c1", State: StateInputAvailable, Input: json.RawMessage(`{}`)}
	msg := &Message{Role: RoleAssistant, Parts: []Part{NewToolInvocationPart(inv)}}

	cp := msg.Clone()
	require.NoError(t, cp.Parts[0].Invocation.Transition(StateApprovalRequested))

	// Original invocation untouched.
	assert.Equal(t, StateInputAvailable, msg.Parts[0].Invocation.State)
}

func TestPendingApproval(t *testing.T) {
	msg := &Message{Role: RoleAssistant, Parts: []Part{
		NewTextPart("I'll create that event."),
		NewToolInvocationPart(&ToolInvocation{ToolCallID: "c1", State: StateOutputAvailable}),
		NewToolInvocationPart(&ToolInvocation{ToolCallID: "c2", State: StateApprovalRequested}),
	}}

	pending := msg.PendingApproval()
	require.NotNil(t, pending)
	assert.Equal(t, "c2", pending.ToolCallID)

	assert.Nil(t, (&Message{Role: RoleUser}).PendingApproval())
}
