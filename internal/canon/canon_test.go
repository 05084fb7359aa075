package canon_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kompose-ai/kompose/internal/canon"
	"github.com/kompose-ai/kompose/internal/chat"
)

func TestValidate(t *testing.T) {
	sessionID := uuid.New()

	t.Run("accepts well-formed history", func(t *testing.T) {
		msgs := []*chat.Message{
			chat.NewSystemMessage(sessionID, "You are the Kompose assistant."),
			chat.NewUserMessage(sessionID, chat.NewTextPart("hi")),
		}
		require.NoError(t, canon.Validate(msgs))
	})

	t.Run("rejects empty array", func(t *testing.T) {
		err := canon.Validate(nil)
		assert.ErrorIs(t, err, chat.ErrValidation)
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		msgs := []*chat.Message{{Role: "tool", Parts: []chat.Part{chat.NewTextPart("x")}}}
		err := canon.Validate(msgs)
		assert.ErrorIs(t, err, chat.ErrValidation)
	})

	t.Run("rejects user message without parts", func(t *testing.T) {
		msgs := []*chat.Message{{Role: chat.RoleUser}}
		assert.ErrorIs(t, canon.Validate(msgs), chat.ErrValidation)
	})

	t.Run("allows empty in-flight assistant message", func(t *testing.T) {
		msgs := []*chat.Message{
			chat.NewUserMessage(sessionID, chat.NewTextPart("hi")),
			{Role: chat.RoleAssistant, TurnID: uuid.New()},
		}
		require.NoError(t, canon.Validate(msgs))
	})

	t.Run("rejects invocation without call id", func(t *testing.T) {
		msgs := []*chat.Message{{
			Role: chat.RoleAssistant,
			Parts: []chat.Part{chat.NewToolInvocationPart(&chat.ToolInvocation{
				ToolName: "create_calendar_event",
				State:    chat.StateInputAvailable,
			})},
		}}
		assert.ErrorIs(t, canon.Validate(msgs), chat.ErrValidation)
	})

	t.Run("rejects unknown invocation state", func(t *testing.T) {
		msgs := []*chat.Message{{
			Role: chat.RoleAssistant,
			Parts: []chat.Part{chat.NewToolInvocationPart(&chat.ToolInvocation{
				ToolCallID: "c1",
				ToolName:   "create_calendar_event",
				State:      "pending",
			})},
		}}
		assert.ErrorIs(t, canon.Validate(msgs), chat.ErrValidation)
	})

	t.Run("rejects file part without url", func(t *testing.T) {
		msgs := []*chat.Message{{
			Role:  chat.RoleUser,
			Parts: []chat.Part{chat.NewFilePart(chat.FilePart{Name: "agenda.pdf"})},
		}}
		assert.ErrorIs(t, canon.Validate(msgs), chat.ErrValidation)
	})
}

func TestBuildContext(t *testing.T) {
	sessionID := uuid.New()
	turnID := uuid.New()

	system := chat.NewSystemMessage(sessionID, "system prompt")
	user := chat.NewUserMessage(sessionID, chat.NewTextPart("Create event tomorrow at 3pm"))

	t.Run("fresh turn returns durable history", func(t *testing.T) {
		stored := []*chat.Message{system, user}
		got := canon.BuildContext(stored, []*chat.Message{user}, uuid.Nil)

		require.Len(t, got, 2)
		assert.Equal(t, user.ID, got[1].ID)
		// Deep copy: mutating the context must not touch stored history.
		got[1].Parts[0].Text = "mutated"
		assert.Equal(t, "Create event tomorrow at 3pm", user.Parts[0].Text)
	})

	t.Run("approval resume splices client assistant view", func(t *testing.T) {
		durableAssistant := chat.NewAssistantMessage(sessionID, turnID)
		durableAssistant.Parts = []chat.Part{chat.NewToolInvocationPart(&chat.ToolInvocation{
			ToolCallID: "c1", ToolName: "create_calendar_event", State: chat.StateApprovalRequested,
		})}
		stored := []*chat.Message{system, user, durableAssistant}

		clientAssistant := durableAssistant.Clone()
		clientAssistant.Parts[0].Invocation.State = chat.StateApprovalResponded
		clientAssistant.Parts[0].Invocation.Approval = &chat.Approval{Approved: true}
		submitted := []*chat.Message{system, user, clientAssistant}

		got := canon.BuildContext(stored, submitted, turnID)
		require.Len(t, got, 3)
		inv := got[2].Invocation("c1")
		require.NotNil(t, inv)
		assert.Equal(t, chat.StateApprovalResponded, inv.State)
		// Durable identity is preserved over the client's copy.
		assert.Equal(t, durableAssistant.ID, got[2].ID)
	})

	t.Run("client cannot shrink history", func(t *testing.T) {
		stored := []*chat.Message{system, user}
		// Client submits only its last message; canonical context still
		// contains everything durable.
		got := canon.BuildContext(stored, []*chat.Message{user}, uuid.Nil)
		assert.Len(t, got, 2)
	})

	t.Run("missing durable row appends client view", func(t *testing.T) {
		clientAssistant := chat.NewAssistantMessage(sessionID, turnID)
		got := canon.BuildContext([]*chat.Message{system, user}, []*chat.Message{clientAssistant}, turnID)
		require.Len(t, got, 3)
		assert.Equal(t, turnID, got[2].TurnID)
	})

	t.Run("mismatched turn id is ignored", func(t *testing.T) {
		otherAssistant := chat.NewAssistantMessage(sessionID, uuid.New())
		got := canon.BuildContext([]*chat.Message{system, user}, []*chat.Message{otherAssistant}, turnID)
		assert.Len(t, got, 2)
	})
}
