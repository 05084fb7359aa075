package approval_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kompose-ai/kompose/internal/approval"
	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
)

type policyFunc func(string) bool

func (f policyFunc) RequiresApproval(name string) bool { return f(name) }

func newInvocation(state chat.InvocationState) *chat.ToolInvocation {
	return &chat.ToolInvocation{
		ToolCallID: "call-1",
		ToolName:   "delete_calendar_event",
		State:      state,
	}
}

func TestGate_RequestAndResolve(t *testing.T) {
	gate := approval.New(policyFunc(func(name string) bool {
		return name == "delete_calendar_event"
	}), log.NewNop())

	t.Run("required follows policy", func(t *testing.T) {
		assert.True(t, gate.Required(newInvocation(chat.StateInputAvailable)))
		inv := newInvocation(chat.StateInputAvailable)
		inv.ToolName = "list_calendar_events"
		assert.False(t, gate.Required(inv))
	})

	t.Run("request suspends from input-available", func(t *testing.T) {
		inv := newInvocation(chat.StateInputAvailable)
		require.NoError(t, gate.Request(inv))
		assert.Equal(t, chat.StateApprovalRequested, inv.State)
	})

	t.Run("request rejects streaming input", func(t *testing.T) {
		inv := newInvocation(chat.StateInputStreaming)
		err := gate.Request(inv)
		assert.ErrorIs(t, err, chat.ErrInvalidTransition)
		assert.Equal(t, chat.StateInputStreaming, inv.State)
	})

	t.Run("resolve records the decision", func(t *testing.T) {
		inv := newInvocation(chat.StateApprovalRequested)
		require.NoError(t, gate.Resolve(inv, chat.Approval{Approved: true}))
		assert.Equal(t, chat.StateApprovalResponded, inv.State)
		require.NotNil(t, inv.Approval)
		assert.True(t, inv.Approval.Approved)
	})

	t.Run("resolve is the only exit from approval-requested", func(t *testing.T) {
		inv := newInvocation(chat.StateApprovalRequested)
		assert.ErrorIs(t, inv.Transition(chat.StateOutputAvailable), chat.ErrInvalidTransition)
		assert.ErrorIs(t, inv.Transition(chat.StateOutputDenied), chat.ErrInvalidTransition)
		assert.Equal(t, chat.StateApprovalRequested, inv.State)
	})

	t.Run("double resolve fails", func(t *testing.T) {
		inv := newInvocation(chat.StateApprovalRequested)
		require.NoError(t, gate.Resolve(inv, chat.Approval{Approved: false, Reason: "wrong event"}))
		err := gate.Resolve(inv, chat.Approval{Approved: true})
		assert.ErrorIs(t, err, chat.ErrInvalidTransition)
		assert.False(t, inv.Approval.Approved, "first decision stands")
	})

	t.Run("deny finalizes a rejected invocation", func(t *testing.T) {
		inv := newInvocation(chat.StateApprovalRequested)
		require.NoError(t, gate.Resolve(inv, chat.Approval{Approved: false, Reason: "not that one"}))
		require.NoError(t, gate.Deny(inv))
		assert.Equal(t, chat.StateOutputDenied, inv.State)
	})

	t.Run("deny refuses an approved invocation", func(t *testing.T) {
		inv := newInvocation(chat.StateApprovalRequested)
		require.NoError(t, gate.Resolve(inv, chat.Approval{Approved: true}))
		require.Error(t, gate.Deny(inv))
		assert.Equal(t, chat.StateApprovalResponded, inv.State)
	})
}
