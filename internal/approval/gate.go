// Package approval implements the human-in-the-loop gate for tool
// invocations. Destructive tools pause the turn at approval-requested; the
// only way out of that state is a client decision routed through Resolve.
package approval

import (
	"fmt"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
)

// Policy decides which tools need a human decision before execution.
// The tool registry implements it.
type Policy interface {
	RequiresApproval(toolName string) bool
}

// Gate applies approval transitions to tool invocations. It owns no
// persistence; the orchestrator flushes the message after each transition.
type Gate struct {
	policy Policy
	logger log.Logger
}

// New returns a Gate backed by the given policy.
func New(policy Policy, logger log.Logger) *Gate {
	return &Gate{policy: policy, logger: logger}
}

// Required reports whether the invocation's tool needs approval before it
// may execute.
func (g *Gate) Required(inv *chat.ToolInvocation) bool {
	return g.policy.RequiresApproval(inv.ToolName)
}

// Request suspends the invocation pending a human decision. The invocation
// must have its full input (input-available); anything else is a protocol
// violation surfaced as *chat.InvalidTransitionError.
func (g *Gate) Request(inv *chat.ToolInvocation) error {
	if err := inv.Transition(chat.StateApprovalRequested); err != nil {
		return err
	}
	g.logger.Debug("approval requested",
		"tool_call_id", inv.ToolCallID,
		"tool_name", inv.ToolName)
	return nil
}

// Resolve records the client's decision on a suspended invocation. It is
// the single exit from approval-requested: the invocation moves to
// approval-responded with the decision attached, and the caller proceeds to
// execute or deny.
func (g *Gate) Resolve(inv *chat.ToolInvocation, decision chat.Approval) error {
	if err := inv.Transition(chat.StateApprovalResponded); err != nil {
		return err
	}
	d := decision
	inv.Approval = &d
	g.logger.Debug("approval resolved",
		"tool_call_id", inv.ToolCallID,
		"tool_name", inv.ToolName,
		"approved", decision.Approved)
	return nil
}

// Deny finalizes a responded invocation whose decision was negative.
func (g *Gate) Deny(inv *chat.ToolInvocation) error {
	if inv.Approval == nil || inv.Approval.Approved {
		return fmt.Errorf("deny %s: invocation has no negative decision", inv.ToolCallID)
	}
	return inv.Transition(chat.StateOutputDenied)
}
