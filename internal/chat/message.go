// Package chat defines the domain types shared by the chat stream engine:
// sessions, messages with their closed part union, stream chunks, and the
// engine's error taxonomy.
//
// Messages store their parts as a tagged JSON array (JSONB in postgres) plus
// a denormalized plain-text projection for simple querying. Assistant
// messages carry the turn id that produced them; a turn resolves to exactly
// one assistant row no matter how many approval round-trips it takes.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Session is a persistent conversation owned by a user.
// ActiveStreamID is non-nil only while a stream is in flight; it is an
// advisory single-writer marker, claimed with compare-and-set.
type Session struct {
	ID             uuid.UUID  `json:"id"`
	OwnerID        string     `json:"ownerId"`
	Title          string     `json:"title,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastMessageAt  time.Time  `json:"lastMessageAt"`
	ActiveStreamID *uuid.UUID `json:"activeStreamId,omitempty"`
}

// Message is one entry of a session's ordered history.
// TurnID is uuid.Nil except on assistant messages, where it keys the
// exactly-once upsert for the producing turn.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"sessionId"`
	TurnID    uuid.UUID `json:"turnId,omitempty"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewSystemMessage returns a system message with a single text part.
func NewSystemMessage(sessionID uuid.UUID, text string) *Message {
	return &Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      RoleSystem,
		Parts:     []Part{NewTextPart(text)},
	}
}

// NewUserMessage returns a user message with the given parts.
func NewUserMessage(sessionID uuid.UUID, parts ...Part) *Message {
	return &Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      RoleUser,
		Parts:     parts,
	}
}

// NewAssistantMessage returns an empty assistant message bound to a turn.
func NewAssistantMessage(sessionID, turnID uuid.UUID) *Message {
	return &Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		TurnID:    turnID,
		Role:      RoleAssistant,
	}
}

// Content returns the plain-text projection of the message: the
// concatenation of its text parts. Stored denormalized alongside the parts.
func (m *Message) Content() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Invocation returns the tool invocation with the given call id, or nil.
func (m *Message) Invocation(toolCallID string) *ToolInvocation {
	for i := range m.Parts {
		if m.Parts[i].Type == PartToolInvocation && m.Parts[i].Invocation.ToolCallID == toolCallID {
			return m.Parts[i].Invocation
		}
	}
	return nil
}

// PendingApproval returns the first invocation waiting for a decision, or nil.
func (m *Message) PendingApproval() *ToolInvocation {
	for i := range m.Parts {
		inv := m.Parts[i].Invocation
		if m.Parts[i].Type == PartToolInvocation && inv.State == StateApprovalRequested {
			return inv
		}
	}
	return nil
}

// Clone returns an independent copy of the message. The model boundary
// mutates part content in place, so shared history must be copied first.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		cp.Parts[i] = p.Clone()
	}
	return &cp
}

// CloneMessages deep-copies a message slice, preserving nil.
func CloneMessages(msgs []*Message) []*Message {
	if msgs == nil {
		return nil
	}
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
