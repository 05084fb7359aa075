package chat

import "github.com/google/uuid"

// ChunkType identifies a stream chunk variant.
type ChunkType string

// Stream chunk types, in the order a turn can produce them. Finish and
// Error are terminal: the relay publishes them last and then begins its
// deregistration grace period.
const (
	ChunkTextDelta         ChunkType = "text-delta"
	ChunkReasoningDelta    ChunkType = "reasoning-delta"
	ChunkToolCall          ChunkType = "tool-call"
	ChunkToolResult        ChunkType = "tool-result"
	ChunkApprovalRequested ChunkType = "approval-requested"
	ChunkFinish            ChunkType = "finish"
	ChunkError             ChunkType = "error"
)

// Terminal reports whether the chunk type ends its stream.
func (t ChunkType) Terminal() bool {
	return t == ChunkFinish || t == ChunkError
}

// StreamChunk is one unit of relayed turn output. Seq is assigned by the
// relay, strictly increasing per stream; a subscriber resuming from seq N
// sees exactly the chunks an uninterrupted connection would have seen.
type StreamChunk struct {
	Seq       uint64    `json:"seq"`
	Type      ChunkType `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
	StreamID  uuid.UUID `json:"streamId"`
	TurnID    uuid.UUID `json:"turnId"`
	MessageID uuid.UUID `json:"messageId,omitempty"`

	// Text carries the delta for text-delta and reasoning-delta chunks.
	Text string `json:"text,omitempty"`

	// Invocation snapshots the tool invocation for tool-call, tool-result
	// and approval-requested chunks.
	Invocation *ToolInvocation `json:"invocation,omitempty"`

	// FinishReason is set on finish chunks: "stop", "awaiting-approval"
	// or "canceled".
	FinishReason string `json:"finishReason,omitempty"`

	// ErrorCode and ErrorMessage are set on error chunks.
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Finish reasons carried on finish chunks. Exceeding the step budget is
// not a finish reason; it surfaces as an error chunk.
const (
	FinishStop             = "stop"
	FinishAwaitingApproval = "awaiting-approval"
	FinishCanceled         = "canceled"
)
