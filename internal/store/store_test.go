package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
	"github.com/kompose-ai/kompose/internal/store"
	"github.com/kompose-ai/kompose/internal/testutil"
)

// Integration tests against a real postgres container. Skipped when docker
// is unavailable.

func TestStore_SessionLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := store.New(db.Pool, log.NewNop())

	sess, err := s.CreateSession(ctx, "user-1", "Week planning")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, sess.ID)
	assert.Nil(t, sess.ActiveStreamID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, "Week planning", got.Title)

	list, err := s.ListSessions(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	// Deleting again reports not found.
	assert.ErrorIs(t, s.DeleteSession(ctx, sess.ID), store.ErrSessionNotFound)
}

func TestStore_MessagesOrderedAndCascaded(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := store.New(db.Pool, log.NewNop())

	sess, err := s.CreateSession(ctx, "user-1", "")
	require.NoError(t, err)

	system := chat.NewSystemMessage(sess.ID, "You are the Kompose assistant.")
	user := chat.NewUserMessage(sess.ID, chat.NewTextPart("Create event tomorrow at 3pm"))
	require.NoError(t, s.AppendMessage(ctx, system))
	require.NoError(t, s.AppendMessage(ctx, user))

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleSystem, msgs[0].Role)
	assert.Equal(t, chat.RoleUser, msgs[1].Role)
	assert.Equal(t, "Create event tomorrow at 3pm", msgs[1].Content())

	// last_message_at moves forward with each append.
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.LastMessageAt.Before(sess.LastMessageAt))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	msgs, err = s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_UpsertAssistantMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := store.New(db.Pool, log.NewNop())

	sess, err := s.CreateSession(ctx, "user-1", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, chat.NewUserMessage(sess.ID, chat.NewTextPart("hello"))))

	turnID := uuid.New()
	assistant := chat.NewAssistantMessage(sess.ID, turnID)
	assistant.Parts = []chat.Part{
		chat.NewTextPart("I'll create that event."),
		chat.NewToolInvocationPart(&chat.ToolInvocation{
			ToolCallID: "call-1",
			ToolName:   "create_calendar_event",
			State:      chat.StateApprovalRequested,
		}),
	}
	require.NoError(t, s.UpsertAssistantMessage(ctx, assistant))
	firstID := assistant.ID

	// Second flush for the same turn updates in place, even from a fresh
	// message value (approval resume on another request).
	resumed := chat.NewAssistantMessage(sess.ID, turnID)
	resumed.Parts = []chat.Part{
		chat.NewTextPart("I'll create that event. Done."),
		chat.NewToolInvocationPart(&chat.ToolInvocation{
			ToolCallID: "call-1",
			ToolName:   "create_calendar_event",
			State:      chat.StateOutputAvailable,
		}),
	}
	require.NoError(t, s.UpsertAssistantMessage(ctx, resumed))

	// The row keeps the id assigned by the first flush.
	assert.Equal(t, firstID, resumed.ID)

	msgs, err := s.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "one user + exactly one assistant row per turn")

	final := msgs[1]
	assert.Equal(t, turnID, final.TurnID)
	inv := final.Invocation("call-1")
	require.NotNil(t, inv)
	assert.Equal(t, chat.StateOutputAvailable, inv.State)
}

func TestStore_UpsertRejectsNonAssistant(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := store.New(db.Pool, log.NewNop())
	msg := chat.NewUserMessage(uuid.New(), chat.NewTextPart("hi"))
	require.Error(t, s.UpsertAssistantMessage(context.Background(), msg))

	assistant := chat.NewAssistantMessage(uuid.New(), uuid.Nil)
	require.Error(t, s.UpsertAssistantMessage(context.Background(), assistant))
}

func TestStore_MarkActiveStream(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := store.New(db.Pool, log.NewNop())

	sess, err := s.CreateSession(ctx, "user-1", "")
	require.NoError(t, err)

	streamA := uuid.New()
	streamB := uuid.New()

	require.NoError(t, s.MarkActiveStream(ctx, sess.ID, &streamA))

	// Re-claiming the same stream is a no-op.
	require.NoError(t, s.MarkActiveStream(ctx, sess.ID, &streamA))

	// A second stream loses the CAS while A holds the marker.
	err = s.MarkActiveStream(ctx, sess.ID, &streamB)
	assert.ErrorIs(t, err, chat.ErrStreamActive)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActiveStreamID)
	assert.Equal(t, streamA, *got.ActiveStreamID)

	// Clearing is idempotent: twice in a row, both succeed.
	require.NoError(t, s.MarkActiveStream(ctx, sess.ID, nil))
	require.NoError(t, s.MarkActiveStream(ctx, sess.ID, nil))

	// Marker free again, B can claim.
	require.NoError(t, s.MarkActiveStream(ctx, sess.ID, &streamB))

	// Unknown session surfaces not-found.
	err = s.MarkActiveStream(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}
