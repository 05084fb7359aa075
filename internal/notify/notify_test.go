package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kompose-ai/kompose/internal/log"
	"github.com/kompose-ai/kompose/internal/notify"
	"github.com/kompose-ai/kompose/internal/testutil"
)

func TestPublishAndReceive(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := notify.NewListener(db.Pool, log.NewNop())
	events, unsubscribe := listener.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = listener.Run(ctx)
	}()

	publisher := notify.NewPublisher(db.Pool, log.NewNop())
	sessionID := uuid.New()

	// The LISTEN connection needs a moment to be established; retry the
	// publish until the event comes through.
	var got notify.Event
	require.Eventually(t, func() bool {
		err := publisher.Publish(ctx, notify.Event{
			Type:      notify.EventMessageAppended,
			SessionID: sessionID,
		})
		if err != nil {
			return false
		}
		select {
		case got = <-events:
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, notify.EventMessageAppended, got.Type)
	assert.Equal(t, sessionID, got.SessionID)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop on cancellation")
	}
}

func TestSubscribeCancel(t *testing.T) {
	// Pure in-process fanout behavior; no database needed until Run.
	listener := notify.NewListener(nil, log.NewNop())

	events, cancel := listener.Subscribe()
	cancel()

	_, ok := <-events
	assert.False(t, ok, "cancelled subscription channel is closed")

	// Cancelling twice is safe.
	cancel()
}
