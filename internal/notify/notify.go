// Package notify distributes realtime chat events through postgres
// LISTEN/NOTIFY. Every process publishes on one channel and runs one
// listening connection that fans notifications out to in-process
// subscribers, so clients attached to any instance observe writes made
// through any other instance.
//
// Notification delivery is best effort. A failed publish degrades the
// event, never the turn: the caller logs the broker failure and continues,
// and reconnecting clients recover missed state from the store.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
)

// Channel is the postgres notification channel all chat events travel on.
const Channel = "kompose_chat_events"

// EventType identifies a realtime event variant.
type EventType string

// Realtime event types.
const (
	EventSessionCreated    EventType = "session-created"
	EventSessionDeleted    EventType = "session-deleted"
	EventMessageAppended   EventType = "message-appended"
	EventStreamStarted     EventType = "stream-started"
	EventStreamFinished    EventType = "stream-finished"
	EventApprovalRequested EventType = "approval-requested"
)

// Event is the wire payload carried in a notification. It names what
// changed and where; subscribers fetch the actual state from the store.
type Event struct {
	Type      EventType `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
}

// Publisher sends events to the broker.
type Publisher struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPublisher returns a Publisher over the given pool.
func NewPublisher(pool *pgxpool.Pool, logger log.Logger) *Publisher {
	return &Publisher{pool: pool, logger: logger}
}

// Publish sends the event on the shared channel. Failures are reported as
// chat.ErrBrokerUnavailable so callers can degrade instead of aborting.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, string(payload)); err != nil {
		return fmt.Errorf("%w: notify %s: %v", chat.ErrBrokerUnavailable, event.Type, err)
	}
	return nil
}

// Listener holds one dedicated postgres connection on LISTEN and fans
// received events out to in-process subscribers.
type Listener struct {
	pool   *pgxpool.Pool
	logger log.Logger

	mu      sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64

	// reconnectDelay spaces out listen-loop restarts after a broken
	// connection.
	reconnectDelay time.Duration
}

// NewListener returns a Listener over the given pool. Call Run to start
// receiving.
func NewListener(pool *pgxpool.Pool, logger log.Logger) *Listener {
	return &Listener{
		pool:           pool,
		logger:         logger,
		subs:           make(map[uint64]chan Event),
		reconnectDelay: time.Second,
	}
}

// Subscribe registers an in-process consumer. The returned cancel function
// must be called to release the subscription.
func (l *Listener) Subscribe() (<-chan Event, func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan Event, 64)
	l.subs[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if existing, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(existing)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

// Run blocks listening for notifications until ctx is cancelled. Broken
// connections are re-established; malformed payloads are logged and
// skipped.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("listener connection lost, reconnecting",
				"channel", Channel, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire listen connection: %v", chat.ErrBrokerUnavailable, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("%w: listen %s: %v", chat.ErrBrokerUnavailable, Channel, err)
	}
	l.logger.Debug("listening for chat events", "channel", Channel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var event Event
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			l.logger.Warn("skipping malformed notification",
				"channel", Channel, "error", err)
			continue
		}
		l.broadcast(event)
	}
}

func (l *Listener) broadcast(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber. Realtime events are advisory; drop rather
			// than stall the listen loop.
			l.logger.Warn("dropping event for slow subscriber",
				"type", event.Type, "subscriber", id)
		}
	}
}
