package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/notify"
	"github.com/kompose-ai/kompose/internal/store"
)

// MemStore is an in-memory stand-in for the postgres store with the same
// semantics the engine depends on: turn-keyed assistant upsert and
// compare-and-set stream markers. Thread-safe.
type MemStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*chat.Session
	messages map[uuid.UUID][]*chat.Message

	// FailUpserts makes the next N assistant upserts fail, for exercising
	// flush retries.
	FailUpserts int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[uuid.UUID]*chat.Session),
		messages: make(map[uuid.UUID][]*chat.Message),
	}
}

// AddSession seeds a session and returns it.
func (s *MemStore) AddSession(ownerID, title string) *chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &chat.Session{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Title:         title,
		CreatedAt:     time.Now(),
		LastMessageAt: time.Now(),
	}
	s.sessions[sess.ID] = sess
	return sess
}

func (s *MemStore) CreateSession(_ context.Context, ownerID, title string) (*chat.Session, error) {
	return s.AddSession(ownerID, title), nil
}

func (s *MemStore) ListSessions(_ context.Context, ownerID string, limit, offset int32) ([]*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := make([]*chat.Session, 0)
	for _, sess := range s.sessions {
		if sess.OwnerID == ownerID {
			cp := *sess
			owned = append(owned, &cp)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].LastMessageAt.After(owned[j].LastMessageAt)
	})
	if int(offset) >= len(owned) {
		return []*chat.Session{}, nil
	}
	owned = owned[offset:]
	if int(limit) < len(owned) {
		owned = owned[:limit]
	}
	return owned, nil
}

func (s *MemStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return store.ErrSessionNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *MemStore) GetSession(_ context.Context, id uuid.UUID) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemStore) ListMessages(_ context.Context, sessionID uuid.UUID) ([]*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.CloneMessages(s.messages[sessionID]), nil
}

func (s *MemStore) AppendMessage(_ context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return store.ErrSessionNotFound
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg.Clone())
	s.sessions[msg.SessionID].LastMessageAt = msg.CreatedAt
	return nil
}

func (s *MemStore) UpsertAssistantMessage(_ context.Context, msg *chat.Message) error {
	if msg.Role != chat.RoleAssistant {
		return fmt.Errorf("upsert requires an assistant message, got %s", msg.Role)
	}
	if msg.TurnID == uuid.Nil {
		return fmt.Errorf("upsert requires a turn id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpserts > 0 {
		s.FailUpserts--
		return fmt.Errorf("simulated upsert failure")
	}
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return store.ErrSessionNotFound
	}

	for i, existing := range s.messages[msg.SessionID] {
		if existing.Role == chat.RoleAssistant && existing.TurnID == msg.TurnID {
			msg.ID = existing.ID
			msg.CreatedAt = existing.CreatedAt
			s.messages[msg.SessionID][i] = msg.Clone()
			return nil
		}
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = time.Now()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg.Clone())
	s.sessions[msg.SessionID].LastMessageAt = msg.CreatedAt
	return nil
}

func (s *MemStore) MarkActiveStream(_ context.Context, sessionID uuid.UUID, streamID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	if streamID == nil {
		sess.ActiveStreamID = nil
		return nil
	}
	if sess.ActiveStreamID != nil && *sess.ActiveStreamID != *streamID {
		return chat.ErrStreamActive
	}
	id := *streamID
	sess.ActiveStreamID = &id
	return nil
}

// ActiveStream returns the session's marker for assertions.
func (s *MemStore) ActiveStream(sessionID uuid.UUID) *uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.ActiveStreamID == nil {
		return nil
	}
	id := *sess.ActiveStreamID
	return &id
}

// MemPublisher records published events. Thread-safe.
type MemPublisher struct {
	mu     sync.Mutex
	events []notify.Event

	// Err, when set, is returned by every Publish.
	Err error
}

// NewMemPublisher returns an empty MemPublisher.
func NewMemPublisher() *MemPublisher {
	return &MemPublisher{}
}

func (p *MemPublisher) Publish(_ context.Context, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (p *MemPublisher) Events() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]notify.Event, len(p.events))
	copy(cp, p.events)
	return cp
}
