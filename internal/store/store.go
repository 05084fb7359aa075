// Package store persists chat sessions and their ordered messages in
// PostgreSQL.
//
// Two operations carry the engine's core invariants:
//
//   - UpsertAssistantMessage is keyed by (session_id, turn_id): however many
//     approval round-trips a turn takes, it resolves to exactly one
//     assistant row.
//   - MarkActiveStream claims the session's advisory single-writer marker
//     with compare-and-set; clearing it is unconditional and idempotent.
//
// Store is safe for concurrent use by multiple goroutines.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
)

// Store manages session persistence with a PostgreSQL backend.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a Store on the given pool.
func New(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// CreateSession creates a new conversation session for ownerID.
func (s *Store) CreateSession(ctx context.Context, ownerID, title string) (*chat.Session, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (owner_id, title)
		VALUES ($1, NULLIF($2, ''))
		RETURNING id, owner_id, COALESCE(title, ''), created_at, last_message_at, active_stream_id`,
		ownerID, title)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "owner", ownerID)
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID uuid.UUID) (*chat.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, COALESCE(title, ''), created_at, last_message_at, active_stream_id
		FROM sessions WHERE id = $1`,
		pgUUID(sessionID))

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// ListSessions lists a user's sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, ownerID string, limit, offset int32) ([]*chat.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, COALESCE(title, ''), created_at, last_message_at, active_stream_id
		FROM sessions
		WHERE owner_id = $1
		ORDER BY last_message_at DESC
		LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*chat.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession deletes a session and all its messages (CASCADE).
func (s *Store) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, pgUUID(sessionID))
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete session %s: %w", sessionID, ErrSessionNotFound)
	}

	s.logger.Debug("deleted session", "id", sessionID)
	return nil
}

// ListMessages returns a session's messages ordered by creation.
func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*chat.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, turn_id, role, parts, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY created_at, id`,
		pgUUID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	messages := make([]*chat.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages for %s: %w", sessionID, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", sessionID, err)
	}

	return messages, nil
}

// AppendMessage inserts a message and bumps the session's last_message_at.
// The stored row id and timestamp are written back into msg.
func (s *Store) AppendMessage(ctx context.Context, msg *chat.Message) error {
	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("append rollback", "error", err)
		}
	}()

	row := tx.QueryRow(ctx, `
		INSERT INTO messages (id, session_id, turn_id, role, parts, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		pgUUID(msg.ID), pgUUID(msg.SessionID), pgUUIDPtr(msg.TurnID), string(msg.Role), partsJSON, msg.Content())

	var id pgtype.UUID
	var createdAt pgtype.Timestamptz
	if err := row.Scan(&id, &createdAt); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if err := touchSession(ctx, tx, msg.SessionID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	msg.ID = uuidFromPg(id)
	msg.CreatedAt = createdAt.Time
	s.logger.Debug("appended message", "session_id", msg.SessionID, "role", msg.Role, "id", msg.ID)
	return nil
}

// UpsertAssistantMessage inserts the turn's assistant row or, when the turn
// already persisted one (an earlier approval round-trip), updates it in
// place. The canonical row id and timestamp are written back into msg, so a
// resumed turn keeps the id assigned by its first flush.
func (s *Store) UpsertAssistantMessage(ctx context.Context, msg *chat.Message) error {
	if msg.Role != chat.RoleAssistant {
		return fmt.Errorf("upsert of %s message: only assistant messages carry a turn", msg.Role)
	}
	if msg.TurnID == uuid.Nil {
		return fmt.Errorf("upsert assistant message: turn id is required")
	}

	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("upsert assistant message: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("upsert rollback", "error", err)
		}
	}()

	row := tx.QueryRow(ctx, `
		INSERT INTO messages (id, session_id, turn_id, role, parts, content)
		VALUES ($1, $2, $3, 'assistant', $4, $5)
		ON CONFLICT (session_id, turn_id) WHERE turn_id IS NOT NULL
		DO UPDATE SET parts = EXCLUDED.parts, content = EXCLUDED.content
		RETURNING id, created_at`,
		pgUUID(msg.ID), pgUUID(msg.SessionID), pgUUID(msg.TurnID), partsJSON, msg.Content())

	var id pgtype.UUID
	var createdAt pgtype.Timestamptz
	if err := row.Scan(&id, &createdAt); err != nil {
		return fmt.Errorf("upsert assistant message: %w", err)
	}

	if err := touchSession(ctx, tx, msg.SessionID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("upsert assistant message: %w", err)
	}

	msg.ID = uuidFromPg(id)
	msg.CreatedAt = createdAt.Time
	s.logger.Debug("upserted assistant message",
		"session_id", msg.SessionID, "turn_id", msg.TurnID, "id", msg.ID, "parts", len(msg.Parts))
	return nil
}

// MarkActiveStream sets or clears the session's advisory stream marker.
//
// Claiming (non-nil streamID) is a compare-and-set: it succeeds only when
// the marker is NULL or already holds the same stream id, so two racing
// orchestrators cannot both believe they own the session. Losing the race
// returns chat.ErrStreamActive.
//
// Clearing (nil) always succeeds and is a no-op when already clear.
func (s *Store) MarkActiveStream(ctx context.Context, sessionID uuid.UUID, streamID *uuid.UUID) error {
	if streamID == nil {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sessions SET active_stream_id = NULL WHERE id = $1`,
			pgUUID(sessionID))
		if err != nil {
			return fmt.Errorf("clear active stream for %s: %w", sessionID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("clear active stream for %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET active_stream_id = $2
		WHERE id = $1 AND (active_stream_id IS NULL OR active_stream_id = $2)`,
		pgUUID(sessionID), pgUUID(*streamID))
	if err != nil {
		return fmt.Errorf("claim active stream for %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost CAS from a missing session.
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return fmt.Errorf("claim active stream for %s: %w", sessionID, chat.ErrStreamActive)
	}

	s.logger.Debug("claimed active stream", "session_id", sessionID, "stream_id", *streamID)
	return nil
}

// touchSession bumps last_message_at inside the mutation's transaction.
func touchSession(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET last_message_at = now() WHERE id = $1`,
		pgUUID(sessionID))
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch session %s: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

// scanSession reads one session row.
func scanSession(row pgx.Row) (*chat.Session, error) {
	var (
		id, activeStream pgtype.UUID
		ownerID, title   string
		createdAt        pgtype.Timestamptz
		lastMessageAt    pgtype.Timestamptz
	)
	if err := row.Scan(&id, &ownerID, &title, &createdAt, &lastMessageAt, &activeStream); err != nil {
		return nil, err
	}

	sess := &chat.Session{
		ID:            uuidFromPg(id),
		OwnerID:       ownerID,
		Title:         title,
		CreatedAt:     createdAt.Time,
		LastMessageAt: lastMessageAt.Time,
	}
	if activeStream.Valid {
		streamID := uuid.UUID(activeStream.Bytes)
		sess.ActiveStreamID = &streamID
	}
	return sess, nil
}

// scanMessage reads one message row, decoding the part union from JSONB.
func scanMessage(row pgx.Row) (*chat.Message, error) {
	var (
		id, sessionID, turnID pgtype.UUID
		role                  string
		partsJSON             []byte
		createdAt             pgtype.Timestamptz
	)
	if err := row.Scan(&id, &sessionID, &turnID, &role, &partsJSON, &createdAt); err != nil {
		return nil, err
	}

	var parts []chat.Part
	if err := json.Unmarshal(partsJSON, &parts); err != nil {
		return nil, fmt.Errorf("unmarshal parts: %w", err)
	}

	msg := &chat.Message{
		ID:        uuidFromPg(id),
		SessionID: uuidFromPg(sessionID),
		Role:      chat.Role(role),
		Parts:     parts,
		CreatedAt: createdAt.Time,
	}
	if turnID.Valid {
		msg.TurnID = uuid.UUID(turnID.Bytes)
	}
	return msg, nil
}

// pgUUID converts uuid.UUID to pgtype.UUID.
func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// pgUUIDPtr converts uuid.UUID to pgtype.UUID, mapping uuid.Nil to SQL NULL.
func pgUUIDPtr(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}

// uuidFromPg converts pgtype.UUID to uuid.UUID.
func uuidFromPg(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
