package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
	"github.com/kompose-ai/kompose/internal/notify"
	"github.com/kompose-ai/kompose/internal/store"
)

const (
	defaultSessionPageSize = 50
	maxSessionPageSize     = 200
)

// SessionStore is the persistence the session handlers need.
// *store.Store implements it.
type SessionStore interface {
	CreateSession(ctx context.Context, ownerID, title string) (*chat.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*chat.Session, error)
	ListSessions(ctx context.Context, ownerID string, limit, offset int32) ([]*chat.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*chat.Message, error)
}

// sessionHandler serves the session CRUD endpoints.
type sessionHandler struct {
	store     SessionStore
	stopper   Stopper
	publisher Publisher
	logger    log.Logger
}

// requireOwner resolves the path session and checks it belongs to the
// caller. Foreign sessions read as 404, never 403, so ids do not leak
// existence.
func (h *sessionHandler) requireOwner(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	ownerID, ok := ownerIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal-error", "caller identity missing", h.logger)
		return nil, false
	}

	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation-error", "invalid session id", h.logger)
		return nil, false
	}

	sess, err := h.store.GetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not-found", "session not found", h.logger)
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "persistence-error", "failed to load session", h.logger)
		return nil, false
	}
	if sess.OwnerID != ownerID {
		writeError(w, http.StatusNotFound, "not-found", "session not found", h.logger)
		return nil, false
	}
	return sess, true
}

// list returns the caller's sessions, most recently active first.
func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerIDFromContext(r.Context())

	limit := int32(defaultSessionPageSize)
	offset := int32(0)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "validation-error", "limit must be a positive integer", h.logger)
			return
		}
		limit = min(int32(n), maxSessionPageSize)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "validation-error", "offset must be a non-negative integer", h.logger)
			return
		}
		offset = int32(n)
	}

	sessions, err := h.store.ListSessions(r.Context(), ownerID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list sessions", "owner", ownerID, "error", err)
		writeError(w, http.StatusInternalServerError, "persistence-error", "failed to list sessions", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions}, h.logger)
}

// create starts a new session for the caller.
func (h *sessionHandler) create(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := ownerIDFromContext(r.Context())

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation-error", "invalid request body", h.logger)
		return
	}

	sess, err := h.store.CreateSession(r.Context(), ownerID, body.Title)
	if err != nil {
		h.logger.Error("failed to create session", "owner", ownerID, "error", err)
		writeError(w, http.StatusInternalServerError, "persistence-error", "failed to create session", h.logger)
		return
	}

	h.publish(r.Context(), notify.Event{Type: notify.EventSessionCreated, SessionID: sess.ID})
	writeJSON(w, http.StatusCreated, sess, h.logger)
}

// get returns one session.
func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess, h.logger)
}

// messages returns the session's canonical history. A client recovering
// from a missed stream reads this and reconciles with the replay.
func (h *sessionHandler) messages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), sess.ID)
	if err != nil {
		h.logger.Error("failed to list messages", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "persistence-error", "failed to list messages", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"messages":  msgs,
	}, h.logger)
}

// delete removes the session and its messages. An in-flight turn is
// stopped first so its flush cannot resurrect rows mid-delete.
func (h *sessionHandler) delete(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	if err := h.stopper.Stop(sess.ID); err != nil && !errors.Is(err, chat.ErrNoActiveStream) {
		h.logger.Warn("failed to stop turn before delete", "session_id", sess.ID, "error", err)
	}

	if err := h.store.DeleteSession(r.Context(), sess.ID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "not-found", "session not found", h.logger)
			return
		}
		h.logger.Error("failed to delete session", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "persistence-error", "failed to delete session", h.logger)
		return
	}

	h.publish(r.Context(), notify.Event{Type: notify.EventSessionDeleted, SessionID: sess.ID})
	w.WriteHeader(http.StatusNoContent)
}

// publish sends a realtime event, degrading to a log line when the
// broker is unavailable.
func (h *sessionHandler) publish(ctx context.Context, event notify.Event) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Warn("event publish failed",
			"type", event.Type, "session_id", event.SessionID, "error", err)
	}
}
