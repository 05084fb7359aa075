package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
	"github.com/kompose-ai/kompose/internal/notify"
	"github.com/kompose-ai/kompose/internal/orchestrator"
	"github.com/kompose-ai/kompose/internal/relay"
	"github.com/kompose-ai/kompose/internal/retry"
	"github.com/kompose-ai/kompose/internal/sse"
	"github.com/kompose-ai/kompose/internal/store"
)

// maxStreamBodyBytes caps the turn request body. Message history plus
// attachments as data URLs fit comfortably; anything larger is abuse.
const maxStreamBodyBytes = 4 << 20

// eventKeepaliveInterval spaces SSE comment frames on the realtime event
// stream so idle connections survive proxies with read timeouts.
const eventKeepaliveInterval = 30 * time.Second

// reconnectRetry absorbs the race between a stream-started event reaching
// a sibling device and the relay finishing stream registration.
var reconnectRetry = retry.Config{Attempts: 5, Interval: 100 * time.Millisecond}

// Engine starts and stops turns. *orchestrator.Engine implements it.
type Engine interface {
	StartTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnHandle, error)
	Stop(sessionID uuid.UUID) error
}

// Stopper is the subset of Engine the session handlers need.
type Stopper interface {
	Stop(sessionID uuid.UUID) error
}

// Publisher sends realtime events. *notify.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, event notify.Event) error
}

// EventSource delivers broker events to in-process subscribers.
// *notify.Listener implements it.
type EventSource interface {
	Subscribe() (<-chan notify.Event, func())
}

// chatHandler serves the streaming chat endpoints.
type chatHandler struct {
	store  SessionStore
	engine Engine
	relay  *relay.Relay
	events EventSource
	logger log.Logger
}

// approvalDecision is the client's answer to a pending approval.
type approvalDecision struct {
	ToolCallID string `json:"toolCallId"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// streamRequest is the POST /chat/stream body. TurnID and Approval are
// set together when resuming a turn suspended for approval.
type streamRequest struct {
	SessionID uuid.UUID         `json:"sessionId"`
	TurnID    uuid.UUID         `json:"turnId,omitzero"`
	Messages  []*chat.Message   `json:"messages"`
	Approval  *approvalDecision `json:"approval,omitempty"`
}

// stream starts or resumes a turn and relays its chunks over SSE. The
// client dropping the connection does not stop the turn; it reconnects
// with the last sequence it saw and replays the rest.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStreamBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation-error", "invalid request body", h.logger)
		return
	}

	sess, ok := h.ownedSession(w, r, req.SessionID)
	if !ok {
		return
	}

	turnReq := orchestrator.TurnRequest{
		SessionID: sess.ID,
		TurnID:    req.TurnID,
		Messages:  req.Messages,
	}
	if req.Approval != nil {
		turnReq.Approval = &orchestrator.Decision{
			ToolCallID: req.Approval.ToolCallID,
			Approved:   req.Approval.Approved,
			Reason:     req.Approval.Reason,
		}
	}

	handle, err := h.engine.StartTurn(r.Context(), turnReq)
	if err != nil {
		h.writeStartError(w, err)
		return
	}

	sub := handle.Stream.Subscribe(0)
	defer handle.Stream.Unsubscribe(sub)

	h.relayChunks(w, r, sub)
}

// reconnect re-attaches to the session's stream, replaying every chunk
// after last_seq. 404 with no-active-stream means the turn is gone; the
// client falls back to canonical history.
func (h *chatHandler) reconnect(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation-error", "invalid session_id", h.logger)
		return
	}

	var lastSeq uint64
	if v := r.URL.Query().Get("last_seq"); v != "" {
		lastSeq, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation-error", "invalid last_seq", h.logger)
			return
		}
	}

	sess, ok := h.ownedSession(w, r, sessionID)
	if !ok {
		return
	}

	stream, found := h.relay.ActiveForSession(sessionID)
	if !found && sess.ActiveStreamID != nil {
		// The session row says a stream is in flight; give registration a
		// moment before declaring it gone.
		rerr := retry.Do(r.Context(), reconnectRetry, func(context.Context) error {
			stream, found = h.relay.ActiveForSession(sessionID)
			if !found {
				return chat.ErrNoActiveStream
			}
			return nil
		})
		if rerr != nil && r.Context().Err() != nil {
			return
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "no-active-stream", chat.ErrNoActiveStream.Error(), h.logger)
		return
	}

	sub := stream.Subscribe(lastSeq)
	defer stream.Unsubscribe(sub)

	h.relayChunks(w, r, sub)
}

// stop cancels the session's in-flight turn.
func (h *chatHandler) stop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID uuid.UUID `json:"sessionId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation-error", "invalid request body", h.logger)
		return
	}

	if _, ok := h.ownedSession(w, r, body.SessionID); !ok {
		return
	}

	if err := h.engine.Stop(body.SessionID); err != nil {
		if errors.Is(err, chat.ErrNoActiveStream) {
			writeError(w, http.StatusNotFound, "no-active-stream", chat.ErrNoActiveStream.Error(), h.logger)
			return
		}
		h.logger.Error("failed to stop turn", "session_id", body.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal-error", "failed to stop turn", h.logger)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"}, h.logger)
}

// eventsStream forwards broker events over SSE so clients refresh their
// session lists and badges without polling. Events carry only ids; the
// client fetches state through the owner-scoped endpoints, so the feed
// itself discloses nothing.
func (h *chatHandler) eventsStream(w http.ResponseWriter, r *http.Request) {
	var filter uuid.UUID
	if v := r.URL.Query().Get("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation-error", "invalid session_id", h.logger)
			return
		}
		if _, ok := h.ownedSession(w, r, id); !ok {
			return
		}
		filter = id
	}

	events, cancel := h.events.Subscribe()
	defer cancel()

	out, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal-error", err.Error(), h.logger)
		return
	}

	keepalive := time.NewTicker(eventKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := out.WriteComment("keepalive"); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if filter != uuid.Nil && event.SessionID != filter {
				continue
			}
			if err := out.WriteEvent(string(event.Type), event); err != nil {
				return
			}
		}
	}
}

// relayChunks forwards stream chunks as SSE until the subscription closes
// or the client goes away.
func (h *chatHandler) relayChunks(w http.ResponseWriter, r *http.Request, sub *relay.Subscription) {
	out, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal-error", err.Error(), h.logger)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			// The turn keeps running; the client reconnects and replays.
			return
		case chunk, ok := <-sub.Chunks():
			if !ok {
				return
			}
			if err := out.WriteEvent(string(chunk.Type), chunk); err != nil {
				h.logger.Debug("client disconnected mid-stream",
					"session_id", chunk.SessionID, "seq", chunk.Seq)
				return
			}
		}
	}
}

// ownedSession loads the session and checks it belongs to the caller.
// Foreign sessions read as 404 so ids do not leak existence.
func (h *chatHandler) ownedSession(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) (*chat.Session, bool) {
	ownerID, ok := ownerIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal-error", "caller identity missing", h.logger)
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

// writeStartError maps a StartTurn failure to its HTTP shape. These all
// fire before the first SSE byte, so a plain JSON error is safe.
func (h *chatHandler) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation-error", err.Error(), h.logger)
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not-found", "session not found", h.logger)
	case errors.Is(err, chat.ErrStreamActive):
		writeError(w, http.StatusConflict, "stream-active", chat.ErrStreamActive.Error(), h.logger)
	case errors.Is(err, chat.ErrPersistence):
		h.logger.Error("turn start failed", "error", err)
		writeError(w, http.StatusInternalServerError, "persistence-error", "failed to start turn", h.logger)
	default:
		h.logger.Error("turn start failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal-error", "failed to start turn", h.logger)
	}
}
