package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kompose-ai/kompose/internal/api"
	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
	"github.com/kompose-ai/kompose/internal/model"
	"github.com/kompose-ai/kompose/internal/notify"
	"github.com/kompose-ai/kompose/internal/orchestrator"
	"github.com/kompose-ai/kompose/internal/relay"
	"github.com/kompose-ai/kompose/internal/retry"
	"github.com/kompose-ai/kompose/internal/testutil"
	"github.com/kompose-ai/kompose/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubEvents is a canned EventSource. Closing the channel ends the SSE
// handler, which keeps the event-feed tests synchronous.
type stubEvents struct {
	ch chan notify.Event
}

func (s *stubEvents) Subscribe() (<-chan notify.Event, func()) {
	return s.ch, func() {}
}

type fixture struct {
	handler http.Handler
	engine  *orchestrator.Engine
	store   *testutil.MemStore
	mock    *testutil.MockModel
	relay   *relay.Relay
	events  *stubEvents
}

func newFixture(t *testing.T, steps ...testutil.MockStep) *fixture {
	t.Helper()

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterCalendarTools(registry, tools.NewMemoryCalendar()))
	require.NoError(t, tools.RegisterTaskTools(registry, tools.NewMemoryTasks()))

	memStore := testutil.NewMemStore()
	mock := testutil.NewMockModel(steps...)
	publisher := testutil.NewMemPublisher()
	hub := relay.New(relay.Config{GracePeriod: 5 * time.Second}, log.NewNop())
	events := &stubEvents{ch: make(chan notify.Event, 16)}

	ctx, cancel := context.WithCancel(context.Background())
	engine := orchestrator.New(ctx, orchestrator.Config{
		MaxSteps:   5,
		FlushRetry: retry.Config{Attempts: 2, Interval: 10 * time.Millisecond},
	}, memStore, registry, hub, mock, publisher, log.NewNop())

	srv, err := api.NewServer(api.ServerConfig{
		Logger:       log.NewNop(),
		Store:        memStore,
		Engine:       engine,
		Relay:        hub,
		Events:       events,
		Publisher:    publisher,
		CookieSecret: []byte(strings.Repeat("s", 32)),
		IsDev:        true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		engine.Wait()
		hub.Shutdown()
	})
	return &fixture{
		handler: srv.Handler(),
		engine:  engine,
		store:   memStore,
		mock:    mock,
		relay:   hub,
		events:  events,
	}
}

// do runs one request through the full handler stack.
func (f *fixture) do(method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// createSession provisions an owner identity and a session through the
// API, returning both so later requests act as the same caller.
func createSession(t *testing.T, f *fixture, title string) (*chat.Session, []*http.Cookie) {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/sessions", fmt.Sprintf(`{"title":%q}`, title), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sess chat.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies, "owner cookie should be provisioned")
	return &sess, cookies
}

type sseEvent struct {
	name string
	data json.RawMessage
}

// parseSSE splits an SSE body into its event frames, skipping comments.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, frame := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(frame, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = name
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = json.RawMessage(data)
			}
		}
		if ev.name != "" {
			out = append(out, ev)
		}
	}
	return out
}

func eventNames(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.name
	}
	return out
}

func streamBody(sessionID uuid.UUID, text string) string {
	return fmt.Sprintf(`{"sessionId":%q,"messages":[{"sessionId":%q,"role":"user","parts":[{"type":"text","text":%q}]}]}`,
		sessionID, sessionID, text)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	sess, cookies := createSession(t, f, "Planning")
	assert.NotEqual(t, uuid.Nil, sess.ID)
	assert.Equal(t, "Planning", sess.Title)

	rec := f.do(http.MethodGet, "/api/v1/sessions", "", cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Sessions []*chat.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, sess.ID, listed.Sessions[0].ID)

	rec = f.do(http.MethodGet, "/api/v1/sessions/"+sess.ID.String(), "", cookies)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/sessions/"+sess.ID.String()+"/messages", "", cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Messages []*chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Empty(t, msgs.Messages)

	rec = f.do(http.MethodDelete, "/api/v1/sessions/"+sess.ID.String(), "", cookies)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/sessions/"+sess.ID.String(), "", cookies)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionOwnershipIsolation(t *testing.T) {
	f := newFixture(t)
	sess, _ := createSession(t, f, "Mine")

	// A different caller gets a fresh identity and sees nothing.
	rec := f.do(http.MethodGet, "/api/v1/sessions/"+sess.ID.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/sessions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Sessions []*chat.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed.Sessions)

	rec = f.do(http.MethodDelete, "/api/v1/sessions/"+sess.ID.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatStream_TextTurn(t *testing.T) {
	f := newFixture(t, testutil.MockStep{
		Deltas: []model.Delta{{Text: "Hello, "}, {Text: "there."}},
	})
	sess, cookies := createSession(t, f, "")

	rec := f.do(http.MethodPost, "/api/v1/chat/stream", streamBody(sess.ID, "hi"), cookies)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"text-delta", "text-delta", "finish"}, eventNames(events))

	var finish chat.StreamChunk
	require.NoError(t, json.Unmarshal(events[len(events)-1].data, &finish))
	assert.Equal(t, chat.FinishStop, finish.FinishReason)

	// Both the user message and the assistant reply landed in history.
	rec = f.do(http.MethodGet, "/api/v1/sessions/"+sess.ID.String()+"/messages", "", cookies)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Messages []*chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, chat.RoleUser, msgs.Messages[0].Role)
	assert.Equal(t, chat.RoleAssistant, msgs.Messages[1].Role)
	assert.Equal(t, "Hello, there.", msgs.Messages[1].Content())
}

func TestChatStream_Validation(t *testing.T) {
	f := newFixture(t)
	sess, cookies := createSession(t, f, "")

	rec := f.do(http.MethodPost, "/api/v1/chat/stream", "{not json", cookies)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/chat/stream", streamBody(uuid.New(), "hi"), cookies)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A fresh turn must end with a user message.
	body := fmt.Sprintf(`{"sessionId":%q,"messages":[{"sessionId":%q,"role":"assistant","parts":[]}]}`,
		sess.ID, sess.ID)
	rec = f.do(http.MethodPost, "/api/v1/chat/stream", body, cookies)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation-error")
}

func TestChatStream_ConflictWhileTurnRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, testutil.MockStep{
		OnGenerate: func(*model.Request) {
			close(started)
			<-release
		},
	})
	sess, cookies := createSession(t, f, "")
	defer close(release)

	_, err := f.engine.StartTurn(context.Background(), orchestrator.TurnRequest{
		SessionID: sess.ID,
		Messages:  []*chat.Message{chat.NewUserMessage(sess.ID, chat.NewTextPart("first"))},
	})
	require.NoError(t, err)
	<-started

	rec := f.do(http.MethodPost, "/api/v1/chat/stream", streamBody(sess.ID, "second"), cookies)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "stream-active")
}

func TestReconnect_ReplaysFromLastSeq(t *testing.T) {
	f := newFixture(t, testutil.MockStep{
		Deltas: []model.Delta{{Text: "thinking about it"}},
		Response: &model.Response{
			Text: "thinking about it",
			ToolRequests: []model.ToolRequest{{
				Ref:   "call-1",
				Name:  "delete_task",
				Input: json.RawMessage(fmt.Sprintf(`{"id":%q}`, uuid.New())),
			}},
		},
	})
	sess, cookies := createSession(t, f, "")

	rec := f.do(http.MethodPost, "/api/v1/chat/stream", streamBody(sess.ID, "drop that task"), cookies)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"text-delta", "tool-call", "approval-requested", "finish"}, eventNames(events))

	// The stream is inside its grace period; a reconnect from seq 1
	// replays everything after the first chunk.
	rec = f.do(http.MethodGet,
		fmt.Sprintf("/api/v1/chat/reconnect?session_id=%s&last_seq=1", sess.ID), "", cookies)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replayed := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"tool-call", "approval-requested", "finish"}, eventNames(replayed))

	var first chat.StreamChunk
	require.NoError(t, json.Unmarshal(replayed[0].data, &first))
	assert.Equal(t, uint64(2), first.Seq)
}

func TestReconnect_NoActiveStream(t *testing.T) {
	f := newFixture(t)
	sess, cookies := createSession(t, f, "")

	rec := f.do(http.MethodGet, "/api/v1/chat/reconnect?session_id="+sess.ID.String(), "", cookies)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no-active-stream")
}

func TestStop(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, testutil.MockStep{
		OnGenerate: func(*model.Request) {
			close(started)
			<-release
		},
	})
	sess, cookies := createSession(t, f, "")

	body := fmt.Sprintf(`{"sessionId":%q}`, sess.ID)

	rec := f.do(http.MethodPost, "/api/v1/chat/stop", body, cookies)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	handle, err := f.engine.StartTurn(context.Background(), orchestrator.TurnRequest{
		SessionID: sess.ID,
		Messages:  []*chat.Message{chat.NewUserMessage(sess.ID, chat.NewTextPart("go"))},
	})
	require.NoError(t, err)
	<-started

	rec = f.do(http.MethodPost, "/api/v1/chat/stop", body, cookies)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	close(release)

	sub := handle.Stream.Subscribe(0)
	defer handle.Stream.Unsubscribe(sub)
	var last chat.StreamChunk
	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case c, ok := <-sub.Chunks():
			if !ok {
				open = false
				break
			}
			last = c
		case <-timeout:
			t.Fatal("stream did not terminate after stop")
		}
	}
	assert.Equal(t, chat.FinishCanceled, last.FinishReason)
}

func TestEventsStream_FiltersBySession(t *testing.T) {
	f := newFixture(t)
	sess, cookies := createSession(t, f, "")

	f.events.ch <- notify.Event{Type: notify.EventMessageAppended, SessionID: sess.ID}
	f.events.ch <- notify.Event{Type: notify.EventStreamStarted, SessionID: uuid.New()}
	f.events.ch <- notify.Event{Type: notify.EventStreamFinished, SessionID: sess.ID}
	close(f.events.ch)

	rec := f.do(http.MethodGet, "/api/v1/events?session_id="+sess.ID.String(), "", cookies)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	events := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"message-appended", "stream-finished"}, eventNames(events))
}

func TestRateLimit(t *testing.T) {
	memStore := testutil.NewMemStore()
	hub := relay.New(relay.Config{}, log.NewNop())
	t.Cleanup(hub.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	registry := tools.NewRegistry()
	engine := orchestrator.New(ctx, orchestrator.Config{}, memStore, registry,
		hub, testutil.NewMockModel(), testutil.NewMemPublisher(), log.NewNop())
	t.Cleanup(func() {
		cancel()
		engine.Wait()
	})

	srv, err := api.NewServer(api.ServerConfig{
		Logger:       log.NewNop(),
		Store:        memStore,
		Engine:       engine,
		Relay:        hub,
		Events:       &stubEvents{ch: make(chan notify.Event)},
		CookieSecret: []byte(strings.Repeat("s", 32)),
		IsDev:        true,
		RateBurst:    2,
	})
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
