// Package orchestrator runs the tool loop at the center of the chat
// engine. A turn claims its session's active-stream marker, streams model
// output through the relay, executes tool calls (suspending for approval
// on destructive ones) and lands exactly one assistant message per turn
// in the store, no matter how many round-trips the turn takes.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kompose-ai/kompose/internal/approval"
	"github.com/kompose-ai/kompose/internal/canon"
	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
	"github.com/kompose-ai/kompose/internal/model"
	"github.com/kompose-ai/kompose/internal/notify"
	"github.com/kompose-ai/kompose/internal/relay"
	"github.com/kompose-ai/kompose/internal/retry"
	"github.com/kompose-ai/kompose/internal/tools"
)

// DefaultMaxSteps bounds the number of model calls within one turn. A
// model stuck requesting tools forever ends the turn with a
// bounded-steps error instead of looping.
const DefaultMaxSteps = 20

// flushTimeout bounds the detached persistence and cleanup writes that
// run after the turn context is gone.
const flushTimeout = 5 * time.Second

// Store is the persistence the engine needs. *store.Store implements it.
type Store interface {
	GetSession(ctx context.Context, id uuid.UUID) (*chat.Session, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]*chat.Message, error)
	AppendMessage(ctx context.Context, msg *chat.Message) error
	UpsertAssistantMessage(ctx context.Context, msg *chat.Message) error
	MarkActiveStream(ctx context.Context, sessionID uuid.UUID, streamID *uuid.UUID) error
}

// Publisher sends realtime events. *notify.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, event notify.Event) error
}

// Config configures the engine.
type Config struct {
	MaxSteps int
	// SystemPrompt is persisted as a system message on a session's first
	// turn. Empty disables the bootstrap.
	SystemPrompt string
	// ProviderRate limits model calls per second across all turns.
	// Zero disables rate limiting.
	ProviderRate  float64
	ProviderBurst int
	Circuit       CircuitBreakerConfig
	FlushRetry    retry.Config
}

// Decision is the client's answer to a pending approval.
type Decision struct {
	ToolCallID string
	Approved   bool
	Reason     string
}

// TurnRequest starts or resumes a turn.
type TurnRequest struct {
	SessionID uuid.UUID
	// TurnID is Nil for a fresh turn and the suspended turn's id on an
	// approval resume.
	TurnID   uuid.UUID
	Messages []*chat.Message
	Approval *Decision
}

// TurnHandle identifies a running turn and exposes its relay stream.
type TurnHandle struct {
	TurnID   uuid.UUID
	StreamID uuid.UUID
	Stream   *relay.Stream
}

// Engine is the tool loop orchestrator.
type Engine struct {
	store     Store
	registry  *tools.Registry
	gate      *approval.Gate
	relay     *relay.Relay
	client    model.Client
	publisher Publisher
	logger    log.Logger

	maxSteps     int
	systemPrompt string
	limiter      *rate.Limiter
	circuit      *CircuitBreaker
	flushRetry   retry.Config
	tracer       trace.Tracer

	// baseCtx outlives individual requests: generation continues after
	// the submitting connection drops.
	baseCtx context.Context

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc // session id -> turn cancel
	wg     sync.WaitGroup
}

// New creates an Engine. baseCtx bounds the lifetime of all turns; cancel
// it on shutdown.
func New(baseCtx context.Context, cfg Config, store Store, registry *tools.Registry, r *relay.Relay, client model.Client, publisher Publisher, logger log.Logger) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.FlushRetry.Attempts <= 0 {
		cfg.FlushRetry = retry.DefaultFlush
	}
	var limiter *rate.Limiter
	if cfg.ProviderRate > 0 {
		burst := cfg.ProviderBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ProviderRate), burst)
	}
	return &Engine{
		store:        store,
		registry:     registry,
		gate:         approval.New(registry, logger),
		relay:        r,
		client:       client,
		publisher:    publisher,
		logger:       logger,
		maxSteps:     cfg.MaxSteps,
		systemPrompt: cfg.SystemPrompt,
		limiter:      limiter,
		circuit:      NewCircuitBreaker(cfg.Circuit),
		flushRetry:   cfg.FlushRetry,
		tracer:       otel.Tracer("kompose/orchestrator"),
		baseCtx:      baseCtx,
		active:       make(map[uuid.UUID]context.CancelFunc),
	}
}

// StartTurn validates the request, claims the session's stream marker and
// starts the turn in the background. The returned handle's stream carries
// the turn's output; the caller subscribes and forwards it to the client.
func (e *Engine) StartTurn(ctx context.Context, req TurnRequest) (*TurnHandle, error) {
	if err := canon.Validate(req.Messages); err != nil {
		return nil, err
	}

	session, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	resume := req.TurnID != uuid.Nil
	turnID := req.TurnID
	if !resume {
		turnID = uuid.New()
		last := req.Messages[len(req.Messages)-1]
		if last.Role != chat.RoleUser {
			return nil, &chat.ValidationError{
				Index:  len(req.Messages) - 1,
				Reason: "a fresh turn must end with a user message",
			}
		}
	} else if req.Approval == nil {
		return nil, &chat.ValidationError{Index: -1, Reason: "resuming a turn requires an approval decision"}
	}

	streamID := uuid.New()
	if err := e.store.MarkActiveStream(ctx, session.ID, &streamID); err != nil {
		return nil, err
	}

	// Fresh turns persist the submitted user message before generation so
	// reconnecting clients see it regardless of how the turn ends. A
	// session's very first turn also lands the system prompt.
	if !resume {
		if err := e.bootstrapSystemMessage(ctx, session.ID); err != nil {
			e.clearStreamMarker(session.ID)
			return nil, err
		}
		userMsg := req.Messages[len(req.Messages)-1].Clone()
		userMsg.SessionID = session.ID
		if err := e.store.AppendMessage(ctx, userMsg); err != nil {
			e.clearStreamMarker(session.ID)
			return nil, fmt.Errorf("%w: persist user message: %v", chat.ErrPersistence, err)
		}
		e.publishEvent(notify.Event{Type: notify.EventMessageAppended, SessionID: session.ID})
	}

	stream, err := e.relay.Open(session.ID, turnID, streamID)
	if err != nil {
		e.clearStreamMarker(session.ID)
		return nil, err
	}

	turnCtx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.active[session.ID] = cancel
	e.mu.Unlock()

	e.publishEvent(notify.Event{Type: notify.EventStreamStarted, SessionID: session.ID})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.active, session.ID)
			e.mu.Unlock()
		}()
		e.run(turnCtx, session.ID, turnID, stream, req)
	}()

	return &TurnHandle{TurnID: turnID, StreamID: streamID, Stream: stream}, nil
}

// Stop cancels the session's in-flight turn. The turn finishes with a
// canceled reason and its partial assistant message is persisted. Returns
// chat.ErrNoActiveStream when nothing is running.
func (e *Engine) Stop(sessionID uuid.UUID) error {
	e.mu.Lock()
	cancel, ok := e.active[sessionID]
	e.mu.Unlock()
	if !ok {
		return chat.ErrNoActiveStream
	}
	cancel()
	return nil
}

// Wait blocks until every running turn has finished. Used on shutdown
// after cancelling the base context.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// run executes one turn end to end.
func (e *Engine) run(ctx context.Context, sessionID, turnID uuid.UUID, stream *relay.Stream, req TurnRequest) {
	ctx, span := e.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.String("turn.id", turnID.String()),
		attribute.Bool("turn.resume", req.TurnID != uuid.Nil),
	))
	defer span.End()
	defer e.clearStreamMarker(sessionID)
	defer e.publishEvent(notify.Event{Type: notify.EventStreamFinished, SessionID: sessionID})

	assistant, history, err := e.prepare(ctx, sessionID, turnID, req)
	if err != nil {
		e.fail(span, stream, assistant, err)
		return
	}

	// An approval resume settles the pending decision, and any already
	// approved invocations execute, before the model is called again.
	if req.Approval != nil {
		if err := e.applyDecision(ctx, stream, assistant, req.Approval); err != nil {
			e.fail(span, stream, assistant, err)
			return
		}
		if done, err := e.settleInvocations(ctx, stream, assistant); err != nil {
			e.fail(span, stream, assistant, err)
			return
		} else if done {
			// Suspended again on another pending approval.
			e.flushAndSuspend(ctx, span, stream, assistant, sessionID)
			return
		}
		if err := e.flush(ctx, assistant); err != nil {
			e.fail(span, stream, assistant, err)
			return
		}
	}

	for step := 1; step <= e.maxSteps; step++ {
		span.AddEvent("model step", trace.WithAttributes(attribute.Int("step", step)))

		resp, err := e.generate(ctx, stream, assistant, history)
		if err != nil {
			e.fail(span, stream, assistant, err)
			return
		}

		if len(resp.ToolRequests) == 0 {
			if err := e.flush(ctx, assistant); err != nil {
				e.fail(span, stream, assistant, err)
				return
			}
			stream.Publish(chat.StreamChunk{
				Type:         chat.ChunkFinish,
				MessageID:    assistant.ID,
				FinishReason: chat.FinishStop,
			})
			e.publishEvent(notify.Event{Type: notify.EventMessageAppended, SessionID: sessionID})
			span.SetStatus(codes.Ok, "")
			return
		}

		for _, tr := range resp.ToolRequests {
			inv := &chat.ToolInvocation{
				ToolCallID: tr.Ref,
				ToolName:   tr.Name,
				Input:      tr.Input,
				State:      chat.StateInputAvailable,
			}
			assistant.Parts = append(assistant.Parts, chat.NewToolInvocationPart(inv))
			stream.Publish(chat.StreamChunk{
				Type:       chat.ChunkToolCall,
				MessageID:  assistant.ID,
				Invocation: inv.Clone(),
			})
		}

		if suspended, err := e.settleInvocations(ctx, stream, assistant); err != nil {
			e.fail(span, stream, assistant, err)
			return
		} else if suspended {
			e.flushAndSuspend(ctx, span, stream, assistant, sessionID)
			return
		}

		// Checkpoint the step so a crash loses at most one tool round.
		if err := e.flush(ctx, assistant); err != nil {
			e.fail(span, stream, assistant, err)
			return
		}
	}

	// Step budget spent.
	if err := e.flush(ctx, assistant); err != nil {
		e.fail(span, stream, assistant, err)
		return
	}
	e.logger.Warn("turn exceeded step budget",
		"session_id", sessionID, "turn_id", turnID, "max_steps", e.maxSteps)
	span.SetStatus(codes.Error, chat.ErrBoundedSteps.Error())
	stream.Publish(chat.StreamChunk{
		Type:         chat.ChunkError,
		MessageID:    assistant.ID,
		ErrorCode:    errorCode(chat.ErrBoundedSteps),
		ErrorMessage: chat.ErrBoundedSteps.Error(),
	})
	e.publishEvent(notify.Event{Type: notify.EventMessageAppended, SessionID: sessionID})
}

// bootstrapSystemMessage persists the configured system prompt on a
// session that has no messages yet.
func (e *Engine) bootstrapSystemMessage(ctx context.Context, sessionID uuid.UUID) error {
	if e.systemPrompt == "" {
		return nil
	}
	stored, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: load history: %v", chat.ErrPersistence, err)
	}
	if len(stored) > 0 {
		return nil
	}
	if err := e.store.AppendMessage(ctx, chat.NewSystemMessage(sessionID, e.systemPrompt)); err != nil {
		return fmt.Errorf("%w: persist system message: %v", chat.ErrPersistence, err)
	}
	return nil
}

// prepare builds the canonical context and the turn's assistant message.
// The returned history slice ends with the assistant message, so tool
// results written into it are visible to subsequent model steps.
func (e *Engine) prepare(ctx context.Context, sessionID, turnID uuid.UUID, req TurnRequest) (*chat.Message, []*chat.Message, error) {
	stored, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load history: %v", chat.ErrPersistence, err)
	}

	history := canon.BuildContext(stored, req.Messages, req.TurnID)

	var assistant *chat.Message
	if n := len(history); req.TurnID != uuid.Nil && n > 0 &&
		history[n-1].Role == chat.RoleAssistant && history[n-1].TurnID == req.TurnID {
		assistant = history[n-1]
	} else {
		assistant = chat.NewAssistantMessage(sessionID, turnID)
		history = append(history, assistant)
	}
	return assistant, history, nil
}

// generate runs one guarded model call, streaming deltas to the relay and
// appending the step's output parts to the assistant message.
func (e *Engine) generate(ctx context.Context, stream *relay.Stream, assistant *chat.Message, history []*chat.Message) (*model.Response, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := e.circuit.Allow(); err != nil {
		return nil, err
	}

	var textBuf, reasoningBuf strings.Builder
	onDelta := func(d model.Delta) error {
		if d.Reasoning {
			reasoningBuf.WriteString(d.Text)
			stream.Publish(chat.StreamChunk{
				Type:      chat.ChunkReasoningDelta,
				MessageID: assistant.ID,
				Text:      d.Text,
			})
			return nil
		}
		textBuf.WriteString(d.Text)
		stream.Publish(chat.StreamChunk{
			Type:      chat.ChunkTextDelta,
			MessageID: assistant.ID,
			Text:      d.Text,
		})
		return nil
	}

	resp, err := e.client.Generate(ctx, &model.Request{Messages: history, Tools: e.registry.Specs()}, onDelta)
	if err != nil {
		if ctx.Err() == nil {
			e.circuit.Failure()
		}
		// Deltas already relayed to the client must survive in the
		// stored row. Attach whatever streamed before the call died so
		// the failure flush preserves it.
		appendBuffered(assistant, &reasoningBuf, &textBuf)
		return nil, err
	}
	e.circuit.Success()

	if resp.Text != "" {
		textBuf.Reset()
		textBuf.WriteString(resp.Text)
	}
	appendBuffered(assistant, &reasoningBuf, &textBuf)
	return resp, nil
}

// appendBuffered moves accumulated reasoning and text deltas onto the
// assistant message as parts.
func appendBuffered(assistant *chat.Message, reasoningBuf, textBuf *strings.Builder) {
	if reasoningBuf.Len() > 0 {
		assistant.Parts = append(assistant.Parts, chat.NewReasoningPart(reasoningBuf.String()))
	}
	if textBuf.Len() > 0 {
		assistant.Parts = append(assistant.Parts, chat.NewTextPart(textBuf.String()))
	}
}

// applyDecision resolves the pending invocation named by the decision.
func (e *Engine) applyDecision(ctx context.Context, stream *relay.Stream, assistant *chat.Message, decision *Decision) error {
	inv := assistant.Invocation(decision.ToolCallID)
	if inv == nil {
		return &chat.ValidationError{Index: -1, Reason: fmt.Sprintf("no invocation %s on this turn", decision.ToolCallID)}
	}
	return e.gate.Resolve(inv, chat.Approval{Approved: decision.Approved, Reason: decision.Reason})
}

// settleInvocations drives every non-terminal invocation on the assistant
// message forward: responded ones execute or are denied, auto-approved
// ones execute, and the first one needing a decision suspends the turn.
// Returns true when the turn suspended.
func (e *Engine) settleInvocations(ctx context.Context, stream *relay.Stream, assistant *chat.Message) (bool, error) {
	for i := range assistant.Parts {
		if assistant.Parts[i].Type != chat.PartToolInvocation {
			continue
		}
		inv := assistant.Parts[i].Invocation

		switch inv.State {
		case chat.StateApprovalResponded:
			if inv.Approval != nil && !inv.Approval.Approved {
				if err := e.gate.Deny(inv); err != nil {
					return false, err
				}
				stream.Publish(chat.StreamChunk{
					Type:       chat.ChunkToolResult,
					MessageID:  assistant.ID,
					Invocation: inv.Clone(),
				})
				continue
			}
			e.execute(ctx, stream, assistant, inv)

		case chat.StateInputAvailable:
			if e.gate.Required(inv) {
				if err := e.gate.Request(inv); err != nil {
					return false, err
				}
				stream.Publish(chat.StreamChunk{
					Type:       chat.ChunkApprovalRequested,
					MessageID:  assistant.ID,
					Invocation: inv.Clone(),
				})
				return true, nil
			}
			e.execute(ctx, stream, assistant, inv)
		}

		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	return false, nil
}

// execute runs the tool and records its outcome on the invocation. Tool
// failures land in the message as output-error; the model sees them and
// the turn continues.
func (e *Engine) execute(ctx context.Context, stream *relay.Stream, assistant *chat.Message, inv *chat.ToolInvocation) {
	def, ok := e.registry.Lookup(inv.ToolName)

	var output []byte
	var err error
	if !ok {
		err = fmt.Errorf("unknown tool %s", inv.ToolName)
	} else {
		output, err = def.Handler(ctx, inv.Input)
	}

	if err != nil {
		inv.Output = mustJSON(map[string]string{"error": err.Error()})
		if terr := inv.Transition(chat.StateOutputError); terr != nil {
			e.logger.Error("invocation state corrupt", "tool_call_id", inv.ToolCallID, "error", terr)
		}
		e.logger.Warn("tool execution failed",
			"tool_name", inv.ToolName, "tool_call_id", inv.ToolCallID, "error", err)
	} else {
		inv.Output = output
		if terr := inv.Transition(chat.StateOutputAvailable); terr != nil {
			e.logger.Error("invocation state corrupt", "tool_call_id", inv.ToolCallID, "error", terr)
		}
	}

	stream.Publish(chat.StreamChunk{
		Type:       chat.ChunkToolResult,
		MessageID:  assistant.ID,
		Invocation: inv.Clone(),
	})
}

// flush upserts the assistant message, retrying once on transient
// failure. The turn-keyed upsert makes the retry idempotent.
func (e *Engine) flush(ctx context.Context, assistant *chat.Message) error {
	assistant.Parts = mergeTextParts(assistant.Parts)
	err := retry.Do(ctx, e.flushRetry, func(ctx context.Context) error {
		return e.store.UpsertAssistantMessage(ctx, assistant)
	})
	if err != nil {
		return fmt.Errorf("%w: flush assistant message: %v", chat.ErrPersistence, err)
	}
	return nil
}

// flushAndSuspend persists the suspended turn, releases the stream marker
// and finishes the stream with awaiting-approval. The client resumes with
// the turn id and its decision.
func (e *Engine) flushAndSuspend(ctx context.Context, span trace.Span, stream *relay.Stream, assistant *chat.Message, sessionID uuid.UUID) {
	if err := e.flush(ctx, assistant); err != nil {
		e.fail(span, stream, assistant, err)
		return
	}
	e.publishEvent(notify.Event{Type: notify.EventApprovalRequested, SessionID: sessionID})
	span.SetStatus(codes.Ok, "suspended awaiting approval")
	stream.Publish(chat.StreamChunk{
		Type:         chat.ChunkFinish,
		MessageID:    assistant.ID,
		FinishReason: chat.FinishAwaitingApproval,
	})
}

// fail ends the turn on an error, persisting whatever the turn produced.
// Cancellation is a clean finish, not an error chunk.
func (e *Engine) fail(span trace.Span, stream *relay.Stream, assistant *chat.Message, err error) {
	// The turn context is gone either way; flush with a fresh one.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(e.baseCtx), flushTimeout)
	defer cancel()

	var messageID uuid.UUID
	if assistant != nil && len(assistant.Parts) > 0 {
		if ferr := e.flush(flushCtx, assistant); ferr != nil {
			e.logger.Error("failed to persist partial turn", "error", ferr)
		}
		messageID = assistant.ID
	}

	if errors.Is(err, context.Canceled) {
		span.SetStatus(codes.Ok, "canceled")
		stream.Publish(chat.StreamChunk{
			Type:         chat.ChunkFinish,
			MessageID:    messageID,
			FinishReason: chat.FinishCanceled,
		})
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("turn failed", "error", err)
	stream.Publish(chat.StreamChunk{
		Type:         chat.ChunkError,
		MessageID:    messageID,
		ErrorCode:    errorCode(err),
		ErrorMessage: err.Error(),
	})
}

func (e *Engine) clearStreamMarker(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.baseCtx), flushTimeout)
	defer cancel()
	if err := e.store.MarkActiveStream(ctx, sessionID, nil); err != nil {
		e.logger.Error("failed to clear active stream marker",
			"session_id", sessionID, "error", err)
	}
}

// publishEvent sends a realtime event, degrading to a log line when the
// broker is unavailable.
func (e *Engine) publishEvent(event notify.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.baseCtx), flushTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("event publish failed",
			"type", event.Type, "session_id", event.SessionID, "error", err)
	}
}

// errorCode maps the error taxonomy to wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return "validation-error"
	case errors.Is(err, chat.ErrInvalidTransition):
		return "invalid-transition"
	case errors.Is(err, chat.ErrPersistence):
		return "persistence-error"
	case errors.Is(err, chat.ErrBrokerUnavailable):
		return "broker-unavailable"
	case errors.Is(err, chat.ErrBoundedSteps):
		return "bounded-steps"
	case errors.Is(err, chat.ErrProvider):
		return "provider-error"
	default:
		return "internal-error"
	}
}

// mergeTextParts collapses adjacent text parts produced by consecutive
// model steps so the stored message mirrors what the client rendered.
func mergeTextParts(parts []chat.Part) []chat.Part {
	out := parts[:0]
	for _, p := range parts {
		if p.Type == chat.PartText && len(out) > 0 && out[len(out)-1].Type == chat.PartText {
			out[len(out)-1].Text += p.Text
			continue
		}
		out = append(out, p)
	}
	return out
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
