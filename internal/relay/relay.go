// Package relay fans turn output out to SSE connections and replays it to
// late subscribers. Each in-flight turn owns one stream; the producing
// orchestrator publishes chunks, the relay stamps them with a per-stream
// sequence and buffers the whole turn. A client reconnecting with the last
// sequence it saw receives exactly the chunks an uninterrupted connection
// would have, because generation continues server-side while nobody is
// attached.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kompose-ai/kompose/internal/chat"
	"github.com/kompose-ai/kompose/internal/log"
)

const (
	// DefaultGracePeriod is how long a finished stream stays registered so a
	// client that missed the terminal chunk can still replay the turn.
	DefaultGracePeriod = 30 * time.Second

	// DefaultSubscriberBuffer is the live-send channel capacity per
	// subscriber, on top of whatever the replay snapshot needs.
	DefaultSubscriberBuffer = 256

	// maxBufferedChunks caps the replay buffer. Turns are bounded by the
	// step limit, so this is a safety valve, not a working limit; on
	// overflow the oldest chunks are evicted and a reconnect from before
	// the eviction point replays from the earliest retained chunk.
	maxBufferedChunks = 8192
)

// Config holds relay tuning knobs.
type Config struct {
	GracePeriod      time.Duration
	SubscriberBuffer int
}

// Relay is the in-process stream hub. One per process; streams register on
// open and retire a grace period after their terminal chunk.
type Relay struct {
	cfg    Config
	logger log.Logger

	mu        sync.RWMutex
	streams   map[uuid.UUID]*Stream // by stream id
	bySession map[uuid.UUID]*Stream // live stream per session
}

// New returns a Relay with the given configuration. Zero values fall back
// to the package defaults.
func New(cfg Config, logger log.Logger) *Relay {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Relay{
		cfg:       cfg,
		logger:    logger,
		streams:   make(map[uuid.UUID]*Stream),
		bySession: make(map[uuid.UUID]*Stream),
	}
}

// Stream is the relay-side handle for one turn's output.
type Stream struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	TurnID    uuid.UUID

	relay *Relay

	mu       sync.Mutex
	seq      uint64
	buf      []chat.StreamChunk
	evicted  uint64 // seq of the oldest evicted chunk, 0 if none
	subs     map[uint64]*Subscription
	nextSub  uint64
	finished bool
	retire   *time.Timer
}

// Subscription is one attached consumer of a stream.
type Subscription struct {
	id uint64
	ch chan chat.StreamChunk

	closeOnce sync.Once
}

// Chunks returns the subscriber's receive channel. It is closed after the
// stream's terminal chunk has been delivered, or when the subscription is
// cancelled.
func (s *Subscription) Chunks() <-chan chat.StreamChunk {
	return s.ch
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Open registers a new stream for a turn. A session has at most one live
// stream; the caller claims the session's active-stream marker in the store
// before opening, so a second Open for the same session indicates a lost
// race and fails with chat.ErrStreamActive.
func (r *Relay) Open(sessionID, turnID, streamID uuid.UUID) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySession[sessionID]; ok && !existing.isFinished() {
		return nil, chat.ErrStreamActive
	}

	s := &Stream{
		ID:        streamID,
		SessionID: sessionID,
		TurnID:    turnID,
		relay:     r,
		subs:      make(map[uint64]*Subscription),
	}
	r.streams[streamID] = s
	r.bySession[sessionID] = s
	r.logger.Debug("stream opened",
		"stream_id", streamID,
		"session_id", sessionID,
		"turn_id", turnID)
	return s, nil
}

// Lookup returns the stream with the given id if it is still registered,
// including streams inside their post-terminal grace period.
func (r *Relay) Lookup(streamID uuid.UUID) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[streamID]
	return s, ok
}

// ActiveForSession returns the session's current stream, finished or not,
// if one is registered.
func (r *Relay) ActiveForSession(sessionID uuid.UUID) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[sessionID]
	return s, ok
}

// Shutdown retires every stream immediately, closing all subscriptions.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	for _, s := range streams {
		s.retireNow()
	}
}

func (r *Relay) remove(s *Stream) {
	r.mu.Lock()
	delete(r.streams, s.ID)
	if r.bySession[s.SessionID] == s {
		delete(r.bySession, s.SessionID)
	}
	r.mu.Unlock()
	r.logger.Debug("stream retired", "stream_id", s.ID, "session_id", s.SessionID)
}

// Publish stamps the chunk with the next sequence number, buffers it and
// fans it out to the attached subscribers. A terminal chunk finishes the
// stream: subscriber channels are closed after delivery and the stream
// retires once the grace period elapses.
func (s *Stream) Publish(chunk chat.StreamChunk) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}

	s.seq++
	chunk.Seq = s.seq
	chunk.StreamID = s.ID
	chunk.SessionID = s.SessionID
	chunk.TurnID = s.TurnID

	s.buf = append(s.buf, chunk)
	if len(s.buf) > maxBufferedChunks {
		s.evicted = s.buf[0].Seq
		s.buf = s.buf[1:]
	}

	terminal := chunk.Type.Terminal()
	if terminal {
		s.finished = true
	}

	for id, sub := range s.subs {
		select {
		case sub.ch <- chunk:
		default:
			// Slow subscriber. Drop it; the buffer lets it reconnect and
			// replay from its last sequence.
			delete(s.subs, id)
			sub.close()
			s.relay.logger.Warn("subscriber dropped, send buffer full",
				"stream_id", s.ID, "session_id", s.SessionID)
		}
	}

	if terminal {
		for id, sub := range s.subs {
			delete(s.subs, id)
			sub.close()
		}
		s.retire = time.AfterFunc(s.relay.cfg.GracePeriod, func() {
			s.relay.remove(s)
		})
	}
	s.mu.Unlock()
}

// Subscribe attaches a consumer, replaying every buffered chunk with a
// sequence greater than lastSeq before any live chunk. Pass 0 for a fresh
// connection. If the stream already finished, the returned channel delivers
// the replay and is then closed.
func (s *Stream) Subscribe(lastSeq uint64) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snapshot []chat.StreamChunk
	for i := range s.buf {
		if s.buf[i].Seq > lastSeq {
			snapshot = append(snapshot, s.buf[i])
		}
	}

	sub := &Subscription{
		id: s.nextSub,
		ch: make(chan chat.StreamChunk, len(snapshot)+s.relay.cfg.SubscriberBuffer),
	}
	s.nextSub++

	// The channel was sized for the snapshot; these sends cannot block.
	for _, c := range snapshot {
		sub.ch <- c
	}

	if s.finished {
		sub.close()
		return sub
	}

	s.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches the consumer and closes its channel. Safe to call
// after the stream finished.
func (s *Stream) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
	sub.close()
}

// Seq returns the last sequence number published so far.
func (s *Stream) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SubscriberCount returns the number of attached consumers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Stream) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// retireNow finishes the stream without a terminal chunk and removes it
// immediately. Used on shutdown.
func (s *Stream) retireNow() {
	s.mu.Lock()
	s.finished = true
	if s.retire != nil {
		s.retire.Stop()
	}
	for id, sub := range s.subs {
		delete(s.subs, id)
		sub.close()
	}
	s.mu.Unlock()
	s.relay.remove(s)
}
