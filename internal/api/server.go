// Package api exposes the chat engine over HTTP: session CRUD, the SSE
// turn stream with reconnect replay, and the realtime event feed.
package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kompose-ai/kompose/internal/log"
	"github.com/kompose-ai/kompose/internal/relay"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger       log.Logger
	Store        SessionStore  // Required
	Engine       Engine        // Required
	Relay        *relay.Relay  // Required
	Events       EventSource   // Required
	Publisher    Publisher     // Optional: nil disables session CRUD events
	Pool         *pgxpool.Pool // Optional: nil disables pool stats in /ready
	CookieSecret []byte        // Required: 32+ bytes, signs the owner cookie
	CORSOrigins  []string      // Allowed origins for CORS
	IsDev        bool          // Enables HTTP cookies (no Secure flag)
	TrustProxy   bool          // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst    int           // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if cfg.Events == nil {
		return nil, errors.New("event source is required")
	}
	if len(cfg.CookieSecret) < 32 {
		return nil, errors.New("cookie secret must be at least 32 bytes")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	im := &identityManager{
		hmacSecret: cfg.CookieSecret,
		isDev:      cfg.IsDev,
		logger:     logger,
	}

	sh := &sessionHandler{
		store:     cfg.Store,
		stopper:   cfg.Engine,
		publisher: cfg.Publisher,
		logger:    logger,
	}

	ch := &chatHandler{
		store:  cfg.Store,
		engine: cfg.Engine,
		relay:  cfg.Relay,
		events: cfg.Events,
		logger: logger,
	}

	mux := http.NewServeMux()

	// Session CRUD
	mux.HandleFunc("GET /api/v1/sessions", sh.list)
	mux.HandleFunc("POST /api/v1/sessions", sh.create)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.get)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", sh.messages)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.delete)

	// Chat streaming
	mux.HandleFunc("POST /api/v1/chat/stream", ch.stream)
	mux.HandleFunc("GET /api/v1/chat/reconnect", ch.reconnect)
	mux.HandleFunc("POST /api/v1/chat/stop", ch.stop)

	// Realtime events
	mux.HandleFunc("GET /api/v1/events", ch.eventsStream)

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Owner → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers.
	var handler http.Handler = mux
	handler = ownerMiddleware(im)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	isDev := cfg.IsDev
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isDev)
		handler.ServeHTTP(w, r)
	})

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.HandleFunc("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
