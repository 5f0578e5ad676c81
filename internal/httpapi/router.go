package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/voicerelay/internal/agent"
	"github.com/lukasbauer/voicerelay/internal/eventlog"
	"github.com/lukasbauer/voicerelay/internal/store"
	"github.com/lukasbauer/voicerelay/internal/stt"
)

type RouterConfig struct {
	// Voice pipeline
	STTDialer  stt.Dialer
	STTOptions stt.Options
	Agent      agent.Responder

	// CloseGrace is how long a closing connection waits for in-flight
	// responses before tearing down STT.
	CloseGrace time.Duration

	// JWT Authentication, disabled when empty
	JWTSecret string
}

// conversationReader serves the history endpoints.
type conversationReader interface {
	ListConversations(ctx context.Context, limit int) ([]store.Conversation, error)
	GetConversation(ctx context.Context, id string) (store.ConversationDetail, error)
}

// turnRecorder records relay connections and their turns.
type turnRecorder interface {
	CreateConversation(ctx context.Context, id, remoteAddr string, startedAt time.Time) error
	EndConversation(ctx context.Context, id string, at time.Time) error
	InsertTurn(ctx context.Context, conversationID string, t store.Turn) error
}

type Router struct {
	cfg           RouterConfig
	logger        *log.Logger
	conversations conversationReader
	history       turnRecorder
	eventLog      *eventlog.Logger
	conns         *ConnRegistry
	mux           *http.ServeMux
}

// NewRouter builds the HTTP handler. s may be nil when no database is
// configured.
func NewRouter(cfg RouterConfig, logger *log.Logger, s *store.Store, eventLog *eventlog.Logger, conns *ConnRegistry) http.Handler {
	return newRouter(cfg, logger, s, eventLog, conns).handler()
}

func newRouter(cfg RouterConfig, logger *log.Logger, s *store.Store, eventLog *eventlog.Logger, conns *ConnRegistry) *Router {
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 2 * time.Second
	}
	if conns == nil {
		conns = NewConnRegistry()
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger,
		eventLog: eventLog,
		conns:    conns,
		mux:      http.NewServeMux(),
	}
	// Keep the interfaces nil rather than holding a nil *store.Store.
	if s != nil {
		r.conversations = s
		r.history = s
	}

	r.routes()
	return r
}

func (r *Router) handler() http.Handler {
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Voice relay (token may be passed as ?token= since browsers cannot set
	// headers on a WebSocket handshake)
	r.mux.HandleFunc("GET /ws/audio", r.withAuth(r.handleRelayWS))

	// Conversation history
	r.mux.HandleFunc("GET /api/conversations", r.withAuth(r.handleListConversations))
	r.mux.HandleFunc("GET /api/conversations/{id}", r.withAuth(r.handleGetConversation))
}

// handleHealth reports 503 once draining starts so load balancers stop
// sending new relay connections during shutdown.
func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.conns.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":             "draining",
			"message":            "Server is shutting down",
			"active_connections": r.conns.ActiveCount(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"message":            "Agent routes are working",
		"active_connections": r.conns.ActiveCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func nowUTC() time.Time { return time.Now().UTC() }

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
