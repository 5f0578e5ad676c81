package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of conversation event
type EventType string

const (
	EventConnectionOpened EventType = "connection_opened"
	EventSTTStarted       EventType = "stt_started"
	EventSTTError         EventType = "stt_error"
	EventTranscriptFinal  EventType = "transcript_final"
	EventAgentResponse    EventType = "agent_response"
	EventTTSUnavailable   EventType = "tts_unavailable"
	EventConnectionClosed EventType = "connection_closed"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
	wg sync.WaitGroup
}

// New creates a new event logger. A nil pool makes every call a no-op.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, conversationID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || conversationID == "" {
		return nil // Silently skip if no DB or conversation ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO conversation_events (conversation_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, conversationID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(conversationID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || conversationID == "" {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, conversationID, eventType, data)
	}()
}

// Wait blocks until pending async writes finish. Used at shutdown before the
// pool is closed.
func (l *Logger) Wait() {
	if l == nil {
		return
	}
	l.wg.Wait()
}
