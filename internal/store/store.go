package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("not found")

const (
	SpeakerUser  = "user"
	SpeakerAgent = "agent"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Conversation is one relay connection.
type Conversation struct {
	ID         string     `json:"id"`
	RemoteAddr string     `json:"remote_addr"`
	Subject    string     `json:"subject"` // first thing the user said
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	TurnCount  int        `json:"turn_count"`
}

// Turn is one final transcript or one agent response.
type Turn struct {
	Sequence   int       `json:"sequence"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Confidence *float64  `json:"confidence,omitempty"`
	AudioBytes int       `json:"audio_bytes"`
	MIMEType   *string   `json:"mime_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ConversationDetail struct {
	Conversation
	Turns []Turn `json:"turns"`
}

func (s *Store) CreateConversation(ctx context.Context, id, remoteAddr string, startedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, remote_addr, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, remoteAddr, startedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Store) EndConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET ended_at = COALESCE(ended_at, $2)
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	return nil
}

// InsertTurn records a turn. The first user turn also becomes the
// conversation subject.
func (s *Store) InsertTurn(ctx context.Context, conversationID string, t Turn) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_turns (conversation_id, sequence, speaker, text, confidence, audio_bytes, mime_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, conversationID, t.Sequence, t.Speaker, t.Text, t.Confidence, t.AudioBytes, t.MIMEType)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	if t.Speaker == SpeakerUser {
		_, err = tx.Exec(ctx, `
			UPDATE conversations SET subject = $2
			WHERE id = $1 AND subject = ''
		`, conversationID, t.Text)
		if err != nil {
			return fmt.Errorf("set subject: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.remote_addr, c.subject, c.started_at, c.ended_at,
		       (SELECT count(*) FROM conversation_turns t WHERE t.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.RemoteAddr, &c.Subject, &c.StartedAt, &c.EndedAt, &c.TurnCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetConversation(ctx context.Context, id string) (ConversationDetail, error) {
	var out ConversationDetail
	err := s.db.QueryRow(ctx, `
		SELECT id, remote_addr, subject, started_at, ended_at
		FROM conversations
		WHERE id = $1
	`, id).Scan(&out.ID, &out.RemoteAddr, &out.Subject, &out.StartedAt, &out.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, ErrNotFound
	}
	if err != nil {
		return out, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT sequence, speaker, text, confidence, audio_bytes, mime_type, created_at
		FROM conversation_turns
		WHERE conversation_id = $1
		ORDER BY sequence ASC
	`, id)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	out.Turns = []Turn{}
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Sequence, &t.Speaker, &t.Text, &t.Confidence, &t.AudioBytes, &t.MIMEType, &t.CreatedAt); err != nil {
			return out, err
		}
		out.Turns = append(out.Turns, t)
	}
	out.TurnCount = len(out.Turns)
	return out, rows.Err()
}
