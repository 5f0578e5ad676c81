package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const deepgramSpeakURL = "wss://api.deepgram.com/v1/speak"

// DeepgramConfig holds configuration for Deepgram streaming TTS.
type DeepgramConfig struct {
	APIKey       string
	Model        string        // e.g., "aura-2-thalia-en"
	Encoding     string        // e.g., "linear16"
	SampleRate   int           // e.g., 48000
	BaseURL      string        // overrides the Deepgram endpoint (tests)
	JoinTimeout  time.Duration // bound on waiting for the receiver in Close
	WriteTimeout time.Duration

	// OnAudio, if set, receives every audio frame as it arrives.
	OnAudio func([]byte)
}

// DeepgramDialer opens Deepgram speak sessions.
type DeepgramDialer struct {
	cfg    DeepgramConfig
	logger *log.Logger
	dialer *websocket.Dialer
}

// NewDeepgramDialer creates a dialer, filling in defaults for unset fields.
func NewDeepgramDialer(cfg DeepgramConfig, logger *log.Logger) *DeepgramDialer {
	if cfg.Model == "" {
		cfg.Model = "aura-2-thalia-en"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = deepgramSpeakURL
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &DeepgramDialer{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// MIMEType describes the audio produced by sessions from this dialer.
func (d *DeepgramDialer) MIMEType() string {
	return fmt.Sprintf("audio/%s; rate=%d; channels=1", d.cfg.Encoding, d.cfg.SampleRate)
}

func (d *DeepgramDialer) speakURL() (string, error) {
	u, err := url.Parse(d.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram speak url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	q.Set("encoding", d.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to Deepgram and starts the receiver. There is no retry.
func (d *DeepgramDialer) Dial(ctx context.Context) (Session, error) {
	wsURL, err := d.speakURL()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, _, err := d.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram TTS: %w", err)
	}

	s := &DeepgramSession{
		conn:     conn,
		cfg:      d.cfg,
		mimeType: d.MIMEType(),
		logger:   d.logger,
		stop:     make(chan struct{}),
		flushed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.receive()
	return s, nil
}

// DeepgramSession is a single Deepgram speak connection.
type DeepgramSession struct {
	conn     *websocket.Conn
	cfg      DeepgramConfig
	mimeType string
	logger   *log.Logger

	writeMu sync.Mutex
	audio   AudioBuffer

	stop        chan struct{}
	stopOnce    sync.Once
	flushed     chan struct{}
	flushedOnce sync.Once
	done        chan struct{} // closed when receive returns
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// statusMessage covers the JSON frames Deepgram sends alongside audio.
type statusMessage struct {
	Type        string `json:"type"`
	RequestID   string `json:"request_id,omitempty"`
	SequenceID  int    `json:"sequence_id,omitempty"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	ErrMsg      string `json:"err_msg,omitempty"`
}

func (s *DeepgramSession) Speak(ctx context.Context, text string) error {
	return s.write(ctx, speakMessage{Type: "Speak", Text: text})
}

func (s *DeepgramSession) Flush(ctx context.Context) error {
	return s.write(ctx, speakMessage{Type: "Flush"})
}

func (s *DeepgramSession) Flushed() <-chan struct{} { return s.flushed }

func (s *DeepgramSession) BufferedBytes() int { return s.audio.Len() }

func (s *DeepgramSession) Audio() []byte { return s.audio.Bytes() }

func (s *DeepgramSession) MIMEType() string { return s.mimeType }

func (s *DeepgramSession) write(ctx context.Context, msg speakMessage) error {
	select {
	case <-s.stop:
		return errors.New("tts session is closed")
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("tts %s: %w", msg.Type, err)
	}
	return nil
}

// Close signals the receiver to stop, closes the socket and waits up to
// JoinTimeout for the receiver to exit. A receiver stuck past the timeout
// is abandoned; it exits on its own once the read fails.
func (s *DeepgramSession) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteJSON(speakMessage{Type: "Close"})
		s.writeMu.Unlock()

		err = s.conn.Close()

		select {
		case <-s.done:
		case <-time.After(s.cfg.JoinTimeout):
			s.logf("tts: receiver did not stop within %v", s.cfg.JoinTimeout)
		}
	})
	return err
}

// receive appends binary frames to the audio buffer and logs status frames
// until the stop signal is set or the socket fails.
func (s *DeepgramSession) receive() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.logf("tts: read error: %v", err)
				}
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.audio.Append(data)
			if s.cfg.OnAudio != nil {
				s.cfg.OnAudio(data)
			}
		case websocket.TextMessage:
			s.handleStatus(data)
		}
	}
}

func (s *DeepgramSession) handleStatus(data []byte) {
	var msg statusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logf("tts: failed to parse status message: %v", err)
		return
	}

	switch msg.Type {
	case "Flushed", "Complete":
		s.flushedOnce.Do(func() { close(s.flushed) })
	case "Warning":
		s.logf("tts: provider warning: %s %s", msg.Code, msg.Description)
	case "Error":
		s.logf("tts: provider error: %s %s%s", msg.Code, msg.Description, msg.ErrMsg)
	case "Metadata", "Cleared":
	default:
		s.logf("tts: unhandled status %q", msg.Type)
	}
}

func (s *DeepgramSession) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
