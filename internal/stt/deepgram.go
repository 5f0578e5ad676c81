package stt

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

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// DeepgramConfig holds connection settings for the Deepgram client.
type DeepgramConfig struct {
	APIKey            string
	BaseURL           string        // overrides the Deepgram endpoint (tests)
	KeepAliveInterval time.Duration // 0 uses the default, negative disables
	FinishTimeout     time.Duration // how long Finish waits for trailing results
	WriteTimeout      time.Duration // bound on each audio or control write
}

// DeepgramDialer implements Dialer using Deepgram's streaming API.
type DeepgramDialer struct {
	cfg    DeepgramConfig
	logger *log.Logger
}

// NewDeepgramDialer creates a dialer, filling in defaults for unset fields.
func NewDeepgramDialer(cfg DeepgramConfig, logger *log.Logger) *DeepgramDialer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = deepgramWSURL
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 8 * time.Second
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &DeepgramDialer{cfg: cfg, logger: logger}
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

func listenURL(base string, opts Options) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram listen url: %w", err)
	}
	q := u.Query()
	if opts.Model != "" {
		q.Set("model", opts.Model)
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.Encoding != "" {
		q.Set("encoding", opts.Encoding)
	}
	if opts.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}
	if opts.Channels > 0 {
		q.Set("channels", strconv.Itoa(opts.Channels))
	}
	q.Set("smart_format", strconv.FormatBool(opts.SmartFormat))
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	q.Set("vad_events", strconv.FormatBool(opts.VADEvents))
	if opts.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(opts.UtteranceEndMs))
	}
	if opts.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(opts.Endpointing))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start connects to Deepgram, fires OnOpen and starts reading results.
func (d *DeepgramDialer) Start(ctx context.Context, opts Options, h Handlers) (Session, error) {
	wsURL, err := listenURL(d.cfg.BaseURL, opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	s := &DeepgramSession{
		conn:     conn,
		handlers: h,
		logger:   d.logger,
		cfg:      d.cfg,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	if h.OnOpen != nil {
		h.OnOpen()
	}

	go s.readLoop()
	if d.cfg.KeepAliveInterval > 0 {
		go s.keepAliveLoop(d.cfg.KeepAliveInterval)
	}

	return s, nil
}

// DeepgramSession is one Deepgram listen connection.
type DeepgramSession struct {
	conn     *websocket.Conn
	handlers Handlers
	logger   *log.Logger
	cfg      DeepgramConfig

	mu        sync.Mutex // serializes writes
	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
}

// Send forwards audio data to Deepgram.
func (s *DeepgramSession) Send(audio []byte) error {
	select {
	case <-s.done:
		return errors.New("stt session is finished")
	default:
	}

	return s.write(websocket.BinaryMessage, audio, s.cfg.WriteTimeout)
}

// write holds mu for at most timeout, so a stalled provider cannot wedge
// Finish behind a blocked Send.
func (s *DeepgramSession) write(messageType int, data []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteMessage(messageType, data)
}

// Finish asks Deepgram to flush and close, waits briefly for trailing
// results, then closes the connection.
func (s *DeepgramSession) Finish() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		_ = s.write(websocket.TextMessage, []byte(`{"type": "CloseStream"}`), time.Second)

		select {
		case <-s.readDone:
		case <-time.After(s.cfg.FinishTimeout):
		}

		err = s.conn.Close()
		<-s.readDone
	})
	return err
}

func (s *DeepgramSession) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.readDone:
			return
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte(`{"type": "KeepAlive"}`), s.cfg.WriteTimeout); err != nil {
				return
			}
		}
	}
}

// readLoop dispatches Deepgram responses to the handlers until the
// connection closes.
func (s *DeepgramSession) readLoop() {
	defer close(s.readDone)
	defer func() {
		if s.handlers.OnClose != nil {
			s.handlers.OnClose()
		}
	}()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if s.handlers.OnError != nil {
					s.handlers.OnError(fmt.Errorf("read error: %w", err))
				}
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			s.logf("stt: failed to parse response: %v", err)
			continue
		}

		switch resp.Type {
		case "Results":
		case "Error":
			if s.handlers.OnError != nil {
				s.handlers.OnError(fmt.Errorf("deepgram error: %s", msg))
			}
			continue
		default:
			// Metadata, SpeechStarted, UtteranceEnd
			s.logf("stt: %s", resp.Type)
			continue
		}

		var event TranscriptEvent
		if len(resp.Channel.Alternatives) > 0 {
			alt := resp.Channel.Alternatives[0]
			event.Text = alt.Transcript
			event.Confidence = alt.Confidence
		}
		event.IsFinal = resp.IsFinal
		event.SpeechFinal = resp.SpeechFinal

		if event.Text == "" {
			continue
		}

		if s.handlers.OnTranscript != nil {
			s.handlers.OnTranscript(event)
		}
	}
}

func (s *DeepgramSession) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
