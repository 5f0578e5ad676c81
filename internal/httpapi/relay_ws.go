package httpapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/voicerelay/internal/agent"
	"github.com/lukasbauer/voicerelay/internal/eventlog"
	"github.com/lukasbauer/voicerelay/internal/store"
	"github.com/lukasbauer/voicerelay/internal/stt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	relayWriteTimeout = 10 * time.Second
	relayMaxFrame     = 1 << 20 // bytes of audio per client frame
	relayFinalsQueue  = 16
	persistTimeout    = 5 * time.Second
)

type relayState int32

const (
	stateAccepted relayState = iota
	stateSTTStarted
	stateStreaming
	stateClosing
	stateClosed
)

func (s relayState) String() string {
	switch s {
	case stateAccepted:
		return "ACCEPTED"
	case stateSTTStarted:
		return "STT_STARTED"
	case stateStreaming:
		return "STREAMING"
	case stateClosing:
		return "CLOSING"
	case stateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("relayState(%d)", int32(s))
}

// Outbound messages. All are sent as JSON text frames.
type transcriptionMessage struct {
	Type    string `json:"type"` // "transcription"
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type agentResponseMessage struct {
	Type          string  `json:"type"` // "agent_response"
	Text          string  `json:"text"`
	AudioData     *string `json:"audio_data"`      // base64, null without audio
	AudioMIMEType *string `json:"audio_mime_type"` // null when unknown
	IsFinal       bool    `json:"is_final"`
}

func newAgentResponseMessage(resp agent.Response) agentResponseMessage {
	msg := agentResponseMessage{
		Type:    "agent_response",
		Text:    resp.Text,
		IsFinal: true,
	}
	if resp.HasAudio() {
		encoded := base64.StdEncoding.EncodeToString(resp.Audio)
		msg.AudioData = &encoded
	}
	if resp.MIMEType != "" {
		mime := resp.MIMEType
		msg.AudioMIMEType = &mime
	}
	return msg
}

// relayConn is one browser connection: client audio goes to STT, transcripts
// come back, and final transcripts are answered by the agent on a worker
// goroutine in arrival order.
type relayConn struct {
	id         string
	subject    string
	remoteAddr string

	conn   *websocket.Conn
	connMu sync.Mutex

	logger   *log.Logger
	stt      stt.Session
	agent    agent.Responder
	history  turnRecorder
	eventLog *eventlog.Logger

	state atomic.Int32

	mu       sync.Mutex
	closing  bool
	seq      int
	stopping chan struct{} // closed with closing set; unblocks a full finals queue

	finals     chan string
	workerDone chan struct{}
	persistWG  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func (r *Router) handleRelayWS(w http.ResponseWriter, req *http.Request) {
	if r.cfg.STTDialer == nil || r.cfg.Agent == nil {
		r.logger.Printf("relay: voice pipeline not configured")
		http.Error(w, "voice pipeline not configured", http.StatusServiceUnavailable)
		return
	}
	if !r.conns.Add() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.conns.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("relay: upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(relayMaxFrame)

	ctx, cancel := context.WithCancel(req.Context())
	c := &relayConn{
		id:         uuid.NewString(),
		subject:    authSubject(req.Context()),
		remoteAddr: req.RemoteAddr,
		conn:       conn,
		logger:     r.logger,
		agent:      r.cfg.Agent,
		history:    r.history,
		eventLog:   r.eventLog,
		finals:     make(chan string, relayFinalsQueue),
		stopping:   make(chan struct{}),
		workerDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := c.run(r.cfg.STTDialer, r.cfg.STTOptions, r.cfg.CloseGrace); err != nil {
		captureError(req, err, "relay: stt start failed")
	}
}

// run drives the connection through its states and returns only once the
// connection is CLOSED. The error is non-nil only when STT could not start.
func (c *relayConn) run(dialer stt.Dialer, opts stt.Options, grace time.Duration) error {
	c.setState(stateAccepted)
	c.recordStart()

	go c.worker()

	sess, err := dialer.Start(c.ctx, opts, stt.Handlers{
		OnOpen:       func() { c.logf("stt connection opened") },
		OnTranscript: c.handleTranscript,
		OnError:      c.handleSTTError,
		OnClose:      func() { c.logf("stt connection closed") },
	})
	if err != nil {
		c.logf("failed to start stt: %v", err)
		c.eventLog.LogAsync(c.id, eventlog.EventSTTError, map[string]any{"stage": "start", "error": err.Error()})
		c.cancel()
		<-c.workerDone
		c.closeConn("speech recognition unavailable")
		c.recordEnd()
		c.setState(stateClosed)
		return err
	}
	c.stt = sess
	c.setState(stateSTTStarted)
	c.eventLog.LogAsync(c.id, eventlog.EventSTTStarted, nil)

	c.setState(stateStreaming)
	c.readLoop()

	c.shutdown(grace)
	return nil
}

// readLoop forwards client audio frames to STT until the client goes away or
// forwarding fails.
func (c *relayConn) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logf("client disconnected")
			} else {
				c.logf("read error: %v", err)
			}
			return
		}

		if msgType != websocket.BinaryMessage {
			c.logf("ignoring non-binary frame (%d bytes)", len(data))
			continue
		}
		if len(data) == 0 {
			continue
		}

		if err := c.stt.Send(data); err != nil {
			c.logf("failed to forward audio: %v", err)
			return
		}
	}
}

// shutdown is the CLOSING state: wait out the grace period so in-flight
// answers can be delivered, stop taking finals, finish STT, let the worker
// finish the answer it is on and close the socket.
func (c *relayConn) shutdown(grace time.Duration) {
	c.setState(stateClosing)

	timer := time.NewTimer(grace)
	<-timer.C

	c.mu.Lock()
	c.closing = true
	close(c.stopping)
	c.mu.Unlock()

	// The STT reader may be parked on a full finals queue; stopping releases
	// it so Finish can join the reader without waiting on the worker.
	if err := c.stt.Finish(); err != nil {
		c.logf("stt finish: %v", err)
	}

	c.cancel()
	<-c.workerDone

	c.closeConn("")
	c.recordEnd()
	c.setState(stateClosed)
}

// handleTranscript runs on the STT reader goroutine.
func (c *relayConn) handleTranscript(ev stt.TranscriptEvent) {
	msg := transcriptionMessage{Type: "transcription", Text: ev.Text, IsFinal: ev.IsFinal}
	if err := c.writeJSON(msg); err != nil {
		c.logf("failed to send transcript: %v", err)
	}
	if !ev.IsFinal {
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.logf("dropping final transcript while closing: %q", ev.Text)
		return
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.logf("final transcript: %q", ev.Text)
	confidence := ev.Confidence
	c.recordTurn(store.Turn{Sequence: seq, Speaker: store.SpeakerUser, Text: ev.Text, Confidence: &confidence})
	c.eventLog.LogAsync(c.id, eventlog.EventTranscriptFinal, map[string]any{
		"text":         ev.Text,
		"confidence":   ev.Confidence,
		"speech_final": ev.SpeechFinal,
	})

	select {
	case c.finals <- ev.Text:
	case <-c.stopping:
		c.logf("dropping final transcript while closing: %q", ev.Text)
	case <-c.ctx.Done():
	}
}

func (c *relayConn) handleSTTError(err error) {
	c.logf("stt error: %v", err)
	c.eventLog.LogAsync(c.id, eventlog.EventSTTError, map[string]any{"error": err.Error()})
}

// worker answers final transcripts one at a time, in the order they arrived.
func (c *relayConn) worker() {
	defer close(c.workerDone)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopping:
			return
		case question := <-c.finals:
			if c.stopped() {
				return
			}
			c.respond(question)
		}
	}
}

func (c *relayConn) stopped() bool {
	select {
	case <-c.stopping:
		return true
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// respond runs one answer to completion. Closing the connection stops the
// worker from starting new answers but never cuts one short.
func (c *relayConn) respond(question string) {
	start := time.Now()
	resp := c.agent.Generate(context.WithoutCancel(c.ctx), question)

	if err := c.writeJSON(newAgentResponseMessage(resp)); err != nil {
		c.logf("failed to send agent response: %v", err)
	} else {
		c.logf("agent response sent in %v: %q", time.Since(start).Round(time.Millisecond), resp.Text)
	}

	if resp.Text == agent.TTSUnavailableText {
		c.eventLog.LogAsync(c.id, eventlog.EventTTSUnavailable, nil)
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	turn := store.Turn{Sequence: seq, Speaker: store.SpeakerAgent, Text: resp.Text, AudioBytes: len(resp.Audio)}
	if resp.MIMEType != "" {
		mime := resp.MIMEType
		turn.MIMEType = &mime
	}
	c.recordTurn(turn)
	c.eventLog.LogAsync(c.id, eventlog.EventAgentResponse, map[string]any{
		"text_length": len(resp.Text),
		"audio_bytes": len(resp.Audio),
		"latency_ms":  time.Since(start).Milliseconds(),
	})
}

func (c *relayConn) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return c.conn.WriteJSON(v)
}

// closeConn sends a normal close frame and closes the socket.
func (c *relayConn) closeConn(reason string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// recordStart creates the conversation row before any event references it.
func (c *relayConn) recordStart() {
	c.logf("connection accepted from %s", c.remoteAddr)
	if c.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := c.history.CreateConversation(ctx, c.id, c.remoteAddr, nowUTC()); err != nil {
			c.logf("failed to record conversation: %v", err)
		}
		cancel()
	}
	c.eventLog.LogAsync(c.id, eventlog.EventConnectionOpened, map[string]any{
		"remote_addr": c.remoteAddr,
		"subject":     c.subject,
	})
}

// recordTurn stores a turn without blocking the caller.
func (c *relayConn) recordTurn(t store.Turn) {
	if c.history == nil {
		return
	}
	c.persistWG.Add(1)
	go func() {
		defer c.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := c.history.InsertTurn(ctx, c.id, t); err != nil {
			c.logf("failed to record turn %d: %v", t.Sequence, err)
		}
	}()
}

func (c *relayConn) recordEnd() {
	c.eventLog.LogAsync(c.id, eventlog.EventConnectionClosed, nil)
	if c.history == nil {
		return
	}
	c.persistWG.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.history.EndConversation(ctx, c.id, nowUTC()); err != nil {
		c.logf("failed to close conversation: %v", err)
	}
}

func (c *relayConn) setState(s relayState) {
	prev := relayState(c.state.Swap(int32(s)))
	if prev != s {
		c.logf("%s -> %s", prev, s)
	}
}

func (c *relayConn) logf(format string, args ...any) {
	c.logger.Printf("relay[%s]: "+format, append([]any{c.id}, args...)...)
}
