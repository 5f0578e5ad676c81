package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/voicerelay/internal/agent"
	"github.com/lukasbauer/voicerelay/internal/eventlog"
	"github.com/lukasbauer/voicerelay/internal/stt"
)

// fakeSTTSession records forwarded audio.
type fakeSTTSession struct {
	mu       sync.Mutex
	frames   [][]byte
	finished int
	sendErr  error
	received chan struct{}
	onFinish func()
}

func (s *fakeSTTSession) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, append([]byte(nil), audio...))
	select {
	case s.received <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSTTSession) Finish() error {
	s.mu.Lock()
	s.finished++
	fn := s.onFinish
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (s *fakeSTTSession) setSendErr(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *fakeSTTSession) setOnFinish(fn func()) {
	s.mu.Lock()
	s.onFinish = fn
	s.mu.Unlock()
}

func (s *fakeSTTSession) snapshot() ([][]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...), s.finished
}

type fakeSTTDialer struct {
	session  *fakeSTTSession
	mu       sync.Mutex
	startErr error
	started  chan stt.Handlers
	opts     chan stt.Options
}

func newFakeSTTDialer() *fakeSTTDialer {
	return &fakeSTTDialer{
		session: &fakeSTTSession{received: make(chan struct{}, 16)},
		started: make(chan stt.Handlers, 1),
		opts:    make(chan stt.Options, 1),
	}
}

func (d *fakeSTTDialer) Start(_ context.Context, opts stt.Options, h stt.Handlers) (stt.Session, error) {
	d.opts <- opts
	d.mu.Lock()
	startErr := d.startErr
	d.mu.Unlock()
	if startErr != nil {
		return nil, startErr
	}
	if h.OnOpen != nil {
		h.OnOpen()
	}
	d.started <- h
	return d.session, nil
}

// fakeResponder answers every question with "re: <question>".
type fakeResponder struct {
	mu        sync.Mutex
	questions []string
	ctxErrs   []error
	delay     time.Duration
	release   chan struct{} // when set, every answer waits for it regardless of ctx
	audio     []byte
	mime      string
	done      chan string
}

func (f *fakeResponder) Generate(ctx context.Context, question string) agent.Response {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.questions = append(f.questions, question)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	if f.done != nil {
		f.done <- question
	}
	return agent.Response{Text: "re: " + question, Audio: f.audio, MIMEType: f.mime}
}

func (f *fakeResponder) contextErrors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.ctxErrs...)
}

func (f *fakeResponder) asked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type relayHarness struct {
	srv    *httptest.Server
	dialer *fakeSTTDialer
	agent  *fakeResponder
	conns  *ConnRegistry
}

func newRelayHarness(t *testing.T, responder *fakeResponder, mutate func(*RouterConfig)) *relayHarness {
	t.Helper()
	h := &relayHarness{
		dialer: newFakeSTTDialer(),
		agent:  responder,
		conns:  NewConnRegistry(),
	}
	cfg := RouterConfig{
		STTDialer:  h.dialer,
		STTOptions: stt.DefaultOptions(),
		Agent:      responder,
		CloseGrace: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.srv = httptest.NewServer(NewRouter(cfg, testLogger(), nil, eventlog.New(nil), h.conns))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *relayHarness) url(path string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
}

func (h *relayHarness) dial(t *testing.T) (*websocket.Conn, stt.Handlers) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url("/ws/audio"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case handlers := <-h.dialer.started:
		return conn, handlers
	case <-time.After(2 * time.Second):
		t.Fatal("stt session was not started")
	}
	return nil, stt.Handlers{}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitForActive(t *testing.T, conns *ConnRegistry, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for conns.ActiveCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ActiveCount() = %d, want %d", conns.ActiveCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelay_ForwardsBinaryFramesOnly(t *testing.T) {
	h := newRelayHarness(t, &fakeResponder{}, nil)
	conn, _ := h.dial(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, nil); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{3, 4, 5}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-h.dialer.session.received:
		case <-time.After(2 * time.Second):
			t.Fatalf("audio frame %d not forwarded", i)
		}
	}

	frames, _ := h.dialer.session.snapshot()
	if len(frames) != 2 {
		t.Fatalf("forwarded %d frames, want 2", len(frames))
	}
	if string(frames[0]) != "\x01\x02" || string(frames[1]) != "\x03\x04\x05" {
		t.Errorf("frames = %v", frames)
	}

	opts := <-h.dialer.opts
	if opts != stt.DefaultOptions() {
		t.Errorf("stt options = %+v, want defaults", opts)
	}
}

func TestRelay_TranscriptsAndResponse(t *testing.T) {
	responder := &fakeResponder{audio: []byte("pcm"), mime: "audio/linear16; rate=48000; channels=1"}
	h := newRelayHarness(t, responder, nil)
	conn, handlers := h.dial(t)

	handlers.OnTranscript(stt.TranscriptEvent{Text: "what is", IsFinal: false})
	handlers.OnTranscript(stt.TranscriptEvent{Text: "what is the time", IsFinal: true, Confidence: 0.9})

	interim := readMessage(t, conn)
	if interim["type"] != "transcription" || interim["text"] != "what is" || interim["is_final"] != false {
		t.Errorf("interim = %v", interim)
	}
	final := readMessage(t, conn)
	if final["type"] != "transcription" || final["text"] != "what is the time" || final["is_final"] != true {
		t.Errorf("final = %v", final)
	}

	resp := readMessage(t, conn)
	if resp["type"] != "agent_response" {
		t.Fatalf("type = %v, want agent_response", resp["type"])
	}
	if resp["text"] != "re: what is the time" {
		t.Errorf("text = %v", resp["text"])
	}
	if resp["is_final"] != true {
		t.Errorf("is_final = %v, want true", resp["is_final"])
	}
	if resp["audio_data"] != base64.StdEncoding.EncodeToString([]byte("pcm")) {
		t.Errorf("audio_data = %v", resp["audio_data"])
	}
	if resp["audio_mime_type"] != "audio/linear16; rate=48000; channels=1" {
		t.Errorf("audio_mime_type = %v", resp["audio_mime_type"])
	}

	if got := responder.asked(); len(got) != 1 || got[0] != "what is the time" {
		t.Errorf("asked = %v, want only the final transcript", got)
	}
}

func TestRelay_ResponseWithoutAudioSendsNull(t *testing.T) {
	h := newRelayHarness(t, &fakeResponder{mime: agent.NoAudioMIMEType}, nil)
	conn, handlers := h.dial(t)

	handlers.OnTranscript(stt.TranscriptEvent{Text: "hi", IsFinal: true})
	readMessage(t, conn)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"audio_data":null`) {
		t.Errorf("response = %s, want audio_data null", raw)
	}
	if !strings.Contains(string(raw), `"audio_mime_type":"audio/none"`) {
		t.Errorf("response = %s, want sentinel mime type", raw)
	}
}

func TestRelay_ResponsesFollowTheirTranscriptsInOrder(t *testing.T) {
	responder := &fakeResponder{delay: 20 * time.Millisecond}
	h := newRelayHarness(t, responder, nil)
	conn, handlers := h.dial(t)

	questions := []string{"one", "two", "three"}
	for _, q := range questions {
		handlers.OnTranscript(stt.TranscriptEvent{Text: q, IsFinal: true})
	}

	var order []string
	for len(order) < 2*len(questions) {
		msg := readMessage(t, conn)
		order = append(order, msg["type"].(string)+":"+msg["text"].(string))
	}

	index := func(s string) int {
		for i, v := range order {
			if v == s {
				return i
			}
		}
		t.Fatalf("%q missing from %v", s, order)
		return -1
	}

	prev := -1
	for _, q := range questions {
		ti := index("transcription:" + q)
		ri := index("agent_response:re: " + q)
		if ri < ti {
			t.Errorf("response for %q sent before its transcript: %v", q, order)
		}
		if ri < prev {
			t.Errorf("responses out of order: %v", order)
		}
		prev = ri
	}
}

func TestRelay_STTStartFailureClosesConnection(t *testing.T) {
	responder := &fakeResponder{}
	h := newRelayHarness(t, responder, nil)
	h.dialer.mu.Lock()
	h.dialer.startErr = errors.New("failed to connect to Deepgram: refused")
	h.dialer.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(h.url("/ws/audio"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err = %v, want normal close", err)
	}

	waitForActive(t, h.conns, 0)
	if got := responder.asked(); len(got) != 0 {
		t.Errorf("agent asked %v after stt failure", got)
	}
}

func TestRelay_ForwardErrorEndsConnection(t *testing.T) {
	h := newRelayHarness(t, &fakeResponder{}, nil)
	h.dialer.session.setSendErr(errors.New("stt gone"))
	conn, _ := h.dial(t)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1}); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err = %v, want normal close", err)
	}
	if _, finished := h.dialer.session.snapshot(); finished != 1 {
		t.Errorf("Finish called %d times, want 1", finished)
	}
}

func TestRelay_CloseWaitsForInFlightResponse(t *testing.T) {
	responder := &fakeResponder{delay: 30 * time.Millisecond, done: make(chan string, 1)}
	h := newRelayHarness(t, responder, func(cfg *RouterConfig) {
		cfg.CloseGrace = 300 * time.Millisecond
	})

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	h.dialer.session.setOnFinish(func() { record("stt finished") })

	conn, handlers := h.dial(t)
	handlers.OnTranscript(stt.TranscriptEvent{Text: "slow one", IsFinal: true})
	readMessage(t, conn)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-responder.done:
		record("answered")
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight question was not answered")
	}

	waitForActive(t, h.conns, 0)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != "answered" || events[1] != "stt finished" {
		t.Errorf("events = %v, want answer before stt finish", events)
	}
}

func TestRelay_FinalsAfterCloseAreDropped(t *testing.T) {
	responder := &fakeResponder{}
	h := newRelayHarness(t, responder, nil)

	conn, handlers := h.dial(t)
	h.dialer.session.setOnFinish(func() {
		handlers.OnTranscript(stt.TranscriptEvent{Text: "too late", IsFinal: true})
	})
	conn.Close()

	waitForActive(t, h.conns, 0)
	if got := responder.asked(); len(got) != 0 {
		t.Errorf("asked = %v, want nothing after close", got)
	}
}

func TestRelay_RejectsWhileDraining(t *testing.T) {
	h := newRelayHarness(t, &fakeResponder{}, nil)
	h.conns.StartDraining()

	_, resp, err := websocket.DefaultDialer.Dial(h.url("/ws/audio"), nil)
	if err == nil {
		t.Fatal("dial succeeded while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %v, want 503", resp)
	}
}

func TestRelay_NotConfigured(t *testing.T) {
	r := newRouter(RouterConfig{}, testLogger(), nil, nil, nil)
	rec := httptest.NewRecorder()
	r.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/audio", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestAgentResponseMessageJSON(t *testing.T) {
	msg := newAgentResponseMessage(agent.Response{Text: agent.TTSUnavailableText, MIMEType: agent.NoAudioMIMEType})
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["audio_data"] != nil {
		t.Errorf("audio_data = %v, want null", decoded["audio_data"])
	}
	if decoded["text"] != agent.TTSUnavailableText {
		t.Errorf("text = %v", decoded["text"])
	}

	empty := newAgentResponseMessage(agent.Response{Text: "x"})
	if empty.AudioMIMEType != nil {
		t.Errorf("AudioMIMEType = %v, want nil", *empty.AudioMIMEType)
	}
}

func TestRelayStateString(t *testing.T) {
	tests := map[relayState]string{
		stateAccepted:   "ACCEPTED",
		stateSTTStarted: "STT_STARTED",
		stateStreaming:  "STREAMING",
		stateClosing:    "CLOSING",
		stateClosed:     "CLOSED",
		relayState(9):   "relayState(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestRelay_CloseDoesNotCancelSlowAnswer(t *testing.T) {
	responder := &fakeResponder{delay: 500 * time.Millisecond, done: make(chan string, 1)}
	h := newRelayHarness(t, responder, nil) // grace is much shorter than the answer

	conn, handlers := h.dial(t)
	handlers.OnTranscript(stt.TranscriptEvent{Text: "long question", IsFinal: true})
	readMessage(t, conn)

	start := time.Now()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-responder.done:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight question was not answered")
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("answer returned after %v, want the full delay", elapsed)
	}

	waitForActive(t, h.conns, 0)
	errs := responder.contextErrors()
	if len(errs) != 1 || errs[0] != nil {
		t.Errorf("answer context errors = %v, want [<nil>]", errs)
	}
}

func TestRelay_CloseWithFullQueueReleasesSTTReader(t *testing.T) {
	release := make(chan struct{})
	responder := &fakeResponder{release: release}
	h := newRelayHarness(t, responder, nil)
	conn, handlers := h.dial(t)

	// One answer in progress, a full queue behind it and one more final
	// parked on the queue, all from the STT reader goroutine.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for i := 0; i < relayFinalsQueue+2; i++ {
			handlers.OnTranscript(stt.TranscriptEvent{Text: fmt.Sprintf("q%d", i), IsFinal: true})
		}
	}()

	joined := make(chan bool, 1)
	h.dialer.session.setOnFinish(func() {
		select {
		case <-readerDone:
			joined <- true
		case <-time.After(time.Second):
			joined <- false
		}
	})

	conn.Close()

	select {
	case ok := <-joined:
		if !ok {
			t.Error("STT reader stayed blocked on the finals queue during close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stt session was never finished")
	}

	close(release)
	waitForActive(t, h.conns, 0)
	if got := responder.asked(); len(got) != 1 || got[0] != "q0" {
		t.Errorf("asked = %v, want only the answer already in progress", got)
	}
}
