package agent

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/lukasbauer/voicerelay/internal/llm"
	"github.com/lukasbauer/voicerelay/internal/tts"
)

const (
	// TTSUnavailableText is returned when the synthesizer cannot be reached.
	TTSUnavailableText = "Error: Could not connect to TTS service"

	// NoAnswerText is returned when the LLM produced nothing usable.
	NoAnswerText = "Sorry, I could not come up with an answer right now."

	// NoAudioMIMEType marks a response that carries no audio at all.
	NoAudioMIMEType = "audio/none"
)

// Response is the result of one question. It is not modified after
// Generate returns.
type Response struct {
	Text     string
	Audio    []byte
	MIMEType string
}

// HasAudio reports whether the response carries synthesized audio.
func (r Response) HasAudio() bool { return len(r.Audio) > 0 }

// Responder turns a final transcript into a spoken answer.
type Responder interface {
	Generate(ctx context.Context, question string) Response
}

// Config controls how long Generate waits for synthesized audio.
type Config struct {
	PollInterval time.Duration // quiescence check interval
	DrainCeiling time.Duration // hard bound on waiting for audio after Flush
}

// Orchestrator drives LLM output into a TTS session and collects the audio.
type Orchestrator struct {
	tts    tts.Dialer
	llm    llm.Client
	cfg    Config
	logger *log.Logger
}

// New creates an Orchestrator. Zero config values fall back to 500ms polling
// and a 10s drain ceiling.
func New(dialer tts.Dialer, client llm.Client, cfg Config, logger *log.Logger) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.DrainCeiling <= 0 {
		cfg.DrainCeiling = 10 * time.Second
	}
	return &Orchestrator{tts: dialer, llm: client, cfg: cfg, logger: logger}
}

// Generate answers question and returns whatever text and audio it managed to
// collect. It never fails: a TTS connection failure yields TTSUnavailableText
// without calling the LLM, and errors later on cut the answer short.
func (o *Orchestrator) Generate(ctx context.Context, question string) Response {
	start := time.Now()

	sess, err := o.tts.Dial(ctx)
	if err != nil {
		o.logf("agent: tts connect failed: %v", err)
		return Response{Text: TTSUnavailableText, MIMEType: NoAudioMIMEType}
	}

	var text strings.Builder
	if err := o.speak(ctx, sess, question, &text); err != nil {
		o.logf("agent: response cut short: %v", err)
	}

	// Close joins the receiver, so Audio is complete after this point.
	if err := sess.Close(); err != nil {
		o.logf("agent: tts close: %v", err)
	}

	resp := Response{
		Text:     text.String(),
		Audio:    sess.Audio(),
		MIMEType: sess.MIMEType(),
	}
	if strings.TrimSpace(resp.Text) == "" {
		resp.Text = NoAnswerText
	}

	o.logf("agent: answered in %v (%d chars, %d audio bytes)", time.Since(start).Round(time.Millisecond), len(resp.Text), len(resp.Audio))
	return resp
}

// speak streams the answer into the session, flushes and waits for audio.
func (o *Orchestrator) speak(ctx context.Context, sess tts.Session, question string, text *strings.Builder) error {
	err := o.llm.StreamResponse(ctx, question, func(fragment string) error {
		if fragment == "" {
			return nil
		}
		text.WriteString(fragment)

		spoken := llm.ExtractSpeakable(fragment)
		if spoken == "" {
			return nil
		}
		return sess.Speak(ctx, spoken)
	})
	if err != nil {
		return err
	}

	if err := sess.Flush(ctx); err != nil {
		return err
	}

	o.logf("agent: drain finished: %s", o.drain(ctx, sess))
	return nil
}

// drain waits until the session acknowledges the flush, audio stops growing
// for one poll interval, the ceiling passes or ctx is done.
func (o *Orchestrator) drain(ctx context.Context, sess tts.Session) string {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	ceiling := time.NewTimer(o.cfg.DrainCeiling)
	defer ceiling.Stop()

	last := 0
	for {
		select {
		case <-sess.Flushed():
			return "flushed"
		case <-ceiling.C:
			return "ceiling reached"
		case <-ctx.Done():
			return "canceled"
		case <-ticker.C:
			n := sess.BufferedBytes()
			if n > 0 && n == last {
				return "quiescent"
			}
			last = n
		}
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
