package stt

import "context"

// TranscriptEvent is a speech-to-text transcription result.
type TranscriptEvent struct {
	Text        string  // The transcribed text
	IsFinal     bool    // Whether this segment will not be revised
	SpeechFinal bool    // Whether the provider detected the end of an utterance
	Confidence  float64 // Confidence score (0-1)
}

// Options configure the upstream recognizer. They are passed through as-is;
// the provider reports bad values asynchronously through Handlers.OnError.
type Options struct {
	Model          string // e.g., "nova-3"
	Language       string // e.g., "en-US"
	SmartFormat    bool
	Encoding       string // e.g., "linear16"
	Channels       int
	SampleRate     int
	InterimResults bool
	UtteranceEndMs int // hard timeout after last speech, 0 for provider default
	VADEvents      bool
	Endpointing    int // milliseconds of silence for endpointing, 0 for provider default
}

// DefaultOptions matches the browser client: 16 kHz mono little-endian PCM.
func DefaultOptions() Options {
	return Options{
		Model:          "nova-3",
		Language:       "en-US",
		SmartFormat:    true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     16000,
		InterimResults: true,
		UtteranceEndMs: 1000,
		VADEvents:      true,
		Endpointing:    300,
	}
}

// Handlers receive session events. All callbacks run on the session's reader
// goroutine, one at a time, in the order the provider produced them. A nil
// handler is skipped.
type Handlers struct {
	OnOpen       func()
	OnTranscript func(TranscriptEvent)
	OnError      func(error)
	OnClose      func()
}

// Session is an open recognition stream.
type Session interface {
	// Send forwards raw audio to the recognizer.
	Send(audio []byte) error

	// Finish ends the stream and waits for the reader to stop. No handler
	// runs after Finish returns.
	Finish() error
}

// Dialer starts recognition sessions.
type Dialer interface {
	Start(ctx context.Context, opts Options, h Handlers) (Session, error)
}
