package tts

import (
	"context"
	"sync"
)

// Session is one streaming synthesis connection. Text goes in through Speak
// and Flush; audio accumulates until Close.
type Session interface {
	// Speak queues text for synthesis.
	Speak(ctx context.Context, text string) error

	// Flush asks the provider to synthesize everything queued so far.
	Flush(ctx context.Context) error

	// Flushed is closed once the provider acknowledges a flush.
	Flushed() <-chan struct{}

	// BufferedBytes reports how many audio bytes have been received.
	BufferedBytes() int

	// Audio returns a copy of the audio received so far, in receipt order.
	Audio() []byte

	// MIMEType describes the audio returned by Audio.
	MIMEType() string

	// Close stops the receiver, closes the connection and waits a bounded
	// time for the receiver to exit. Safe to call more than once.
	Close() error
}

// Dialer opens synthesis sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// AudioBuffer is an append-only byte buffer safe for one writer and any
// number of concurrent readers.
type AudioBuffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *AudioBuffer) Append(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
}

func (b *AudioBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Bytes returns a copy of the buffered data.
func (b *AudioBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
