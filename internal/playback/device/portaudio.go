// Package device writes PCM audio to the default sound card.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Speaker is a blocking PortAudio output stream fed with little-endian
// 16-bit PCM. It implements io.WriteCloser.
type Speaker struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	n      int    // samples filled in buf
	odd    []byte // trailing byte of an incomplete sample
	closed bool
}

// Open initializes PortAudio and starts an output stream on the default
// device.
func Open(sampleRate float64, channels, framesPerBuffer int) (*Speaker, error) {
	if channels <= 0 {
		channels = 1
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	buf := make([]int16, framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, sampleRate, framesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start output stream: %w", err)
	}

	return &Speaker{stream: stream, buf: buf}, nil
}

// Write plays p. Samples that do not fill a whole buffer are held until the
// next Write or Close.
func (s *Speaker) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("speaker is closed")
	}

	data := p
	if len(s.odd) > 0 {
		data = append(append([]byte(nil), s.odd...), p...)
		s.odd = s.odd[:0]
	}

	for len(data) >= 2 {
		s.buf[s.n] = int16(binary.LittleEndian.Uint16(data))
		s.n++
		data = data[2:]

		if s.n == len(s.buf) {
			if err := s.stream.Write(); err != nil {
				return 0, fmt.Errorf("write output stream: %w", err)
			}
			s.n = 0
		}
	}
	s.odd = append(s.odd, data...)

	return len(p), nil
}

// Close pads and plays the last partial buffer, then releases the device.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.n > 0 {
		clear(s.buf[s.n:])
		if err := s.stream.Write(); err != nil {
			errs = append(errs, err)
		}
		s.n = 0
	}
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
