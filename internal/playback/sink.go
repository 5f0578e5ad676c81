package playback

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
)

var (
	// ErrStopped is returned by Play and Start after Stop.
	ErrStopped = errors.New("playback sink is stopped")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("playback sink already started")
)

// DefaultQueueSize is the number of chunks Play can buffer before blocking.
const DefaultQueueSize = 64

// item is a queued chunk, or a drain marker when ack is set.
type item struct {
	data []byte
	ack  chan struct{}
}

// Sink plays audio chunks on its own goroutine so callers never wait on the
// output device. Chunks are written in the order they were queued.
type Sink struct {
	out    io.WriteCloser
	logger *log.Logger

	queue chan item

	mu      sync.Mutex
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{} // closed when the loop exits
}

// NewSink creates a sink writing to out. A queueSize <= 0 uses
// DefaultQueueSize.
func NewSink(out io.WriteCloser, queueSize int, logger *log.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Sink{
		out:    out,
		logger: logger,
		queue:  make(chan item, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the playback loop.
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stop:
		return ErrStopped
	default:
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	go s.loop()
	return nil
}

// Play queues a chunk, blocking while the queue is full.
func (s *Sink) Play(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	select {
	case <-s.stop:
		return ErrStopped
	default:
	}

	select {
	case s.queue <- item{data: chunk}:
		return nil
	case <-s.stop:
		return ErrStopped
	case <-s.done:
		return ErrStopped
	}
}

// Stop signals the loop, closes the output, waits for the loop to exit and
// drops whatever is still queued. It is safe to call more than once.
func (s *Sink) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		close(s.stop)
		s.mu.Unlock()

		if cerr := s.out.Close(); cerr != nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
		if started {
			<-s.done
		}

		for {
			select {
			case <-s.queue:
			default:
				return
			}
		}
	})
	return err
}

// Drain blocks until every chunk queued before the call has been written,
// or the sink stops. It must be called after Start.
func (s *Sink) Drain() error {
	ack := make(chan struct{})
	select {
	case s.queue <- item{ack: ack}:
	case <-s.stop:
		return ErrStopped
	case <-s.done:
		return ErrStopped
	}

	select {
	case <-ack:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

func (s *Sink) loop() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case it := <-s.queue:
			if it.ack != nil {
				close(it.ack)
				continue
			}
			if _, err := s.out.Write(it.data); err != nil {
				select {
				case <-s.stop:
				default:
					s.logf("playback: write failed: %v", err)
				}
				return
			}
		}
	}
}

func (s *Sink) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
