// Package capture provides audio sources for live and recorded voice queries.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ent0n29/accountant/internal/audio"
)

var (
	// ErrAlreadyStarted is returned when a stream is asked to chunk twice.
	ErrAlreadyStarted = errors.New("capture stream already started")
	// ErrBusy is returned when a source is acquired while another stream holds it.
	ErrBusy = errors.New("capture source already in use")
)

// DeviceError reports that the capture device could not be acquired or used.
type DeviceError struct {
	Source string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture device %s: %v", e.Source, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Chunk is one slice of PCM16LE mono audio in capture order.
type Chunk struct {
	Seq       int
	Data      []byte
	Timestamp time.Time
}

// Source hands out exclusive streams from an audio device or file.
type Source interface {
	Name() string
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an acquired capture handle.
//
// Start may be called once; the returned channel closes when the
// underlying audio ends or the stream is released. Release is idempotent.
type Stream interface {
	Start(interval time.Duration) (<-chan Chunk, error)
	Release() error
}

// lease guards a source so at most one stream is live at a time.
type lease struct {
	mu   sync.Mutex
	held bool
}

func (l *lease) take() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	return true
}

func (l *lease) drop() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}

// readerStream slices an io.Reader into fixed-duration chunks.
type readerStream struct {
	r          io.Reader
	sampleRate int
	// paced streams emit one chunk per interval; live devices pace themselves.
	paced   bool
	onClose func() error

	startOnce   sync.Once
	releaseOnce sync.Once
	releaseErr  error
	done        chan struct{}
}

func newReaderStream(r io.Reader, sampleRate int, paced bool, onClose func() error) *readerStream {
	return &readerStream{
		r:          r,
		sampleRate: sampleRate,
		paced:      paced,
		onClose:    onClose,
		done:       make(chan struct{}),
	}
}

func (s *readerStream) Start(interval time.Duration) (<-chan Chunk, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	var out chan Chunk
	s.startOnce.Do(func() {
		out = make(chan Chunk, 16)
		go s.loop(interval, out)
	})
	if out == nil {
		return nil, ErrAlreadyStarted
	}
	return out, nil
}

func (s *readerStream) loop(interval time.Duration, out chan<- Chunk) {
	defer close(out)

	size := audio.BytesPerInterval(s.sampleRate, int(interval.Milliseconds()))
	var tick <-chan time.Time
	if s.paced {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for seq := 1; ; seq++ {
		select {
		case <-s.done:
			return
		default:
		}
		buf := make([]byte, size)
		n, err := io.ReadFull(s.r, buf)
		if n >= 2 {
			if tick != nil {
				select {
				case <-s.done:
					return
				case <-tick:
				}
			}
			select {
			case <-s.done:
				return
			case out <- Chunk{Seq: seq, Data: buf[:n&^1], Timestamp: time.Now()}:
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *readerStream) Release() error {
	s.releaseOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.releaseErr = s.onClose()
		}
	})
	return s.releaseErr
}
