// Package transport carries live audio to the transcription socket and
// transcript frames back.
package transport

import (
	"context"
	"fmt"
	"net/http"
)

// Event is a tagged union of channel notifications: Message, Errored or Closed.
type Event interface {
	transportEvent()
}

// Message is one inbound frame.
type Message struct {
	Data   []byte
	Binary bool
}

// Errored reports a transport failure. No further events follow it.
type Errored struct {
	Err error
}

// Closed reports that the remote side closed the channel. No further events follow it.
type Closed struct {
	Code   int
	Reason string
}

func (Message) transportEvent() {}
func (Errored) transportEvent() {}
func (Closed) transportEvent()  {}

// Channel is an open, message-oriented connection.
//
// Send never blocks and never fails loudly: a chunk the channel cannot take
// right now is dropped and Send reports false. Live audio favours bounded
// latency over delivery; a stale chunk is worth less than the next one.
// Close is idempotent.
type Channel interface {
	Send(chunk []byte) bool
	Events() <-chan Event
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Channel, error)
}

// Error is a transport failure: the channel could not be opened or broke mid-stream.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
