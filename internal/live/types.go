// Package live runs the streaming voice session: capture audio, stream it
// to the transcription socket, track partial and final transcripts, and hand
// each final transcript to a dispatcher.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusClosing    Status = "closing"
	StatusErrored    Status = "errored"
)

func (s Status) String() string { return string(s) }

var (
	// ErrSessionActive rejects Start while a session is not idle.
	ErrSessionActive = errors.New("live session already active")
	// ErrNotRunning is returned when the machine's event loop has exited.
	ErrNotRunning = errors.New("live machine is not running")
)

// Snapshot is a copy of the session state at one point in time.
//
// LastError survives the return to idle so a display can show why the
// session ended; the next Start clears it.
type Snapshot struct {
	ID          string    `json:"session_id,omitempty"`
	Status      Status    `json:"status"`
	InterimText string    `json:"interim_text"`
	FinalText   string    `json:"final_text"`
	LastError   string    `json:"last_error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Dispatcher receives each final transcript exactly once.
type Dispatcher interface {
	Dispatch(ctx context.Context, finalText string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, finalText string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, finalText string) error {
	return f(ctx, finalText)
}

// QueryError reports that the downstream query for a final transcript failed.
// It never ends the live session.
type QueryError struct {
	Text string
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %q failed: %v", e.Text, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

type Config struct {
	WSURL         string
	ChunkInterval time.Duration
	// InactivityTimeout stops a streaming session that has received no frame
	// for this long. Zero disables it.
	InactivityTimeout time.Duration
	// Header supplies dial headers, typically the bearer token.
	Header func() http.Header
}
