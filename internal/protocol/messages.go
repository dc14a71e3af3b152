package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// TranscriptKind identifies transcript event variants.
type TranscriptKind string

const (
	KindPartial TranscriptKind = "partial"
	KindFinal   TranscriptKind = "final"
)

// ErrMalformedFrame marks an inbound live frame that is not the expected JSON envelope.
var ErrMalformedFrame = errors.New("malformed transcript frame")

// TranscriptFrame is the JSON envelope the transcription socket sends.
type TranscriptFrame struct {
	Partial *string `json:"partial,omitempty"`
	Final   *string `json:"final,omitempty"`
}

// TranscriptEvent is one decoded transcript update.
type TranscriptEvent struct {
	Kind TranscriptKind
	Text string
}

func Partial(text string) TranscriptEvent { return TranscriptEvent{Kind: KindPartial, Text: text} }

func Final(text string) TranscriptEvent { return TranscriptEvent{Kind: KindFinal, Text: text} }

// ParseTranscriptFrame decodes a text frame into transcript events.
//
// A frame may carry both fields; the partial is returned before the final.
// Empty fields are ignored, so `{}` yields no events and no error.
func ParseTranscriptFrame(raw []byte) ([]TranscriptEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformedFrame
	}
	var frame TranscriptFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var events []TranscriptEvent
	if frame.Partial != nil && *frame.Partial != "" {
		events = append(events, Partial(*frame.Partial))
	}
	if frame.Final != nil && *frame.Final != "" {
		events = append(events, Final(*frame.Final))
	}
	return events, nil
}

// DisplayType identifies events pushed to local display clients.
type DisplayType string

const (
	TypeSessionState        DisplayType = "session_state"
	TypeConversationMessage DisplayType = "conversation_message"
	TypeErrorEvent          DisplayType = "error_event"
)

type SessionState struct {
	Type        DisplayType `json:"type"`
	SessionID   string      `json:"session_id,omitempty"`
	Status      string      `json:"status"`
	InterimText string      `json:"interim_text"`
	FinalText   string      `json:"final_text"`
	LastError   string      `json:"last_error,omitempty"`
}

type ConversationMessage struct {
	Type      DisplayType    `json:"type"`
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Text      string         `json:"text"`
	MediaPath string         `json:"media_path,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TSMs      int64          `json:"ts_ms"`
}

type ErrorEvent struct {
	Type   DisplayType `json:"type"`
	Code   string      `json:"code"`
	Source string      `json:"source"`
	Detail string      `json:"detail"`
}
