// Package conversation records the chronological exchange between the user
// and the finance assistant.
package conversation

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment is media attached to a message, such as a recorded voice query.
// Data stays in process; stores persist only the descriptive fields.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Data        []byte `json:"-"`
}

// Message is one entry of the conversation. Insertion order is display order.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Text      string         `json:"text"`
	Media     *Attachment    `json:"media,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists conversations keyed by owner (the signed-in username).
type Store interface {
	Append(ctx context.Context, owner string, msg Message) error
	List(ctx context.Context, owner string, limit int) ([]Message, error)
	Clear(ctx context.Context, owner string) error
	Close() error
}
