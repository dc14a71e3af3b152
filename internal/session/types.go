package session

import (
	"context"
	"io"

	"github.com/ent0n29/accountant/internal/apiclient"
)

// API is the slice of the finance service the session drives.
type API interface {
	Login(ctx context.Context, username, password string) (string, error)
	TextQuery(ctx context.Context, query string) (apiclient.QueryResponse, error)
	VoiceQuery(ctx context.Context, filename string, audio io.Reader) (apiclient.VoiceQueryResponse, error)
	UploadFile(ctx context.Context, filename string, r io.Reader, category string) (apiclient.Document, error)
}

// Status summarizes the signed-in state for display.
type Status struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
	Messages      int    `json:"messages"`
}
