package conversation

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from the URL scheme: postgres:// or postgresql://
// for PostgreSQL, sqlite:// for a local file, empty for in-memory.
func NewStore(ctx context.Context, storeURL string) (Store, error) {
	storeURL = strings.TrimSpace(storeURL)
	switch {
	case storeURL == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		return NewPostgresStore(ctx, storeURL)
	case strings.HasPrefix(storeURL, "sqlite://"):
		path := strings.TrimPrefix(storeURL, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite store url %q has no path", storeURL)
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported conversation store url %q", storeURL)
	}
}
