package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const historyLimit = 500

// Log is the append-only conversation shown to the user.
//
// Appends are serialized, so concurrent producers (typed queries and live
// dispatches) never interleave a user/assistant pair. The in-memory view is
// authoritative; a persistence failure is returned but does not undo the append.
type Log struct {
	mu       sync.Mutex
	owner    string
	messages []Message
	store    Store
	logger   zerolog.Logger

	subMu   sync.RWMutex
	subs    map[int]chan Message
	nextSub int
}

func NewLog(store Store, logger zerolog.Logger) *Log {
	if store == nil {
		store = NewInMemoryStore()
	}
	return &Log{
		store:  store,
		logger: logger,
		subs:   make(map[int]chan Message),
	}
}

// Open switches the log to owner and loads their stored history.
func (l *Log) Open(ctx context.Context, owner string) error {
	history, err := l.store.List(ctx, owner, historyLimit)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	l.mu.Lock()
	l.owner = owner
	l.messages = history
	l.mu.Unlock()
	return nil
}

// Append adds msgs in order, filling in missing IDs and timestamps. Messages
// appended before Open, or after Clear, stay in memory only.
func (l *Log) Append(ctx context.Context, msgs ...Message) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	out := make([]Message, 0, len(msgs))
	var persistErr error
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		l.messages = append(l.messages, m)
		out = append(out, m)

		if l.owner == "" {
			l.publish(m)
			continue
		}
		if err := l.store.Append(ctx, l.owner, m); err != nil && persistErr == nil {
			persistErr = err
			l.logger.Warn().Err(err).Str("messageId", m.ID).Msg("persist conversation message")
		}
		l.publish(m)
	}
	return out, persistErr
}

// Messages returns a copy of the conversation in display order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Clear empties the conversation and its stored history, and detaches the
// log from its owner.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner := l.owner
	l.messages = nil
	l.owner = ""
	if owner == "" {
		return nil
	}
	if err := l.store.Clear(ctx, owner); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// Subscribe delivers every subsequent append. Slow subscribers miss messages
// rather than stall appends. Call cancel to unsubscribe.
func (l *Log) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Message, buffer)

	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func (l *Log) Close() error {
	return l.store.Close()
}

func (l *Log) publish(m Message) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- m:
		default:
			l.logger.Debug().Str("messageId", m.ID).Msg("conversation subscriber lagging; message skipped")
		}
	}
}
