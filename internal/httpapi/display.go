package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/accountant/internal/conversation"
	"github.com/ent0n29/accountant/internal/live"
	"github.com/ent0n29/accountant/internal/observability"
	"github.com/ent0n29/accountant/internal/policy"
	"github.com/ent0n29/accountant/internal/protocol"
)

const displayQueue = 64

type displayClient struct {
	out chan any
}

// hub fans session and error events out to every connected display.
type hub struct {
	metrics *observability.Metrics

	mu      sync.Mutex
	clients map[*displayClient]struct{}
}

func newHub(metrics *observability.Metrics) *hub {
	return &hub{metrics: metrics, clients: make(map[*displayClient]struct{})}
}

func (h *hub) add() *displayClient {
	c := &displayClient{out: make(chan any, displayQueue)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) remove(c *displayClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.enqueue(c, msg)
	}
}

// enqueue never blocks: a display that cannot keep up loses events.
func (h *hub) enqueue(c *displayClient, msg any) {
	t := displayTypeOf(msg)
	select {
	case c.out <- msg:
		h.metrics.WSMessage("display_out", t)
	default:
		h.metrics.WSMessage("display_drop", t)
	}
}

func (s *Server) handleDisplayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("display_connected")
	client := s.hub.add()
	defer s.hub.remove(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading history so nothing appended in between is lost.
	messages, unsubscribe := s.sessions.Conversation().Subscribe(displayQueue)
	defer unsubscribe()

	snap := live.Snapshot{Status: live.StatusIdle}
	if machine := s.sessions.Live(); machine != nil {
		snap = machine.Snapshot()
	}
	seen := make(map[string]struct{})
	s.hub.enqueue(client, sessionStateEvent(snap))
	for _, m := range s.sessions.Conversation().Messages() {
		seen[m.ID] = struct{}{}
		s.hub.enqueue(client, conversationEvent(m))
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-messages:
				if !ok {
					return
				}
				if _, dup := seen[m.ID]; dup {
					continue
				}
				s.hub.enqueue(client, conversationEvent(m))
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					cancel()
					return
				}
			case msg := <-client.out:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug().Err(err).Msg("display write failed")
					cancel()
					return
				}
			}
		}
	}()

	// Displays only listen; reading keeps control frames flowing and detects close.
	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		s.metrics.WSMessage("display_in", "ignored")
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvent("display_disconnected")
}

func sessionStateEvent(snap live.Snapshot) protocol.SessionState {
	return protocol.SessionState{
		Type:        protocol.TypeSessionState,
		SessionID:   snap.ID,
		Status:      snap.Status.String(),
		InterimText: snap.InterimText,
		FinalText:   snap.FinalText,
		LastError:   snap.LastError,
	}
}

func conversationEvent(m conversation.Message) protocol.ConversationMessage {
	ev := protocol.ConversationMessage{
		Type:     protocol.TypeConversationMessage,
		ID:       m.ID,
		Role:     string(m.Role),
		Text:     m.Text,
		Metadata: m.Metadata,
		TSMs:     m.CreatedAt.UnixMilli(),
	}
	if m.Media != nil {
		ev.MediaPath = m.Media.Name
	}
	return ev
}

func errorEvent(err error) protocol.ErrorEvent {
	code, source := errorCode(err)
	return protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		Code:   code,
		Source: source,
		Detail: policy.RedactString(err.Error()),
	}
}

func displayTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.SessionState:
		return string(m.Type)
	case protocol.ConversationMessage:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}
